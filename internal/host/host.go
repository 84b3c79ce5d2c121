package host

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/bridge"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/config"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/dispatch"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/protocol"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/resolve"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/rpc"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/runloop"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shim"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/surface"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

// NavigationHandler decides whether surface sid may load url. newWindow
// marks a request to open url in a new surface.
type NavigationHandler func(sid id.SurfaceID, url string, newWindow bool) bool

// PageLoadHandler observes document loads
type PageLoadHandler func(sid id.SurfaceID, url string, event platform.PageLoadEvent)

// Host wires the surface map, registry, dispatcher, resolver and bridge
// behind the entry points an adapter calls.
type Host struct {
	cfg     *config.Config
	loop    *runloop.Loop
	adapter platform.Adapter
	caps    platform.Capabilities

	surfaces   *surface.Map
	registry   *protocol.Registry
	resolver   *resolve.Resolver
	dispatcher *dispatch.Dispatcher
	bridge     *bridge.Bridge
	rpc        *rpc.Server
	tracer     *tracing.Tracer

	bridgeScheme string
	rpcEnabled   bool

	scriptsOnce sync.Once
	scripts     []string

	handlerMu sync.RWMutex
	handler   bridge.Handler

	navigate NavigationHandler
	pageLoad PageLoadHandler

	shutdownOnce sync.Once

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// Option configures a Host
type Option func(*Host)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(h *Host) { h.logger = logging.OrNop(l) }
}

// WithMetrics records metrics across every component
func WithMetrics(m *monitoring.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// WithConfig replaces the default configuration
func WithConfig(cfg *config.Config) Option {
	return func(h *Host) {
		if cfg != nil {
			h.cfg = cfg
		}
	}
}

// WithMessageHandler receives bridge messages that are not RPC calls
func WithMessageHandler(handler bridge.Handler) Option {
	return func(h *Host) { h.handler = handler }
}

// WithNavigationHandler lets the embedder allow or deny each navigation and
// new-window request. Without one every request is allowed.
func WithNavigationHandler(fn NavigationHandler) Option {
	return func(h *Host) { h.navigate = fn }
}

// WithPageLoadHandler observes page load events
func WithPageLoadHandler(fn PageLoadHandler) Option {
	return func(h *Host) { h.pageLoad = fn }
}

// WithBridgeScheme sets the pseudo-scheme whose fetch/XHR calls become
// bridge messages. Empty disables the interceptor.
func WithBridgeScheme(scheme string) Option {
	return func(h *Host) { h.bridgeScheme = scheme }
}

// WithoutRPC leaves window.rpc uninstalled and hands every message to the
// message handler
func WithoutRPC() Option {
	return func(h *Host) { h.rpcEnabled = false }
}

// New creates a host for adapter. loop must be the loop the adapter runs
// on; the caller runs it.
func New(loop *runloop.Loop, adapter platform.Adapter, opts ...Option) *Host {
	h := &Host{
		cfg:          config.Default(),
		loop:         loop,
		adapter:      adapter,
		caps:         adapter.Capabilities(),
		bridgeScheme: shim.DefaultBridgeScheme,
		rpcEnabled:   true,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.surfaces = surface.NewMap(
		surface.WithLogger(h.logger.Named("surface")),
		surface.WithMetrics(h.metrics),
	)
	h.registry = protocol.NewRegistry(h.logger.Named("protocol"))
	h.resolver = resolve.New(adapter, loop, h.surfaces,
		resolve.WithLogger(h.logger.Named("resolve")),
		resolve.WithMetrics(h.metrics),
		resolve.WithInitScripts(h.InitScripts),
	)
	h.tracer = tracing.New("webhost", h.logger.Named("tracing"))

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(h.logger.Named("dispatch")),
		dispatch.WithMetrics(h.metrics),
		dispatch.WithTracer(h.tracer),
		dispatch.WithDeferredTimeout(h.cfg.Dispatch.DeferredTimeout),
	}
	if h.cfg.Dispatch.BreakerEnabled {
		dispatchOpts = append(dispatchOpts, dispatch.WithBreakers(h.breakers()))
	}
	h.dispatcher = dispatch.New(h.registry, h.resolver, adapter, h.surfaces, dispatchOpts...)

	var handler bridge.Handler = bridge.HandlerFunc(h.forward)
	if h.rpcEnabled {
		h.rpc = rpc.New(adapter, loop,
			rpc.WithLogger(h.logger.Named("rpc")),
			rpc.WithFallback(handler),
		)
		handler = h.rpc
	}
	h.bridge = bridge.New(handler, h.surfaces,
		bridge.WithLogger(h.logger.Named("bridge")),
		bridge.WithMetrics(h.metrics),
		bridge.WithMailboxSize(h.cfg.Bridge.MailboxSize),
		bridge.WithRateLimit(h.cfg.Bridge.RatePerSecond, h.cfg.Bridge.Burst),
	)

	h.surfaces.OnRetire(h.retired)
	return h
}

func (h *Host) breakers() *resilience.Group {
	return resilience.NewGroup(resilience.Settings{
		Cooldown:    h.cfg.Dispatch.BreakerCooldown,
		ReadyToTrip: resilience.ConsecutiveFailures(h.cfg.Dispatch.BreakerFailures),
		OnStateChange: func(name string, from, to resilience.State) {
			h.logger.Warn("scheme breaker state changed",
				logging.Scheme(name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	})
}

// retired runs after a surface leaves the map
func (h *Host) retired(sid id.SurfaceID) {
	cancelled := h.resolver.CancelSurface(sid)
	h.bridge.Close(sid)
	if cancelled > 0 {
		h.logger.Debug("pending requests cancelled", logging.Surface(sid), zap.Int("count", cancelled))
	}
}

// forward hands non-RPC messages to the message handler
func (h *Host) forward(ctx context.Context, msg bridge.Message) {
	h.handlerMu.RLock()
	handler := h.handler
	h.handlerMu.RUnlock()
	if handler == nil {
		h.logger.Debug("bridge message without handler", logging.Surface(msg.Surface))
		return
	}
	handler.HandleMessage(ctx, msg)
}

// SetMessageHandler replaces the message handler
func (h *Host) SetMessageHandler(handler bridge.Handler) {
	h.handlerMu.Lock()
	h.handler = handler
	h.handlerMu.Unlock()
}

// Capabilities returns the adapter's capabilities
func (h *Host) Capabilities() platform.Capabilities { return h.caps }

// NewContext creates a shared context with the adapter's capabilities
func (h *Host) NewContext() id.ContextID {
	return h.registry.NewContext(h.caps.Context()).ID()
}

// AddContext creates a shared context with a chosen id
func (h *Host) AddContext(ctxID id.ContextID) error {
	_, err := h.registry.AddContext(ctxID, h.caps.Context())
	return err
}

// DropContext removes a shared context and its bindings
func (h *Host) DropContext(ctxID id.ContextID) bool {
	return h.registry.DropContext(ctxID)
}

// Register binds scheme to handler in ctxID. On engines with unique schemes
// a second registration fails with types.ErrDuplicateProtocol.
func (h *Host) Register(ctxID id.ContextID, scheme string, handler protocol.Handler) error {
	return h.registry.Register(ctxID, scheme, handler)
}

// TryRegister binds scheme only when it is not bound yet
func (h *Host) TryRegister(ctxID id.ContextID, scheme string, handler protocol.Handler) error {
	return h.registry.TryRegister(ctxID, scheme, handler)
}

// IsRegistered reports whether scheme is bound in ctxID
func (h *Host) IsRegistered(ctxID id.ContextID, scheme string) bool {
	return h.registry.IsRegistered(ctxID, scheme)
}

// Unregister removes the binding for scheme
func (h *Host) Unregister(ctxID id.ContextID, scheme string) bool {
	return h.registry.Unregister(ctxID, scheme)
}

// RegisterMethod adds an RPC method callable through window.rpc
func (h *Host) RegisterMethod(name string, m rpc.Method) error {
	if h.rpc == nil {
		return errors.New("rpc disabled")
	}
	return h.rpc.Register(name, m)
}

// SurfaceCreated allocates an id for a new surface in ctxID
func (h *Host) SurfaceCreated(ctxID id.ContextID) (id.SurfaceID, error) {
	if _, ok := h.registry.Context(ctxID); !ok {
		return id.NilSurface, fmt.Errorf("%w: %s", types.ErrUnknownContext, ctxID)
	}
	sid := h.surfaces.AllocateIn(ctxID)
	h.logger.Debug("surface created", logging.Surface(sid), logging.Context(ctxID))
	return sid, nil
}

// SurfaceDestroyed retires sid. Pending requests of the surface are
// cancelled and its mailbox drained. Unknown ids are ignored.
func (h *Host) SurfaceDestroyed(sid id.SurfaceID) {
	if !h.surfaces.Retire(sid) {
		h.logger.Debug("destroy of unknown surface", logging.Surface(sid))
	}
}

// OnRequest dispatches an intercepted request. When immediate is true resp
// must be returned to the engine now; otherwise the response arrives later
// through DeliverResponse. Deferred handlers keep ctx's values but not its
// cancellation, so ctx may end when OnRequest returns. An empty ctxID means
// the surface's own context.
func (h *Host) OnRequest(ctx context.Context, sid id.SurfaceID, ctxID id.ContextID, req *types.Request) (resp *types.Response, immediate bool) {
	return h.dispatcher.Dispatch(ctx, sid, ctxID, req)
}

// OnNavigation reports whether sid may load url. Retired surfaces may not.
func (h *Host) OnNavigation(sid id.SurfaceID, url string, newWindow bool) bool {
	target := "page"
	if newWindow {
		target = "new_window"
	}
	allowed := h.surfaces.IsLive(sid) && (h.navigate == nil || h.navigate(sid, url, newWindow))
	if !allowed {
		h.metrics.RecordNavigation(target, monitoring.NavigationDenied)
		h.logger.Info("navigation denied",
			logging.Surface(sid), logging.URL(url), zap.String("target", target))
		return false
	}
	h.metrics.RecordNavigation(target, monitoring.NavigationAllowed)
	h.logger.Debug("navigation allowed",
		logging.Surface(sid), logging.URL(url), zap.String("target", target))
	return true
}

// OnPageLoad records a page load event of sid
func (h *Host) OnPageLoad(sid id.SurfaceID, url string, event platform.PageLoadEvent) {
	h.metrics.RecordPageLoad(event.String())
	h.logger.Debug("page load",
		logging.Surface(sid), logging.URL(url), zap.Stringer("event", event))
	if h.pageLoad != nil && h.surfaces.IsLive(sid) {
		h.pageLoad(sid, url, event)
	}
}

// OnScriptMessage accepts a string posted by page script
func (h *Host) OnScriptMessage(sid id.SurfaceID, url, text string) {
	// Drops are logged by the bridge.
	_ = h.bridge.Receive(sid, url, text)
}

// InitScripts returns the scripts the adapter installs in every page
func (h *Host) InitScripts() []string {
	h.scriptsOnce.Do(func() {
		h.scripts = shim.Scripts(shim.Options{
			Messenger:    h.caps.Messenger,
			BridgeScheme: h.bridgeScheme,
			RPC:          h.rpcEnabled,
		})
	})
	return h.scripts
}

// Subscribe taps delivered bridge messages
func (h *Host) Subscribe(buffer int) (<-chan bridge.Message, func()) {
	return h.bridge.Subscribe(buffer)
}

// Pending lists outstanding deferred requests, oldest first
func (h *Host) Pending() []resolve.PendingInfo {
	return h.resolver.Pending()
}

// Metrics returns the metrics the host records into, possibly nil
func (h *Host) Metrics() *monitoring.Metrics { return h.metrics }

// Shutdown retires every live surface on the run loop and stops the
// bridge. It must not be called from the loop. When the loop is not running
// surfaces are retired on the calling goroutine.
func (h *Host) Shutdown(ctx context.Context) error {
	var err error
	h.shutdownOnce.Do(func() {
		retire := func() {
			for _, sid := range h.surfaces.Live() {
				h.surfaces.Retire(sid)
			}
		}
		if !h.loop.Running() {
			retire()
		} else if doErr := h.loop.Do(ctx, retire); doErr != nil {
			h.logger.Warn("retiring surfaces off the loop", zap.Error(doErr))
			retire()
		}
		err = h.bridge.Shutdown(ctx)
		h.tracer.Close()
		h.logger.Info("host stopped")
	})
	return err
}
