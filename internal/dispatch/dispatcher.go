package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/protocol"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/resolve"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

// Stats counts dispatch activity
type Stats struct {
	Dispatched  uint64 `json:"dispatched"`
	Immediate   uint64 `json:"immediate"`
	Deferred    uint64 `json:"deferred"`
	Invalid     uint64 `json:"invalid"`
	NoHandler   uint64 `json:"no_handler"`
	Failures    uint64 `json:"failures"`
	Unavailable uint64 `json:"unavailable"`
	Timeouts    uint64 `json:"timeouts"`
	Mismatched  uint64 `json:"mismatched"`
}

// Surfaces is the view of the identity map the dispatcher needs
type Surfaces interface {
	resolve.Liveness
	// ContextOf returns the shared context sid was created in and whether
	// sid is live.
	ContextOf(sid id.SurfaceID) (id.ContextID, bool)
}

// Dispatcher routes intercepted requests to the handler registered for
// their scheme in the surface's shared context.
type Dispatcher struct {
	registry *protocol.Registry
	resolver *resolve.Resolver
	adapter  platform.Adapter
	surfaces Surfaces

	breakers *resilience.Group
	tracer   *tracing.Tracer
	timeout  time.Duration

	dispatched  atomic.Uint64
	immediate   atomic.Uint64
	deferred    atomic.Uint64
	invalid     atomic.Uint64
	noHandler   atomic.Uint64
	failures    atomic.Uint64
	unavailable atomic.Uint64
	timeouts    atomic.Uint64
	mismatched  atomic.Uint64

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = logging.OrNop(l) }
}

// WithMetrics records request outcomes
func WithMetrics(m *monitoring.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer records a span per request
func WithTracer(t *tracing.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithBreakers guards each scheme with a circuit breaker. While a scheme's
// breaker is open its requests fail fast with 503.
func WithBreakers(g *resilience.Group) Option {
	return func(d *Dispatcher) { d.breakers = g }
}

// WithDeferredTimeout resolves deferred requests still unanswered after
// timeout with 504. Zero waits forever.
func WithDeferredTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// New creates a dispatcher
func New(registry *protocol.Registry, resolver *resolve.Resolver, adapter platform.Adapter, surfaces Surfaces, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		resolver: resolver,
		adapter:  adapter,
		surfaces: surfaces,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// request carries per-dispatch bookkeeping to the terminal outcome
type request struct {
	rid     id.RequestID
	surface id.SurfaceID
	scheme  string
	span    *tracing.Span
	timer   *monitoring.Timer
	done    resilience.Done
}

// Dispatch routes req from surface in shared context ctxID. It is called on
// the run loop. When immediate is true resp is the response to hand back to
// the engine synchronously; otherwise the request was deferred and its
// response will arrive through the adapter's DeliverResponse.
//
// An empty ctxID means the surface's own context. A ctxID naming another
// context is answered with 403. Deferred handlers run under a context
// detached from ctx's cancellation; it ends when the request is terminal.
func (d *Dispatcher) Dispatch(ctx context.Context, surface id.SurfaceID, ctxID id.ContextID, req *types.Request) (resp *types.Response, immediate bool) {
	d.dispatched.Add(1)
	caps := d.adapter.Capabilities()

	r := &request{rid: id.NewRequestID(), surface: surface}
	if req != nil {
		r.scheme = req.Scheme()
		if traceID, _ := tracing.ExtractTraceContext(req.Header); traceID != "" {
			ctx = tracing.WithTraceID(ctx, traceID)
		}
	}
	if d.tracer != nil {
		r.span, ctx = d.tracer.StartSpan(ctx, "webhost.dispatch")
		r.span.SetTag("surface", surface.String())
		r.span.SetTag("request_id", string(r.rid))
	}

	if d.surfaces != nil {
		owner, live := d.surfaces.ContextOf(surface)
		switch {
		case !live:
			return d.fail(r, req, caps, http.StatusServiceUnavailable,
				fmt.Errorf("%w: %s", types.ErrUnknownSurface, surface)), true
		case ctxID == "":
			ctxID = owner
		case owner != "" && owner != ctxID:
			return d.fail(r, req, caps, http.StatusForbidden,
				fmt.Errorf("%w: %s belongs to %s, not %s", types.ErrContextMismatch, surface, owner, ctxID)), true
		}
	}
	if err := validate(req); err != nil {
		return d.fail(r, req, caps, http.StatusBadRequest, err), true
	}

	if rewritten, ok := caps.Alias.RewriteURL(req.URL); ok {
		req = req.Clone()
		req.URL = rewritten
		r.scheme = req.Scheme()
	}
	if r.span != nil {
		r.span.SetTag("scheme", r.scheme)
	}

	h, ok := d.registry.Lookup(ctxID, r.scheme)
	if !ok {
		return d.fail(r, req, caps, http.StatusNotFound,
			fmt.Errorf("%w: %s", types.ErrNoHandlerForScheme, r.scheme)), true
	}

	if d.breakers != nil {
		done, err := d.breakers.Get(r.scheme).Allow()
		if err != nil {
			return d.fail(r, req, caps, http.StatusServiceUnavailable,
				fmt.Errorf("%w: %s: %v", types.ErrSchemeUnavailable, r.scheme, err)), true
		}
		r.done = done
	}

	switch h := h.(type) {
	case protocol.Immediate:
		return d.runImmediate(ctx, r, h, req, caps), true
	case protocol.Deferred:
		d.runDeferred(ctx, r, h, req, caps)
		return nil, false
	default:
		return d.fail(r, req, caps, http.StatusInternalServerError,
			fmt.Errorf("%w: unsupported handler %T", types.ErrHandlerFailure, h)), true
	}
}

// validate rejects URLs without a scheme or host. Alias URLs pass too,
// their host is the <scheme>.localhost label.
func validate(req *types.Request) error {
	switch {
	case req == nil || req.URL == nil:
		return fmt.Errorf("%w: missing url", types.ErrInvalidRequestURI)
	case req.URL.Scheme == "":
		return fmt.Errorf("%w: missing scheme in %q", types.ErrInvalidRequestURI, req.URL.String())
	case req.URL.Host == "":
		return fmt.Errorf("%w: missing host in %q", types.ErrInvalidRequestURI, req.URL.String())
	}
	return nil
}

func (d *Dispatcher) runImmediate(ctx context.Context, r *request, h protocol.Immediate, req *types.Request, caps platform.Capabilities) *types.Response {
	d.immediate.Add(1)
	r.timer = monitoring.NewTimer(d.metrics, r.scheme, monitoring.KindImmediate)
	if r.span != nil {
		r.span.SetTag("kind", monitoring.KindImmediate)
	}

	resp, err := d.callImmediate(ctx, h, req)
	if err != nil {
		d.logger.Warn("handler failed",
			logging.Surface(r.surface),
			logging.Scheme(r.scheme),
			logging.Request(r.rid),
			zap.Error(err))
		resp = types.ErrorResponse(http.StatusInternalServerError, err)
	}
	resp = d.resolver.Finalize(resp, req, caps)
	d.complete(r, resp)
	return resp
}

func (d *Dispatcher) callImmediate(ctx context.Context, h protocol.Immediate, req *types.Request) (resp *types.Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("handler panicked",
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			resp, err = nil, fmt.Errorf("%w: panic: %v", types.ErrHandlerFailure, rec)
		}
	}()
	resp, err = h(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrHandlerFailure, err)
	}
	return resp, nil
}

func (d *Dispatcher) runDeferred(ctx context.Context, r *request, h protocol.Deferred, req *types.Request, caps platform.Capabilities) {
	d.deferred.Add(1)
	r.timer = monitoring.NewTimer(d.metrics, r.scheme, monitoring.KindDeferred)
	if r.span != nil {
		r.span.SetTag("kind", monitoring.KindDeferred)
	}

	p, responder := d.resolver.Begin(r.surface, req,
		resolve.WithParent(context.WithoutCancel(ctx)),
		resolve.WithCapabilities(caps),
		resolve.WithRequestID(r.rid),
		resolve.OnTerminal(func(p *resolve.Pending, o resolve.Outcome) {
			if o.State == resolve.StateCancelled {
				d.cancelled(r)
				return
			}
			d.complete(r, o.Response)
		}))

	if p.State() == resolve.StateCancelled {
		d.logger.Debug("surface retired before handler ran",
			logging.Surface(r.surface),
			logging.Scheme(r.scheme),
			logging.Pending(p.ID))
		return
	}
	if d.timeout > 0 {
		go d.watchTimeout(p, r)
	}

	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("handler panicked",
				logging.Surface(r.surface),
				logging.Scheme(r.scheme),
				logging.Pending(p.ID),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))
			responder.Respond(types.ErrorResponse(http.StatusInternalServerError,
				fmt.Errorf("%w: panic: %v", types.ErrHandlerFailure, rec)))
		}
	}()
	h(p.Context(), req, responder)
}

func (d *Dispatcher) watchTimeout(p *resolve.Pending, r *request) {
	t := time.NewTimer(d.timeout)
	defer t.Stop()
	select {
	case <-p.Done():
	case <-t.C:
		err := fmt.Errorf("%w: no response after %s", types.ErrHandlerTimeout, d.timeout)
		if p.Respond(types.ErrorResponse(http.StatusGatewayTimeout, err)) {
			d.logger.Warn("deferred request timed out",
				logging.Surface(r.surface),
				logging.Scheme(r.scheme),
				logging.Pending(p.ID),
				zap.Duration("timeout", d.timeout))
		}
	}
}

// fail synthesizes the response for a request that never reached a handler
func (d *Dispatcher) fail(r *request, req *types.Request, caps platform.Capabilities, status int, err error) *types.Response {
	d.logger.Debug("request not dispatched",
		logging.Surface(r.surface),
		logging.Scheme(r.scheme),
		logging.Request(r.rid),
		zap.Int("status", status),
		zap.Error(err))
	resp := d.resolver.Finalize(types.ErrorResponse(status, err), req, caps)
	if r.timer == nil {
		r.timer = monitoring.NewTimer(d.metrics, r.scheme, monitoring.KindImmediate)
	}
	d.complete(r, resp)
	return resp
}

// complete records a delivered response
func (d *Dispatcher) complete(r *request, resp *types.Response) {
	outcome := d.classify(resp)
	if r.done != nil {
		r.done(outcome != monitoring.OutcomeFailure && outcome != monitoring.OutcomeTimeout)
	}
	if r.timer != nil {
		r.timer.Stop(outcome)
	}
	if r.span != nil {
		r.span.SetStatus(resp.Status)
		r.span.SetTag("outcome", outcome)
		if resp.IsError() {
			r.span.SetError(fmt.Errorf("%s", resp.Body.Bytes()))
		}
		d.tracer.FinishAndSubmit(r.span)
	}
}

func (d *Dispatcher) cancelled(r *request) {
	if r.done != nil {
		r.done(true)
	}
	if r.timer != nil {
		r.timer.Stop(monitoring.OutcomeCancelled)
	}
	if r.span != nil {
		r.span.SetTag("outcome", monitoring.OutcomeCancelled)
		d.tracer.FinishAndSubmit(r.span)
	}
}

func (d *Dispatcher) classify(resp *types.Response) string {
	if resp == nil || !resp.IsError() {
		return monitoring.OutcomeDelivered
	}
	switch resp.Header.Get(types.ErrorHeader) {
	case "invalid_request_uri":
		d.invalid.Add(1)
		return monitoring.OutcomeInvalid
	case "no_handler_for_scheme":
		d.noHandler.Add(1)
		return monitoring.OutcomeNoHandler
	case "context_mismatch":
		d.mismatched.Add(1)
		return monitoring.OutcomeMismatch
	case "scheme_unavailable", "unknown_surface":
		d.unavailable.Add(1)
		return monitoring.OutcomeUnavailable
	case "handler_timeout":
		d.timeouts.Add(1)
		return monitoring.OutcomeTimeout
	default:
		d.failures.Add(1)
		return monitoring.OutcomeFailure
	}
}

// Stats returns dispatch counters
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:  d.dispatched.Load(),
		Immediate:   d.immediate.Load(),
		Deferred:    d.deferred.Load(),
		Invalid:     d.invalid.Load(),
		NoHandler:   d.noHandler.Load(),
		Failures:    d.failures.Load(),
		Unavailable: d.unavailable.Load(),
		Timeouts:    d.timeouts.Load(),
		Mismatched:  d.mismatched.Load(),
	}
}

// Breakers reports per-scheme breaker states, nil when breakers are off
func (d *Dispatcher) Breakers() map[string]string {
	if d.breakers == nil {
		return nil
	}
	out := make(map[string]string)
	for scheme, s := range d.breakers.States() {
		out[scheme] = s.String()
	}
	return out
}
