package headless

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/runloop"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shim"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

// Binding is the global function page script posts messages through
const Binding = "__webhost_post"

var (
	// ErrUnknownToken is returned when delivering to a request the page
	// no longer waits for
	ErrUnknownToken = errors.New("unknown request token")
	// ErrDetached is returned by Open before Attach
	ErrDetached = errors.New("adapter has no host")
)

// Host is the side of the webhost the adapter reports engine events to.
// Every method is called on the run loop.
type Host interface {
	SurfaceCreated(ctxID id.ContextID) (id.SurfaceID, error)
	SurfaceDestroyed(sid id.SurfaceID)
	OnRequest(ctx context.Context, sid id.SurfaceID, ctxID id.ContextID, req *types.Request) (*types.Response, bool)
	OnScriptMessage(sid id.SurfaceID, url, text string)
	InitScripts() []string
	// OnNavigation decides whether sid may load url, in place or, with
	// newWindow, in a new surface.
	OnNavigation(sid id.SurfaceID, url string, newWindow bool) bool
	OnPageLoad(sid id.SurfaceID, url string, event platform.PageLoadEvent)
}

// Adapter is a platform.Adapter whose surfaces are JavaScript runtimes
// with a minimal window, fetch and console. It stands in for a browser
// engine in tests and in the CLI.
type Adapter struct {
	loop    *runloop.Loop
	host    Host
	caps    platform.Capabilities
	binding string

	tokens atomic.Uint64

	mu    sync.Mutex
	pages map[id.SurfaceID]*Page

	onWindow func(*Page)

	logger *zap.Logger
}

// Option configures an Adapter
type Option func(*Adapter)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.logger = logging.OrNop(l) }
}

// WithCapabilities overrides the reported capabilities. The messenger is
// always the adapter's own binding.
func WithCapabilities(caps platform.Capabilities) Option {
	return func(a *Adapter) { a.caps = caps }
}

// WithWindowOpened is called on the loop with each page created by
// window.open, before it starts loading.
func WithWindowOpened(fn func(*Page)) Option {
	return func(a *Adapter) { a.onWindow = fn }
}

// New creates an adapter driven by loop. Attach a host before opening
// pages.
func New(loop *runloop.Loop, opts ...Option) *Adapter {
	a := &Adapter{
		loop:    loop,
		binding: Binding,
		caps: platform.Capabilities{
			DocumentStartScripts: true,
			RequestBodies:        true,
		},
		pages:  make(map[id.SurfaceID]*Page),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.caps.Messenger = shim.Binding(a.binding)
	return a
}

// Attach sets the host events are reported to
func (a *Adapter) Attach(h Host) {
	a.host = h
}

// Capabilities implements platform.Adapter
func (a *Adapter) Capabilities() platform.Capabilities {
	return a.caps
}

// DeliverResponse implements platform.Adapter
func (a *Adapter) DeliverResponse(sid id.SurfaceID, token types.RequestToken, resp *types.Response) error {
	p, ok := a.page(sid)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownSurface, sid)
	}
	return p.deliver(token, resp)
}

// InjectScript implements platform.Adapter
func (a *Adapter) InjectScript(sid id.SurfaceID, script string) error {
	p, ok := a.page(sid)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownSurface, sid)
	}
	_, err := p.run(script)
	return err
}

// Open creates a surface in the shared context ctxID. When the engine
// runs init scripts at document start they are installed here.
func (a *Adapter) Open(ctx context.Context, ctxID id.ContextID) (*Page, error) {
	if a.host == nil {
		return nil, ErrDetached
	}
	var (
		page *Page
		err  error
	)
	if doErr := a.loop.Do(ctx, func() {
		page, err = a.open(ctxID)
	}); doErr != nil {
		return nil, doErr
	}
	return page, err
}

func (a *Adapter) open(ctxID id.ContextID) (*Page, error) {
	sid, err := a.host.SurfaceCreated(ctxID)
	if err != nil {
		return nil, err
	}
	p, err := newPage(a, sid, ctxID)
	if err != nil {
		a.host.SurfaceDestroyed(sid)
		return nil, err
	}
	if a.caps.DocumentStartScripts {
		for i, script := range a.host.InitScripts() {
			if _, err := p.vm.RunString(script); err != nil {
				a.host.SurfaceDestroyed(sid)
				return nil, fmt.Errorf("init script %d: %w", i, err)
			}
		}
	}

	a.mu.Lock()
	a.pages[sid] = p
	a.mu.Unlock()

	a.logger.Debug("page opened", logging.Surface(sid), logging.Context(ctxID))
	return p, nil
}

// Pages returns the number of open pages
func (a *Adapter) Pages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pages)
}

func (a *Adapter) page(sid id.SurfaceID) (*Page, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pages[sid]
	return p, ok
}

func (a *Adapter) windowOpened(p *Page) {
	a.logger.Debug("window opened", logging.Surface(p.id), zap.Stringer("opener", p.opener))
	if a.onWindow != nil {
		a.onWindow(p)
	}
}

func (a *Adapter) remove(sid id.SurfaceID) {
	a.mu.Lock()
	delete(a.pages, sid)
	a.mu.Unlock()
	a.logger.Debug("page closed", logging.Surface(sid))
}

func (a *Adapter) nextToken() types.RequestToken {
	return types.RequestToken("req-" + strconv.FormatUint(a.tokens.Add(1), 10))
}
