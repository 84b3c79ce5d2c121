package resolve

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/logging"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/protocol"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/runloop"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

// Poster schedules work on the engine thread
type Poster interface {
	Post(fn runloop.Task) error
}

// Liveness answers whether a surface still exists
type Liveness interface {
	IsLive(sid id.SurfaceID) bool
}

// Stats counts resolver activity
type Stats struct {
	Pending   int    `json:"pending"`
	Begun     uint64 `json:"begun"`
	Resolved  uint64 `json:"resolved"`
	Delivered uint64 `json:"delivered"`
	Cancelled uint64 `json:"cancelled"`
	Rejected  uint64 `json:"rejected"`
	Stale     uint64 `json:"stale"`
}

// Resolver tracks deferred requests from Begin until they are delivered to
// the adapter or cancelled by surface teardown. Delivery always happens on
// the run loop.
type Resolver struct {
	adapter platform.Adapter
	loop    Poster
	live    Liveness

	initScripts func() []string

	mu        sync.Mutex
	pending   map[id.PendingID]*Pending
	bySurface map[id.SurfaceID]map[id.PendingID]*Pending

	begun     atomic.Uint64
	resolved  atomic.Uint64
	delivered atomic.Uint64
	cancelled atomic.Uint64
	rejected  atomic.Uint64
	stale     atomic.Uint64

	logger  *zap.Logger
	metrics *monitoring.Metrics
}

// Option configures a Resolver
type Option func(*Resolver)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = logging.OrNop(l) }
}

// WithMetrics reports pending counts and stale deliveries
func WithMetrics(m *monitoring.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithInitScripts supplies the scripts injected into HTML responses on
// engines without document-start scripts.
func WithInitScripts(fn func() []string) Option {
	return func(r *Resolver) { r.initScripts = fn }
}

// New creates a resolver delivering through adapter on loop
func New(adapter platform.Adapter, loop Poster, live Liveness, opts ...Option) *Resolver {
	r := &Resolver{
		adapter:   adapter,
		loop:      loop,
		live:      live,
		pending:   make(map[id.PendingID]*Pending),
		bySurface: make(map[id.SurfaceID]map[id.PendingID]*Pending),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BeginOption configures a single pending entry
type BeginOption func(*Pending)

// WithParent derives the entry's context from ctx
func WithParent(ctx context.Context) BeginOption {
	return func(p *Pending) { p.ctx = ctx }
}

// WithCapabilities sets the capabilities used to finalize the response
func WithCapabilities(caps platform.Capabilities) BeginOption {
	return func(p *Pending) { p.caps = caps }
}

// WithRequestID tags the entry with the dispatch request id
func WithRequestID(rid id.RequestID) BeginOption {
	return func(p *Pending) { p.RequestID = rid }
}

// OnTerminal is called exactly once when the entry is delivered or
// cancelled.
func OnTerminal(fn func(*Pending, Outcome)) BeginOption {
	return func(p *Pending) { p.onTerminal = fn }
}

// Begin registers a deferred request for surface and returns the entry
// together with the Responder to hand to the handler. If the surface is
// retired concurrently the entry comes back already cancelled.
func (r *Resolver) Begin(surface id.SurfaceID, req *types.Request, opts ...BeginOption) (*Pending, protocol.Responder) {
	p := &Pending{
		ID:       id.NewPendingID(),
		Surface:  surface,
		Token:    req.Token,
		Scheme:   req.Scheme(),
		Started:  time.Now(),
		req:      req,
		ctx:      context.Background(),
		done:     make(chan struct{}),
		resolver: r,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.ctx, p.cancel = context.WithCancel(p.ctx)

	r.mu.Lock()
	r.pending[p.ID] = p
	set, ok := r.bySurface[surface]
	if !ok {
		set = make(map[id.PendingID]*Pending)
		r.bySurface[surface] = set
	}
	set[p.ID] = p
	n := len(r.pending)
	// Retire flips liveness before CancelSurface takes r.mu, so either the
	// check below sees the surface dead or CancelSurface sees the entry.
	dead := r.live != nil && !r.live.IsLive(surface)
	r.mu.Unlock()

	r.begun.Add(1)
	r.metrics.SetPending(n)
	if dead {
		if p.cancelEntry() {
			r.finish(p, StateCancelled)
		}
		r.stale.Add(1)
		r.metrics.RecordStale("response")
		r.logger.Debug("surface retired while request began",
			logging.Pending(p.ID),
			logging.Surface(surface),
			zap.Error(types.ErrStaleDelivery))
		return p, p
	}
	r.logger.Debug("deferred request begun",
		logging.Pending(p.ID),
		logging.Surface(surface),
		logging.Token(p.Token),
		logging.Scheme(p.Scheme))
	return p, p
}

func (r *Resolver) respond(p *Pending, resp *types.Response) bool {
	if !p.transition(StatePending, StateResolved) {
		if p.State() == StateCancelled {
			r.stale.Add(1)
			r.metrics.RecordStale("response")
			r.logger.Debug("response for cancelled request discarded",
				logging.Pending(p.ID),
				logging.Surface(p.Surface),
				zap.Error(types.ErrStaleDelivery))
			return false
		}
		r.rejected.Add(1)
		r.logger.Warn("request already resolved",
			logging.Pending(p.ID),
			logging.Surface(p.Surface),
			zap.Error(types.ErrAlreadyResolved))
		return false
	}
	r.resolved.Add(1)
	p.response.Store(r.Finalize(resp, p.req, p.caps))

	if err := r.loop.Post(func() { r.deliver(p) }); err != nil {
		// The loop is gone, so the surface is too.
		if p.cancelEntry() {
			r.finish(p, StateCancelled)
		}
		r.logger.Debug("delivery not scheduled", logging.Pending(p.ID), zap.Error(err))
	}
	return true
}

// deliver runs on the loop
func (r *Resolver) deliver(p *Pending) {
	if r.live != nil && !r.live.IsLive(p.Surface) {
		if p.cancelEntry() {
			r.finish(p, StateCancelled)
		}
		r.stale.Add(1)
		r.metrics.RecordStale("response")
		r.logger.Debug("surface gone before delivery",
			logging.Pending(p.ID),
			logging.Surface(p.Surface),
			zap.Error(types.ErrStaleDelivery))
		return
	}
	if !p.transition(StateResolved, StateDelivered) {
		// Cancelled by teardown between resolve and delivery.
		return
	}
	if err := r.adapter.DeliverResponse(p.Surface, p.Token, p.response.Load()); err != nil {
		r.logger.Warn("adapter rejected response",
			logging.Pending(p.ID),
			logging.Surface(p.Surface),
			logging.Token(p.Token),
			zap.Error(err))
	}
	r.finish(p, StateDelivered)
}

// finish runs once per entry, after its terminal transition
func (r *Resolver) finish(p *Pending, state State) {
	r.mu.Lock()
	delete(r.pending, p.ID)
	if set, ok := r.bySurface[p.Surface]; ok {
		delete(set, p.ID)
		if len(set) == 0 {
			delete(r.bySurface, p.Surface)
		}
	}
	n := len(r.pending)
	r.mu.Unlock()

	if state == StateDelivered {
		r.delivered.Add(1)
	} else {
		r.cancelled.Add(1)
	}
	r.metrics.SetPending(n)

	p.cancel()
	if p.onTerminal != nil {
		p.onTerminal(p, Outcome{
			State:    state,
			Response: p.response.Load(),
			Elapsed:  time.Since(p.Started),
		})
	}
	close(p.done)
}

// CancelSurface cancels every non-terminal entry for surface and returns
// how many were cancelled. Called on teardown, from the loop.
func (r *Resolver) CancelSurface(surface id.SurfaceID) int {
	r.mu.Lock()
	set := r.bySurface[surface]
	entries := make([]*Pending, 0, len(set))
	for _, p := range set {
		entries = append(entries, p)
	}
	r.mu.Unlock()

	n := 0
	for _, p := range entries {
		if p.cancelEntry() {
			r.finish(p, StateCancelled)
			n++
		}
	}
	if n > 0 {
		r.logger.Debug("cancelled pending requests", logging.Surface(surface), zap.Int("count", n))
	}
	return n
}

// Lookup returns a non-terminal entry by id
func (r *Resolver) Lookup(pid id.PendingID) (*Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[pid]
	return p, ok
}

// Pending lists non-terminal entries, oldest first
func (r *Resolver) Pending() []PendingInfo {
	now := time.Now()
	r.mu.Lock()
	out := make([]PendingInfo, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.info(now))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Age > out[j].Age })
	return out
}

// PendingFor counts non-terminal entries for surface
func (r *Resolver) PendingFor(surface id.SurfaceID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySurface[surface])
}

// Stats returns resolver counters
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	n := len(r.pending)
	r.mu.Unlock()
	return Stats{
		Pending:   n,
		Begun:     r.begun.Load(),
		Resolved:  r.resolved.Load(),
		Delivered: r.delivered.Load(),
		Cancelled: r.cancelled.Load(),
		Rejected:  r.rejected.Load(),
		Stale:     r.stale.Load(),
	}
}
