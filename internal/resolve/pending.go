package resolve

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/platform"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

// State is the lifecycle of a deferred resolution:
//
//	Pending -> Resolved -> Delivered
//	Pending | Resolved -> Cancelled   (surface teardown only)
type State int32

const (
	StatePending State = iota
	StateResolved
	StateDelivered
	StateCancelled
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateDelivered:
		return "delivered"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Delivered or Cancelled
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateCancelled
}

// Outcome is passed to terminal observers
type Outcome struct {
	State State
	// Response is the resolved response, nil when cancelled before
	// resolution.
	Response *types.Response
	Elapsed  time.Duration
}

// Pending is one in-flight deferred request. It is also the Responder
// handed to the handler. It holds only the surface id, never the surface.
type Pending struct {
	ID        id.PendingID
	RequestID id.RequestID
	Surface   id.SurfaceID
	Token     types.RequestToken
	Scheme    string
	Started   time.Time

	req  *types.Request
	caps platform.Capabilities

	state    atomic.Int32
	response atomic.Pointer[types.Response]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	onTerminal func(*Pending, Outcome)
	resolver   *Resolver
}

// State returns the current state
func (p *Pending) State() State {
	return State(p.state.Load())
}

// Request returns the originating request
func (p *Pending) Request() *types.Request {
	return p.req
}

// Context is cancelled once the request is terminal
func (p *Pending) Context() context.Context {
	return p.ctx
}

// Done is closed once the request is terminal
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Response returns the resolved response, if any
func (p *Pending) Response() *types.Response {
	return p.response.Load()
}

// Respond resolves the request exactly once and schedules delivery on the
// run loop. It may be called from any goroutine.
func (p *Pending) Respond(resp *types.Response) bool {
	return p.resolver.respond(p, resp)
}

func (p *Pending) transition(from, to State) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}

// cancel moves a non-terminal entry to Cancelled
func (p *Pending) cancelEntry() bool {
	for {
		s := p.State()
		if s.Terminal() {
			return false
		}
		if p.transition(s, StateCancelled) {
			return true
		}
	}
}

// PendingInfo is a read-only view of an in-flight request
type PendingInfo struct {
	ID      id.PendingID  `json:"id"`
	Surface string        `json:"surface"`
	Scheme  string        `json:"scheme"`
	URL     string        `json:"url"`
	State   string        `json:"state"`
	Age     time.Duration `json:"age_ns"`
}

func (p *Pending) info(now time.Time) PendingInfo {
	u := ""
	if p.req != nil && p.req.URL != nil {
		u = p.req.URL.String()
	}
	return PendingInfo{
		ID:      p.ID,
		Surface: p.Surface.String(),
		Scheme:  p.Scheme,
		URL:     u,
		State:   p.State().String(),
		Age:     now.Sub(p.Started),
	}
}
