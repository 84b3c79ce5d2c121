package protocol

import (
	"context"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/types"
)

// Kind distinguishes the two handler variants
type Kind int

const (
	KindImmediate Kind = iota
	KindDeferred
)

// String returns the kind label used in metrics
func (k Kind) String() string {
	if k == KindDeferred {
		return "deferred"
	}
	return "immediate"
}

// Handler is either an Immediate or a Deferred function. The interface is
// sealed; no other implementations exist.
type Handler interface {
	Kind() Kind
	sealed()
}

// Immediate produces a response synchronously, on the dispatching goroutine.
type Immediate func(ctx context.Context, req *types.Request) (*types.Response, error)

// Deferred receives a Responder and may complete from any goroutine at any
// later time. ctx is cancelled once the request reaches a terminal outcome
// (delivered, cancelled by surface teardown, or timed out).
type Deferred func(ctx context.Context, req *types.Request, r Responder)

// Kind implements Handler
func (Immediate) Kind() Kind { return KindImmediate }
func (Immediate) sealed()    {}

// Kind implements Handler
func (Deferred) Kind() Kind { return KindDeferred }
func (Deferred) sealed()    {}

// Responder is the single-use completion token handed to Deferred handlers.
type Responder interface {
	// Respond resolves the request. It returns false when the request was
	// already resolved or cancelled; the response is then discarded.
	Respond(resp *types.Response) bool
}

// ResponderFunc adapts a function to Responder
type ResponderFunc func(resp *types.Response) bool

// Respond implements Responder
func (f ResponderFunc) Respond(resp *types.Response) bool { return f(resp) }

// isNil reports whether h is nil or wraps a nil function.
func isNil(h Handler) bool {
	switch fn := h.(type) {
	case nil:
		return true
	case Immediate:
		return fn == nil
	case Deferred:
		return fn == nil
	default:
		return false
	}
}
