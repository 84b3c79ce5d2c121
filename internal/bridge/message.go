package bridge

import (
	"context"
	"time"

	"github.com/GriffinCanCode/AgentOS/webhost/internal/shared/id"
)

// Message is one string posted by page script through window.ipc.
type Message struct {
	Surface id.SurfaceID `json:"surface"`
	// URL is the page URL when the message was posted.
	URL  string `json:"url"`
	Body string `json:"body"`
	// Seq increases by one per accepted message on a surface.
	Seq      uint64    `json:"seq"`
	Received time.Time `json:"received"`
}

// Handler receives bridge messages. Messages from one surface arrive in
// order on a single goroutine; different surfaces are handled concurrently.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, msg Message)

// HandleMessage calls f
func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) { f(ctx, msg) }
