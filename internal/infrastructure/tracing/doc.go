/*
Package tracing provides lightweight request tracing for debugging.

# Overview

Every request dispatched for a custom scheme gets one span, started when the
dispatcher accepts the request and finished on its terminal outcome
(delivered, cancelled, or answered synchronously). Deferred requests finish
their span on whichever goroutine resolves them, so spans are safe for
concurrent use.

# Features

- Trace ids are request ids, so log lines join on request_id
- Parent-child span relationships through context
- Header propagation (X-Trace-ID, X-Span-ID) for upstream proxies
- Gin middleware for the debug server
- Buffered, drop-on-full span collection logged with zap at debug level

# Usage

	tracer := tracing.New("webhost", logger)
	defer tracer.Close()

	span, ctx := tracer.StartSpan(ctx, "dispatch")
	span.SetTag("scheme", "app")
	// ... later, possibly on another goroutine ...
	span.SetStatus(200)
	tracer.FinishAndSubmit(span)
*/
package tracing
