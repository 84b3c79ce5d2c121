// Package dispatch routes intercepted requests to protocol handlers.
//
// For each request the dispatcher checks the surface is live, validates
// the URL, undoes the engine's localhost alias, looks the scheme up in the
// surface's shared context and invokes the handler. Immediate handlers
// answer synchronously. Deferred handlers get a Responder and may answer
// from any goroutine; the response is delivered on the run loop.
//
// Failures never escape as errors. They become synthesized responses:
//
//	400  invalid request URI
//	404  no handler for scheme
//	500  handler error or panic
//	503  scheme breaker open, or surface gone
//	504  deferred handler never answered
package dispatch
