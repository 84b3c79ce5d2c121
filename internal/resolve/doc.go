// Package resolve owns deferred requests between the handler and the
// adapter.
//
// Begin registers a request and returns its Responder. The first Respond
// resolves it and posts delivery to the run loop; later calls are rejected.
// Surface teardown cancels whatever is still outstanding, and a response
// that arrives after cancellation is discarded. Each entry reaches exactly
// one of Delivered or Cancelled.
//
// Finalize normalizes every response on its way out, immediate or deferred.
package resolve
