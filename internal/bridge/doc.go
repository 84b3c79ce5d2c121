// Package bridge carries strings posted by page script to the host.
//
// The adapter calls Receive for every window.ipc.postMessage. Each surface
// gets a mailbox drained by its own goroutine, so the host Handler sees a
// surface's messages exactly once and in arrival order, and a slow handler
// never stalls the run loop or other surfaces.
//
// Dropped messages are never fatal:
//
//   - invalid UTF-8 is logged at warn with a charset guess
//   - messages for a retired surface are logged at debug
//   - floods beyond the per-surface rate limit are logged at warn
//   - a panicking handler is recovered and the next message proceeds
package bridge
