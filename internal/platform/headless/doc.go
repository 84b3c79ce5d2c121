// Package headless is a reference platform adapter whose surfaces are goja
// JavaScript runtimes.
//
// A Page has a window global, a promise-based fetch that routes every
// request through the host, a console captured for inspection and the
// messenger binding used by window.ipc. Navigate loads a document through
// the host and runs its inline scripts in order. All runtime access
// happens on the run loop.
package headless
