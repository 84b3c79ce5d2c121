// Package runloop provides the single-threaded hand-off point between
// handler goroutines and the rendering engine.
//
// Features:
//   - One goroutine locked to its OS thread runs every task
//   - Post never blocks and may be called from the loop itself
//   - FIFO execution in post order
//   - Panicking tasks are recovered and logged; the loop keeps running
//   - Queued tasks drain on shutdown; later posts fail with ErrLoopClosed
//
// Example Usage:
//
//	loop := runloop.New(runloop.WithQueueSize(cfg.Loop.QueueSize))
//	go loop.Run(ctx)
//	loop.Post(func() { adapter.DeliverResponse(surface, token, resp) })
package runloop
