// Package host is the facade an engine adapter talks to.
//
// A Host owns the surface map, the protocol registry, the dispatcher, the
// resolver and the bridge, and implements the adapter-facing entry points:
// SurfaceCreated, SurfaceDestroyed, OnRequest, OnScriptMessage and
// InitScripts. Retiring a surface cancels its deferred requests and drains
// its mailbox.
//
//	loop := runloop.New()
//	adapter := headless.New(loop)
//	h := host.New(loop, adapter, host.WithLogger(logger))
//	adapter.Attach(h)
//	go loop.Run(ctx)
//
//	ctxID := h.NewContext()
//	h.Register(ctxID, "app", protocol.Immediate(serve))
package host
