// Package providers groups the built-in scheme handlers.
//
// Available Providers:
//   - assets: Immediate handler serving an fs.FS with byte ranges
//   - proxy: Deferred handler forwarding to an upstream HTTP origin
//
// Each provider exposes Handler(), ready for host.Register:
//
//	h.Register(ctxID, "app", assets.New(os.DirFS("dist")).Handler())
//	p, _ := proxy.New("http://127.0.0.1:5173", proxy.DefaultSettings())
//	h.Register(ctxID, "dev", p.Handler())
package providers
