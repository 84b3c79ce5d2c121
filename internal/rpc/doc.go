// Package rpc serves JSON-RPC 2.0 calls made through window.rpc.
//
// The Server is a bridge.Handler. Calls with an id are answered by
// injecting window.rpc._result or window.rpc._error into the calling
// surface on the run loop; notifications get no reply. Messages that are
// not JSON-RPC requests go to the fallback handler.
//
//	srv := rpc.New(adapter, loop, rpc.WithFallback(appHandler))
//	srv.Register("add", func(ctx context.Context, c *rpc.Call) (any, error) {
//		var args [2]int
//		if err := c.Bind(&args); err != nil {
//			return nil, err
//		}
//		return args[0] + args[1], nil
//	})
package rpc
