// Package websocket implements a juggler connection over a WebSocket, one
// message per text frame.
//
// The server side is an http.Handler that upgrades each request and hands the
// resulting Conn to a callback, which typically binds a Dispatcher to it:
//
//	h := websocket.NewHandler(func(ctx context.Context, c *websocket.Conn) {
//	    d := juggler.New(c, registry)
//	    d.RootSession().SetHandler(root)
//	})
//	http.Handle("/devtools", h)
//
// The client side is Dial, which is mostly useful in tests and tools.
package websocket
