// Package juggler implements a session-multiplexed RPC dispatcher for a
// remote debugging protocol.
//
// A Dispatcher sits on one Connection. The peer sends requests of the form
//
//	{"id": 1, "sessionId": "…", "method": "Page.navigate", "params": {…}}
//
// and receives either {"id", "sessionId", "result"} or
// {"id", "sessionId", "error": {"message", "data"}}. Handlers emit events
// {"method", "params", "sessionId"} at any time through their Session.
//
// Requests without a sessionId go to the root session, which exists for the
// whole life of the dispatcher. Other sessions are created and destroyed by
// the embedding program, typically from inside a handler (attaching to a new
// page creates a session, closing it destroys the session).
//
// Every method and event must be declared in the protocol.Registry given to
// New. Undeclared methods are rejected before any handler runs; params are
// validated before the handler runs; results are validated before they are
// sent. Event misuse (undeclared event, bad params, emitting on a destroyed
// session) is reported to the emitting code and never reaches the peer.
//
// Minimal wiring:
//
//	reg := protocol.NewRegistry()
//	_ = reg.AddMethod("Browser.getVersion", protocol.Method{Returns: protocol.SchemaFor[Version]()})
//
//	d := juggler.New(conn, reg, juggler.WithLogger(log))
//	d.RootSession().SetHandler(juggler.MethodTable{
//	    "Browser": {"getVersion": juggler.Typed(getVersion)},
//	})
//
// Transports live in the transport/ subpackages; traffic can be recorded with
// the tap/ subpackages.
package juggler
