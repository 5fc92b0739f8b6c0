package juggler

// Connection is the duplex message channel a Dispatcher sits on. Each
// inbound message is one complete JSON document; framing is the
// transport's business.
//
// The Dispatcher owns both handler slots for the lifetime of the
// connection. Passing nil detaches a handler. Send may be called from
// several goroutines but the Dispatcher never issues two concurrent sends.
type Connection interface {
	SetMessageHandler(fn func(data []byte))
	SetCloseHandler(fn func())
	Send(data []byte) error
}
