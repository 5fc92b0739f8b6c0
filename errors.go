package juggler

import (
	"errors"
	"fmt"
)

var (
	// Peer input errors. They are reported to the peer as error responses.
	ErrParse              = errors.New("malformed message")
	ErrUnknownSession     = errors.New("unknown session")
	ErrMissingID          = errors.New("missing message id")
	ErrMissingMethod      = errors.New("missing method")
	ErrMethodNotSupported = errors.New("method not supported")
	ErrInvalidParams      = errors.New("invalid params")
	ErrInvalidResult      = errors.New("invalid result")

	// Handler errors. They are reported to the peer as error responses.
	ErrNoHandler            = errors.New("session has no handler")
	ErrMethodNotImplemented = errors.New("method not implemented")
	ErrHandlerPanic         = errors.New("handler panicked")

	// Local programming errors. They are returned to the caller and never put
	// on the wire.
	ErrEventNotSupported = errors.New("event not supported")
	ErrInvalidEvent      = errors.New("invalid event params")
	ErrSessionDisposed   = errors.New("session disposed")
	ErrDispatcherClosed  = errors.New("dispatcher closed")
	ErrRootSession       = errors.New("root session cannot be destroyed")
)

// protocolError pairs the message shown to the peer with a sentinel cause and
// optional diagnostic detail.
type protocolError struct {
	msg    string
	cause  error
	detail string
}

func (e *protocolError) Error() string { return e.msg }
func (e *protocolError) Unwrap() error { return e.cause }

func newError(cause error, detail string, format string, args ...any) error {
	return &protocolError{msg: fmt.Sprintf(format, args...), cause: cause, detail: detail}
}

// errorData renders the data member of an error response.
func errorData(err error) string {
	var pe *protocolError
	if errors.As(err, &pe) {
		if pe.detail != "" {
			return pe.detail
		}
		return pe.msg
	}
	return fmt.Sprintf("%+v", err)
}
