package juggler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Session is a routing context multiplexed over the dispatcher's connection.
// The root session has an empty id and serves messages without a sessionId.
type Session struct {
	id string

	// owner is set at construction and never cleared; disposed gates every
	// use of it.
	owner    *Dispatcher
	disposed atomic.Bool
	once     sync.Once

	mu      sync.RWMutex
	handler Handler
}

func newSession(d *Dispatcher, id string) *Session {
	return &Session{id: id, owner: d}
}

// ID returns the session id, empty for the root session.
func (s *Session) ID() string { return s.id }

// IsRoot reports whether s is the dispatcher's root session.
func (s *Session) IsRoot() bool { return s.id == "" }

// Disposed reports whether the session has been destroyed.
func (s *Session) Disposed() bool { return s.disposed.Load() }

// SetHandler assigns the handler serving this session, replacing any
// previous one. The replaced handler is not disposed.
func (s *Session) SetHandler(h Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Handler returns the assigned handler, or nil.
func (s *Session) Handler() Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handler
}

// Dispatch invokes method on the session's handler. It does not consult the
// schema registry; the Dispatcher does that before calling it.
func (s *Session) Dispatch(ctx context.Context, method string, params json.RawMessage) (any, error) {
	h := s.Handler()
	if h == nil {
		return nil, newError(ErrNoHandler, "", "Session does not have a handler!")
	}
	fn, ok := h.Lookup(method)
	if !ok || fn == nil {
		return nil, newError(ErrMethodNotImplemented, "", "Handler does not implement method %q", method)
	}
	return fn(withSession(ctx, s), params)
}

// EmitEvent sends an event to the peer tagged with this session's id. The
// event must be declared in the registry and params must satisfy its schema.
// Failures are returned to the caller and nothing is sent.
func (s *Session) EmitEvent(ctx context.Context, event string, params any) error {
	if s.disposed.Load() {
		return newError(ErrSessionDisposed, "", "Session has been disposed.")
	}
	return s.owner.emitEvent(ctx, s.id, event, params)
}

// dispose runs the handler's disposal hook, if any, and marks the session
// disposed. Repeated calls are no-ops.
func (s *Session) dispose() {
	s.once.Do(func() {
		s.mu.Lock()
		h := s.handler
		s.handler = nil
		s.mu.Unlock()

		if d, ok := h.(Disposer); ok {
			d.Dispose()
		}
		s.disposed.Store(true)
	})
}
