package juggler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/juggler-go/internal/logctx"
	"github.com/ggoodman/juggler-go/internal/metrics"
	"github.com/ggoodman/juggler-go/internal/wire"
	"github.com/ggoodman/juggler-go/protocol"
	"github.com/ggoodman/juggler-go/tap"
	"github.com/google/uuid"
)

var emptyObject = json.RawMessage(`{}`)

// Dispatcher routes the requests arriving on one Connection to the sessions
// it owns and writes back their responses and events.
//
// Requests are validated and routed in arrival order on the connection's
// delivery goroutine; each accepted request then runs on its own goroutine,
// so a slow handler never holds up later messages. Responses are therefore
// not ordered and are correlated by id.
type Dispatcher struct {
	conn    Connection
	proto   protocol.Provider
	log     *slog.Logger
	tap     tap.Tap
	metrics *metrics.Metrics
	newID   func() string

	debug               bool
	debugExcludeEvents  map[string]struct{}
	debugExcludeDomains map[string]struct{}

	// base context of every handler invocation, cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	root     *Session
	closed   atomic.Bool

	sendMu   sync.Mutex
	inflight sync.WaitGroup
}

// New binds a Dispatcher to conn. It installs itself as the connection's
// message and close handler and creates the root session.
func New(conn Connection, proto protocol.Provider, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		conn:                conn,
		proto:               proto,
		log:                 slog.Default(),
		newID:               uuid.NewString,
		debugExcludeEvents:  toSet(DefaultDebugExcludedEvents),
		debugExcludeDomains: toSet(DefaultDebugExcludedDomains),
		ctx:                 ctx,
		cancel:              cancel,
		sessions:            make(map[string]*Session),
	}

	// Apply options (order matters; later options override earlier ones).
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	d.root = newSession(d, "")
	conn.SetMessageHandler(d.handleMessage)
	conn.SetCloseHandler(d.handleClose)
	return d
}

// RootSession returns the session serving messages without a sessionId.
func (d *Dispatcher) RootSession() *Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.root
}

// CreateSession registers a new session with a fresh id.
func (d *Dispatcher) CreateSession() (*Session, error) {
	if d.closed.Load() {
		return nil, ErrDispatcherClosed
	}
	id := d.newID()
	if id == "" {
		return nil, fmt.Errorf("session id generator returned an empty id")
	}

	d.mu.Lock()
	if _, dup := d.sessions[id]; dup {
		d.mu.Unlock()
		return nil, fmt.Errorf("session id %q already in use", id)
	}
	s := newSession(d, id)
	d.sessions[id] = s
	d.mu.Unlock()

	d.metrics.SessionOpened()
	d.log.Debug("dispatcher.session.create", slog.String("session_id", id))
	return s, nil
}

// DestroySession unregisters s and disposes it along with its handler.
// Destroying a session that is not registered, including a second destroy of
// the same session, returns ErrUnknownSession and changes nothing.
func (d *Dispatcher) DestroySession(s *Session) error {
	if s == nil {
		return ErrUnknownSession
	}
	if s.IsRoot() {
		return ErrRootSession
	}

	d.mu.Lock()
	cur, ok := d.sessions[s.id]
	if !ok || cur != s {
		d.mu.Unlock()
		return fmt.Errorf("destroy session %q: %w", s.id, ErrUnknownSession)
	}
	delete(d.sessions, s.id)
	d.mu.Unlock()

	s.dispose()
	d.metrics.SessionClosed()
	d.log.Debug("dispatcher.session.destroy", slog.String("session_id", s.id))
	return nil
}

// Session returns the live session with the given id. The empty id yields the
// root session.
func (d *Dispatcher) Session(id string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id == "" {
		return d.root, d.root != nil && !d.closed.Load()
	}
	s, ok := d.sessions[id]
	return s, ok
}

// Sessions lists the live non-root sessions ordered by id.
func (d *Dispatcher) Sessions() []*Session {
	d.mu.RLock()
	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Wait blocks until every dispatched request has finished.
func (d *Dispatcher) Wait() { d.inflight.Wait() }

// Closed reports whether Close has run.
func (d *Dispatcher) Closed() bool { return d.closed.Load() }

// Close detaches the dispatcher from its connection and disposes every
// session. Requests still running complete, but their responses are
// discarded. Close is idempotent and is invoked automatically when the
// connection reports closure.
func (d *Dispatcher) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.conn.SetMessageHandler(nil)
	d.conn.SetCloseHandler(nil)

	d.mu.Lock()
	sessions := d.sessions
	d.sessions = make(map[string]*Session)
	root := d.root
	d.mu.Unlock()

	for _, s := range sessions {
		s.dispose()
		d.metrics.SessionClosed()
	}
	root.dispose()
	d.cancel()
	d.log.Info("dispatcher.close", slog.Int("sessions", len(sessions)))
}

func (d *Dispatcher) handleClose() {
	d.log.Info("dispatcher.connection.closed")
	d.Close()
}

func (d *Dispatcher) registry() *protocol.Registry {
	if d.proto == nil {
		return protocol.NewRegistry()
	}
	if r := d.proto.Registry(); r != nil {
		return r
	}
	return protocol.NewRegistry()
}

// handleMessage processes one inbound message. Nothing it encounters escapes:
// every failure becomes an error response or, when the message cannot be
// correlated, a log line.
func (d *Dispatcher) handleMessage(data []byte) {
	if d.closed.Load() {
		d.metrics.Dropped("closed")
		return
	}
	start := time.Now()

	req, err := wire.ParseRequest(data)
	if err != nil {
		id, sessionID := wire.RecoverID(data)
		d.record(d.ctx, tap.Inbound, tap.KindRequest, sessionID, "", data)
		if id == nil {
			d.log.Warn("dispatcher.message.drop", slog.String("err", err.Error()), slog.Int("len", len(data)))
			d.metrics.Dropped("unparseable")
			return
		}
		ctx := logctx.WithRPCMessage(d.ctx, &logctx.RPCMessage{ID: id.String(), Type: "request"})
		d.fail(ctx, id, sessionID, "", start, newError(ErrParse, err.Error(), "ERROR: failed to parse message"))
		return
	}

	id := req.ID
	sessionID := req.SessionID
	// The session id addresses the message; it is not part of the call.
	req.SessionID = ""

	ctx := logctx.WithRPCMessage(d.ctx, &logctx.RPCMessage{Method: req.Method, ID: id.String(), Type: "request"})
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})

	d.record(ctx, tap.Inbound, tap.KindRequest, sessionID, req.Method, data)
	if d.debug {
		d.log.DebugContext(ctx, "dispatcher.debug.received", slog.String("payload", logctx.SafeJSON(data)))
	}

	sess, desc, params, err := d.prepare(req, sessionID)
	if err != nil {
		d.fail(ctx, id, sessionID, req.Method, start, err)
		return
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.invoke(ctx, sess, id, sessionID, req.Method, desc, params, start)
	}()
}

// prepare resolves the target session and validates the call. A method that
// is not declared in the registry never reaches a handler.
func (d *Dispatcher) prepare(req *wire.Request, sessionID string) (*Session, protocol.Method, json.RawMessage, error) {
	var sess *Session
	d.mu.RLock()
	if sessionID != "" {
		sess = d.sessions[sessionID]
	} else {
		sess = d.root
	}
	d.mu.RUnlock()
	if sess == nil {
		return nil, protocol.Method{}, nil, newError(ErrUnknownSession, "", "ERROR: cannot find session with id %q", sessionID)
	}

	if req.ID.IsZero() {
		return nil, protocol.Method{}, nil, newError(ErrMissingID, "", "ERROR: every message must have an 'id' parameter")
	}
	if req.Method == "" {
		return nil, protocol.Method{}, nil, newError(ErrMissingMethod, "", "ERROR: every message must have a 'method' parameter")
	}

	desc, ok := d.registry().LookupMethod(req.Method)
	if !ok {
		return nil, protocol.Method{}, nil, newError(ErrMethodNotSupported, "", "ERROR: method '%s' is not supported", req.Method)
	}

	params := req.Params
	if len(params) == 0 {
		params = emptyObject
	}
	schema := desc.Params
	if schema == nil {
		schema = protocol.EmptyObject
	}
	if ok, diag := protocol.Check(schema, params); !ok {
		return nil, protocol.Method{}, nil, newError(ErrInvalidParams, diag,
			"ERROR: failed to call method '%s' with parameters %s\n%s", req.Method, prettyJSON(params), diag)
	}
	return sess, desc, params, nil
}

func (d *Dispatcher) invoke(ctx context.Context, sess *Session, id *wire.RequestID, sessionID, method string, desc protocol.Method, params json.RawMessage, start time.Time) {
	result, err := d.call(ctx, sess, method, params)
	if err != nil {
		d.fail(ctx, id, sessionID, method, start, err)
		return
	}

	raw, err := encodeResult(result)
	if err != nil {
		d.fail(ctx, id, sessionID, method, start, newError(ErrInvalidResult, err.Error(),
			"ERROR: failed to encode method '%s' result: %v", method, err))
		return
	}

	// A result produced for a method declaring none is checked too, and
	// fails: the registry is the contract for what may reach the peer.
	if desc.Returns != nil || raw != nil {
		if ok, diag := protocol.Check(desc.Returns, raw); !ok {
			d.fail(ctx, id, sessionID, method, start, newError(ErrInvalidResult, diag,
				"ERROR: failed to dispatch method '%s' result %s\n%s", method, prettyJSON(raw), diag))
			return
		}
	}

	resp := wire.NewResultResponse(id, sessionID, raw)
	if err := d.writeResponse(ctx, resp, method); err == nil {
		d.log.DebugContext(ctx, "dispatcher.request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}
	d.metrics.ObserveRequest(method, metrics.OutcomeOK, time.Since(start))
}

// call invokes the handler, converting a panic into an error.
func (d *Dispatcher) call(ctx context.Context, sess *Session, method string, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newError(ErrHandlerPanic, string(debug.Stack()), "ERROR: handler for method '%s' panicked: %v", method, r)
		}
	}()
	return sess.Dispatch(ctx, method, params)
}

func (d *Dispatcher) fail(ctx context.Context, id *wire.RequestID, sessionID, method string, start time.Time, err error) {
	d.log.WarnContext(ctx, "dispatcher.request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))

	label := method
	if _, ok := d.registry().LookupMethod(method); !ok {
		label = metrics.UnsupportedMethod
	}
	d.metrics.ObserveRequest(label, metrics.OutcomeError, time.Since(start))

	resp := wire.NewErrorResponse(id, sessionID, err.Error(), errorData(err))
	_ = d.writeResponse(ctx, resp, method)
}

func (d *Dispatcher) writeResponse(ctx context.Context, resp *wire.Response, method string) error {
	b, err := json.Marshal(resp)
	if err != nil {
		d.log.ErrorContext(ctx, "dispatcher.response.encode_fail", slog.String("err", err.Error()))
		return err
	}
	return d.send(ctx, tap.KindResponse, resp.SessionID, method, b)
}

// emitEvent validates and sends an event on behalf of a session. Failures
// are returned to the emitting handler.
func (d *Dispatcher) emitEvent(ctx context.Context, sessionID, event string, params any) error {
	schema, ok := d.registry().LookupEvent(event)
	if !ok {
		return newError(ErrEventNotSupported, "", "ERROR: event '%s' is not supported", event)
	}

	raw, err := encodeParams(params)
	if err != nil {
		return newError(ErrInvalidEvent, err.Error(), "ERROR: failed to encode event '%s': %v", event, err)
	}
	if ok, diag := protocol.Check(schema, raw); !ok {
		return newError(ErrInvalidEvent, diag, "ERROR: failed to emit event '%s' %s\n%s", event, prettyJSON(raw), diag)
	}

	if d.debug && d.debugEvent(event) {
		d.log.DebugContext(ctx, "dispatcher.debug.event",
			slog.String("event", event),
			slog.String("session_id", sessionID),
			slog.String("params", logctx.SafeJSON(raw)))
	}

	b, err := json.Marshal(&wire.Event{Method: event, Params: raw, SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event, err)
	}
	if err := d.send(ctx, tap.KindEvent, sessionID, event, b); err != nil {
		return fmt.Errorf("send event %s: %w", event, err)
	}
	d.metrics.ObserveEvent(event)
	return nil
}

func (d *Dispatcher) debugEvent(event string) bool {
	if _, skip := d.debugExcludeEvents[event]; skip {
		return false
	}
	domain, _ := protocol.SplitName(event)
	_, skip := d.debugExcludeDomains[domain]
	return !skip
}

// send writes one message. Writes are serialized so that concurrent
// responses and events never interleave on the wire. After Close the message
// is discarded.
func (d *Dispatcher) send(ctx context.Context, kind tap.Kind, sessionID, method string, b []byte) error {
	if d.closed.Load() {
		d.log.DebugContext(ctx, "dispatcher.send.discard", slog.String("kind", string(kind)))
		d.metrics.Dropped("closed")
		return ErrDispatcherClosed
	}

	d.sendMu.Lock()
	err := d.conn.Send(b)
	d.sendMu.Unlock()
	if err != nil {
		d.log.WarnContext(ctx, "dispatcher.send.fail", slog.String("kind", string(kind)), slog.String("err", err.Error()))
		d.metrics.SendError()
		return err
	}

	d.record(ctx, tap.Outbound, kind, sessionID, method, b)
	return nil
}

func (d *Dispatcher) record(ctx context.Context, dir tap.Direction, kind tap.Kind, sessionID, method string, data []byte) {
	if d.tap == nil {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	if err := d.tap.Record(context.WithoutCancel(ctx), tap.NewEntry(dir, kind, sessionID, method, cp)); err != nil {
		d.log.DebugContext(ctx, "dispatcher.tap.fail", slog.String("err", err.Error()))
	}
}

// encodeResult encodes a handler result. nil and JSON null both mean no
// result.
func encodeResult(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	var raw json.RawMessage
	switch x := v.(type) {
	case json.RawMessage:
		if len(x) > 0 && !json.Valid(x) {
			return nil, fmt.Errorf("result is not valid JSON")
		}
		raw = x
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return nil, nil
	}
	return raw, nil
}

// encodeParams encodes event params. nil means an empty object.
func encodeParams(v any) (json.RawMessage, error) {
	raw, err := encodeResult(v)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return emptyObject, nil
	}
	return raw, nil
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "undefined"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
