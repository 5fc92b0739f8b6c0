// Package transporttest provides an in-memory juggler.Connection that records
// what is sent and lets tests deliver messages and simulate disconnects.
package transporttest

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// ErrClosed is returned by Send after Disconnect.
var ErrClosed = errors.New("connection closed")

// Conn is a recording connection. The zero value is not usable; call New.
type Conn struct {
	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func()
	sent      [][]byte
	sendErr   error
	closed    bool
	changed   chan struct{}
	inFlight  int
	maxInSend int
	sendDelay time.Duration
}

// New returns an empty Conn.
func New() *Conn {
	return &Conn{changed: make(chan struct{})}
}

func (c *Conn) SetMessageHandler(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *Conn) SetCloseHandler(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Send records data. It fails after Disconnect or when FailSends is set.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.maxInSend {
		c.maxInSend = c.inFlight
	}
	delay := c.sendDelay
	c.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight--
	if c.closed {
		return ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)
	close(c.changed)
	c.changed = make(chan struct{})
	return nil
}

// SetSendDelay makes every Send take at least d, widening the window in
// which overlapping sends would be observed.
func (c *Conn) SetSendDelay(d time.Duration) {
	c.mu.Lock()
	c.sendDelay = d
	c.mu.Unlock()
}

// Deliver hands data to the installed message handler, as a transport read
// loop would. It reports false when no handler is installed.
func (c *Conn) Deliver(data []byte) bool {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(data)
	return true
}

// DeliverJSON marshals v and delivers it.
func (c *Conn) DeliverJSON(t testing.TB, v any) bool {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	return c.Deliver(b)
}

// Disconnect marks the connection closed and invokes the close handler.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.closed = true
	fn := c.onClose
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// FailSends makes every subsequent Send return err. Pass nil to recover.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Attached reports whether message and close handlers are installed.
func (c *Conn) Attached() (message, close bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onMessage != nil, c.onClose != nil
}

// Sent returns a copy of everything sent so far.
func (c *Conn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// MaxConcurrentSends reports the highest number of Send calls observed in
// flight at once.
func (c *Conn) MaxConcurrentSends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxInSend
}

// WaitSent blocks until at least n messages were sent and returns them. It
// fails the test after timeout.
func (c *Conn) WaitSent(t testing.TB, n int, timeout time.Duration) [][]byte {
	t.Helper()
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		if len(c.sent) >= n {
			out := make([][]byte, len(c.sent))
			copy(out, c.sent)
			c.mu.Unlock()
			return out
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages, got %d", n, len(c.Sent()))
			return nil
		}
	}
}

// Message is a decoded outbound envelope.
type Message struct {
	ID        json.RawMessage `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *struct {
		Message string `json:"message"`
		Data    string `json:"data"`
	} `json:"error,omitempty"`
}

// Decode parses an outbound message.
func Decode(t testing.TB, data []byte) Message {
	t.Helper()
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

// IDString renders the id of a decoded message the way it appeared on the
// wire, without quotes for strings.
func (m Message) IDString() string {
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		return s
	}
	return string(m.ID)
}
