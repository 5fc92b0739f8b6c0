package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/juggler-go"
	"github.com/ggoodman/juggler-go/protocol"
	"github.com/gorilla/websocket"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// inbox collects messages delivered to a Conn.
type inbox struct {
	mu   sync.Mutex
	msgs []string
	ch   chan struct{}
}

func newInbox() *inbox { return &inbox{ch: make(chan struct{}, 64)} }

func (b *inbox) add(data []byte) {
	b.mu.Lock()
	b.msgs = append(b.msgs, string(data))
	b.mu.Unlock()
	b.ch <- struct{}{}
}

func (b *inbox) wait(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		b.mu.Lock()
		if len(b.msgs) >= n {
			out := append([]string(nil), b.msgs...)
			b.mu.Unlock()
			return out
		}
		b.mu.Unlock()
		select {
		case <-b.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
}

func TestEchoOverWebSocket(t *testing.T) {
	h := NewHandler(func(ctx context.Context, c *Conn) {
		c.SetMessageHandler(func(data []byte) {
			_ = c.Send(data)
		})
	}, WithLogger(quietLogger()))
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, err := Dial(ctx, wsURL(srv), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	box := newInbox()
	client.SetMessageHandler(box.add)
	go func() { _ = client.Serve(ctx) }()

	for _, m := range []string{`{"a":1}`, `{"b":2}`} {
		if err := client.Send([]byte(m)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	got := box.wait(t, 2)
	if got[0] != `{"a":1}` || got[1] != `{"b":2}` {
		t.Fatalf("unexpected echoes %v", got)
	}
}

func TestDispatcherOverWebSocket(t *testing.T) {
	reg := protocol.NewRegistry()
	if err := reg.AddMethod("Echo.say", protocol.Method{
		Params:  protocol.MustSchema(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Returns: protocol.MustSchema(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}); err != nil {
		t.Fatalf("add method: %v", err)
	}
	type say struct {
		Text string `json:"text"`
	}

	dispatchers := make(chan *juggler.Dispatcher, 1)
	h := NewHandler(func(ctx context.Context, c *Conn) {
		d := juggler.New(c, reg, juggler.WithLogger(quietLogger()))
		d.RootSession().SetHandler(juggler.MethodTable{
			"Echo": {"say": juggler.Typed(func(ctx context.Context, p say) (say, error) { return p, nil })},
		})
		dispatchers <- d
	}, WithLogger(quietLogger()))
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, err := Dial(ctx, wsURL(srv), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	box := newInbox()
	client.SetMessageHandler(box.add)
	go func() { _ = client.Serve(ctx) }()

	if err := client.Send([]byte(`{"id":1,"method":"Echo.say","params":{"text":"hi"}}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := box.wait(t, 1)[0]; got != `{"id":1,"result":{"text":"hi"}}` {
		t.Fatalf("unexpected response %s", got)
	}

	d := <-dispatchers
	_ = client.Close()
	deadline := time.After(2 * time.Second)
	for !d.Closed() {
		select {
		case <-deadline:
			t.Fatalf("dispatcher not closed after client disconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHandlerCloseDisconnectsClients(t *testing.T) {
	connected := make(chan *Conn, 1)
	h := NewHandler(func(ctx context.Context, c *Conn) { connected <- c }, WithLogger(quietLogger()))
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, err := Dial(ctx, wsURL(srv), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	closed := make(chan struct{})
	client.SetCloseHandler(func() { close(closed) })
	go func() { _ = client.Serve(ctx) }()

	serverSide := <-connected
	if err := h.Close(); err != nil {
		t.Fatalf("close handler: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("client not notified of close")
	}
	select {
	case <-serverSide.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("server connection not done")
	}
	if err := serverSide.Send([]byte(`{}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: got %v", err)
	}

	// New upgrades are refused.
	if _, err := Dial(ctx, wsURL(srv), WithLogger(quietLogger())); err == nil {
		t.Fatalf("dial succeeded after handler close")
	}
}

func TestKeepalivePings(t *testing.T) {
	pinged := make(chan struct{}, 1)
	h := NewHandler(func(ctx context.Context, c *Conn) {}, WithLogger(quietLogger()), WithPingInterval(20*time.Millisecond))
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	ws.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(2 * time.Second):
		t.Fatalf("no ping received")
	}
}

func TestReadLimit(t *testing.T) {
	done := make(chan struct{})
	h := NewHandler(func(ctx context.Context, c *Conn) {
		c.SetCloseHandler(func() { close(done) })
	}, WithLogger(quietLogger()), WithReadLimit(16))
	srv := httptest.NewServer(h)
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 64))); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("oversized message did not end the connection")
	}
}
