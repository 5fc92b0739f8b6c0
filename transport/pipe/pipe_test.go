package pipe

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/juggler-go"
	"github.com/ggoodman/juggler-go/protocol"
	"github.com/google/go-cmp/cmp"
)

type harness struct {
	conn    *Conn
	inW     *io.PipeWriter
	outR    *bufio.Reader
	served  chan error
	mu      sync.Mutex
	frames  [][]byte
	closed  chan struct{}
	cancel  context.CancelFunc
	onFrame chan struct{}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	base := []Option{WithIO(inR, outW), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	h := &harness{
		conn:    New(append(base, opts...)...),
		inW:     inW,
		outR:    bufio.NewReader(outR),
		served:  make(chan error, 1),
		closed:  make(chan struct{}),
		onFrame: make(chan struct{}, 64),
	}
	h.conn.SetMessageHandler(func(b []byte) {
		cp := append([]byte(nil), b...)
		h.mu.Lock()
		h.frames = append(h.frames, cp)
		h.mu.Unlock()
		h.onFrame <- struct{}{}
	})
	var once sync.Once
	h.conn.SetCloseHandler(func() { once.Do(func() { close(h.closed) }) })

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.served <- h.conn.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outR.Close()
	})
	return h
}

func (h *harness) waitFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		h.mu.Lock()
		if len(h.frames) >= n {
			out := append([][]byte(nil), h.frames...)
			h.mu.Unlock()
			return out
		}
		h.mu.Unlock()
		select {
		case <-h.onFrame:
		case <-deadline:
			t.Fatalf("timed out waiting for %d frames", n)
		}
	}
}

func (h *harness) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-h.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("close handler not invoked")
	}
}

func TestReadFrames(t *testing.T) {
	h := newHarness(t)
	go func() {
		_, _ = h.inW.Write([]byte("{\"id\":1}\x00{\"id\":"))
		_, _ = h.inW.Write([]byte("2}\x00\x00"))
	}()

	got := h.waitFrames(t, 2)
	want := []string{`{"id":1}`, `{"id":2}`}
	var gotS []string
	for _, f := range got {
		gotS = append(gotS, string(f))
	}
	if diff := cmp.Diff(want, gotS); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
}

func TestCustomDelimiter(t *testing.T) {
	h := newHarness(t, WithDelimiter('\n'))
	go func() { _, _ = h.inW.Write([]byte("{\"a\":1}\n{\"b\":2}\n")) }()

	got := h.waitFrames(t, 2)
	if string(got[1]) != `{"b":2}` {
		t.Fatalf("unexpected frame %q", got[1])
	}

	go func() { _ = h.conn.Send([]byte(`{"ok":true}`)) }()
	line, err := h.outR.ReadString('\n')
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if line != "{\"ok\":true}\n" {
		t.Fatalf("unexpected output %q", line)
	}
}

func TestSendAppendsDelimiter(t *testing.T) {
	h := newHarness(t)
	go func() {
		_ = h.conn.Send([]byte(`{"id":1}`))
		_ = h.conn.Send([]byte(`{"id":2}`))
	}()
	for _, want := range []string{`{"id":1}`, `{"id":2}`} {
		frame, err := h.outR.ReadBytes(0)
		if err != nil {
			t.Fatalf("read output: %v", err)
		}
		if got := string(frame[:len(frame)-1]); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestEOFFiresCloseHandler(t *testing.T) {
	h := newHarness(t)
	_ = h.inW.Close()
	h.waitClosed(t)

	select {
	case err := <-h.served:
		if err != nil {
			t.Fatalf("Serve returned %v on EOF", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return")
	}
	if err := h.conn.Send([]byte(`{}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after EOF: got %v", err)
	}
}

func TestCancelStopsServe(t *testing.T) {
	h := newHarness(t)
	h.cancel()

	select {
	case err := <-h.served:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after cancel")
	}
	h.waitClosed(t)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t)
	_ = h.conn.Close()
	_ = h.conn.Close()
	h.waitClosed(t)
	if err := h.conn.Send([]byte(`{}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: got %v", err)
	}
}

func TestServeTwice(t *testing.T) {
	c := New(WithIO(strings.NewReader(""), io.Discard), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := c.Serve(context.Background()); err != nil {
		t.Fatalf("first Serve: %v", err)
	}
	if err := c.Serve(context.Background()); err == nil {
		t.Fatalf("second Serve accepted")
	}
}

func TestDispatcherOverPipe(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	conn := New(WithIO(inR, outW), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	reg := protocol.NewRegistry()
	if err := reg.AddMethod("Echo.say", protocol.Method{
		Params:  protocol.MustSchema(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Returns: protocol.MustSchema(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}); err != nil {
		t.Fatalf("add method: %v", err)
	}
	d := juggler.New(conn, reg, juggler.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	type say struct {
		Text string `json:"text"`
	}
	d.RootSession().SetHandler(juggler.MethodTable{
		"Echo": {"say": juggler.Typed(func(ctx context.Context, p say) (say, error) { return p, nil })},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- conn.Serve(ctx) }()

	go func() { _, _ = inW.Write([]byte("{\"id\":1,\"method\":\"Echo.say\",\"params\":{\"text\":\"hi\"}}\x00")) }()

	frame, err := bufio.NewReader(outR).ReadBytes(0)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if got := string(frame[:len(frame)-1]); got != `{"id":1,"result":{"text":"hi"}}` {
		t.Fatalf("unexpected response %s", got)
	}

	_ = inW.Close()
	<-served
	if !d.Closed() {
		t.Fatalf("dispatcher not closed after EOF")
	}
	_ = outR.Close()
}
