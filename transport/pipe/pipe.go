package pipe

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// DefaultDelimiter terminates every frame unless WithDelimiter says otherwise.
const DefaultDelimiter byte = 0

// ErrClosed is returned by Send once the connection is closed.
var ErrClosed = errors.New("pipe: connection closed")

// Conn is a delimiter framed connection over an io.Reader and io.Writer. By
// default it uses os.Stdin and os.Stdout.
type Conn struct {
	r     io.Reader
	w     io.Writer
	l     *slog.Logger
	delim byte

	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func()

	writeMu sync.Mutex

	serving   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	notify    sync.Once
}

// New constructs a Conn with defaults and applies options.
func New(opts ...Option) *Conn {
	c := &Conn{
		r:     os.Stdin,
		w:     os.Stdout,
		l:     slog.Default(),
		delim: DefaultDelimiter,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// SetMessageHandler installs fn as the receiver of inbound frames.
func (c *Conn) SetMessageHandler(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// SetCloseHandler installs fn to run once when the connection ends.
func (c *Conn) SetCloseHandler(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Send writes data followed by the delimiter in a single write.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, c.delim)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(frame); err != nil {
		return err
	}
	return nil
}

// Serve runs the read loop until EOF on the reader, a read error, or ctx is
// cancelled. It invokes the close handler on the way out. It is safe to call
// at most once per Conn.
//
// Cancelling ctx can only interrupt a blocked read when the reader is an
// io.Closer; Serve closes it in that case.
func (c *Conn) Serve(ctx context.Context) error {
	if !c.serving.CompareAndSwap(false, true) {
		return errors.New("pipe: Serve called twice")
	}
	defer c.finish()

	stop := context.AfterFunc(ctx, func() { c.closeReader() })
	defer stop()

	br := bufio.NewReader(c.r)
	for {
		frame, err := br.ReadBytes(c.delim)
		if len(frame) > 0 && err == nil {
			frame = frame[:len(frame)-1]
			if len(bytes.TrimSpace(frame)) > 0 {
				c.deliver(frame)
			}
		}
		if err != nil {
			if len(bytes.TrimSpace(frame)) > 0 {
				c.l.Debug("pipe.read.partial", slog.Int("len", len(frame)))
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || c.closed.Load() {
				c.l.Info("pipe.read.eof")
				return nil
			}
			c.l.Error("pipe.read.fail", slog.String("err", err.Error()))
			return err
		}
	}
}

func (c *Conn) deliver(frame []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn == nil {
		c.l.Debug("pipe.read.unhandled", slog.Int("len", len(frame)))
		return
	}
	fn(frame)
}

// Close stops the connection. Pending reads are interrupted when the reader
// is an io.Closer and the writer is closed when it is an io.Closer. The close
// handler runs once, either here or when Serve returns.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeReader()
		if wc, ok := c.w.(io.Closer); ok {
			err = wc.Close()
		}
	})
	if !c.serving.Load() {
		c.fireClose()
	}
	return err
}

func (c *Conn) closeReader() {
	if rc, ok := c.r.(io.Closer); ok {
		_ = rc.Close()
	}
}

func (c *Conn) finish() {
	c.closed.Store(true)
	c.fireClose()
}

func (c *Conn) fireClose() {
	c.notify.Do(func() {
		c.mu.Lock()
		fn := c.onClose
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}
