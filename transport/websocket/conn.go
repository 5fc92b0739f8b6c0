package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send once the connection is closed.
var ErrClosed = errors.New("websocket: connection closed")

// Conn adapts a *websocket.Conn to the juggler connection contract.
type Conn struct {
	ws   *websocket.Conn
	opts options

	mu        sync.Mutex
	onMessage func([]byte)
	onClose   func()

	writeMu sync.Mutex

	serving   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	notify    sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, opts options) *Conn {
	ws.SetReadLimit(opts.readLimit)
	return &Conn{ws: ws, opts: opts, done: make(chan struct{})}
}

// SetMessageHandler installs fn as the receiver of inbound messages.
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

// Send writes data as one text frame.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Done is closed when the connection has ended.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Serve runs the read loop until the peer goes away, a read fails, or ctx is
// cancelled. It invokes the close handler on the way out. It is safe to call
// at most once per Conn.
func (c *Conn) Serve(ctx context.Context) error {
	if !c.serving.CompareAndSwap(false, true) {
		return errors.New("websocket: Serve called twice")
	}
	defer c.finish()

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if c.opts.pingInterval > 0 {
		wait := 2 * c.opts.pingInterval
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(wait))
		})
		go c.keepalive()
	}

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.opts.log.Info("websocket.read.closed")
				return nil
			}
			c.opts.log.Warn("websocket.read.fail", slog.String("err", err.Error()))
			return err
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		c.deliver(data)
	}
}

func (c *Conn) deliver(data []byte) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn == nil {
		c.opts.log.Debug("websocket.read.unhandled", slog.Int("len", len(data)))
		return
	}
	fn(data)
}

func (c *Conn) keepalive() {
	t := time.NewTicker(c.opts.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			// WriteControl may run concurrently with WriteMessage.
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.opts.log.Debug("websocket.ping.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// Close sends a close frame and tears down the socket. The close handler runs
// once, either here or when Serve returns.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.writeTimeout))
		err = c.ws.Close()
	})
	if !c.serving.Load() {
		c.fireClose()
	}
	return err
}

func (c *Conn) finish() {
	_ = c.Close()
	c.fireClose()
}

func (c *Conn) fireClose() {
	c.notify.Do(func() {
		close(c.done)
		c.mu.Lock()
		fn := c.onClose
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}
