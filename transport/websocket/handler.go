package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// ConnectFunc is invoked with every accepted connection before its read loop
// starts. ctx ends when the connection does.
type ConnectFunc func(ctx context.Context, c *Conn)

// Handler upgrades HTTP requests to WebSocket connections.
type Handler struct {
	upgrader  websocket.Upgrader
	onConnect ConnectFunc
	opts      options

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

var _ http.Handler = (*Handler)(nil)

// NewHandler constructs a Handler that passes each connection to onConnect.
func NewHandler(onConnect ConnectFunc, opts ...Option) *Handler {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     o.checkOrigin,
		},
		onConnect: onConnect,
		opts:      o,
		conns:     make(map[*Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and serves the connection until it ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.opts.log.Warn("websocket.upgrade.fail", slog.String("err", err.Error()), slog.String("remote_addr", r.RemoteAddr))
		return
	}

	c := newConn(ws, h.opts)
	if !h.track(c) {
		_ = c.Close()
		return
	}
	defer h.untrack(c)

	// The request context stays live for as long as ServeHTTP runs.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := h.opts.log.With(slog.String("remote_addr", r.RemoteAddr))
	log.Info("websocket.connect")
	if h.onConnect != nil {
		h.onConnect(ctx, c)
	}
	if err := c.Serve(ctx); err != nil {
		log.Info("websocket.disconnect", slog.String("err", err.Error()))
		return
	}
	log.Info("websocket.disconnect")
}

func (h *Handler) track(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Handler) untrack(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// Len reports the number of live connections.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close refuses new upgrades and closes every live connection. Hijacked
// connections are not tracked by http.Server.Shutdown, so servers should call
// this during shutdown.
func (h *Handler) Close() error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var first error
	for _, c := range conns {
		if err := c.Close(); err != nil && first == nil {
			first = fmt.Errorf("close connection: %w", err)
		}
	}
	return first
}
