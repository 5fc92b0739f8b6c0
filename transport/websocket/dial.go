package websocket

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"
)

// Dial connects to a WebSocket endpoint. The caller runs Serve to start
// receiving.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, o.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newConn(ws, o), nil
}
