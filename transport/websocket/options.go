package websocket

import (
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 64 << 20
)

type options struct {
	log          *slog.Logger
	pingInterval time.Duration
	writeTimeout time.Duration
	readLimit    int64
	checkOrigin  func(*http.Request) bool
	header       http.Header
}

func defaultOptions() options {
	return options{
		log:          slog.Default(),
		pingInterval: defaultPingInterval,
		writeTimeout: defaultWriteTimeout,
		readLimit:    defaultReadLimit,
	}
}

// Option customizes a Handler or a dialed Conn.
type Option func(*options)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithPingInterval sets how often keepalive pings are written. A peer that
// stays silent for two intervals is disconnected. Zero disables pings and the
// read deadline.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.pingInterval = d
		}
	}
}

// WithWriteTimeout bounds every frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithReadLimit caps the size of an inbound message in bytes.
func WithReadLimit(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.readLimit = n
		}
	}
}

// WithCheckOrigin installs the upgrade origin check. Without it the
// handler accepts only same-host origins.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(o *options) { o.checkOrigin = fn }
}

// WithHeader adds request headers to Dial.
func WithHeader(h http.Header) Option {
	return func(o *options) { o.header = h }
}
