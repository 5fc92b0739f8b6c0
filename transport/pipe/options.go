package pipe

import (
	"io"
	"log/slog"
)

// Option customizes a Conn.
type Option func(*Conn)

// WithIO sets the reader and writer for the connection.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(c *Conn) {
		if r != nil {
			c.r = r
		}
		if w != nil {
			c.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(c *Conn) {
		if r != nil {
			c.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(c *Conn) {
		if w != nil {
			c.w = w
		}
	}
}

// WithDelimiter overrides the frame delimiter. The delimiter must never
// appear inside an encoded message; NUL and newline both satisfy that for
// compact JSON.
func WithDelimiter(b byte) Option {
	return func(c *Conn) { c.delim = b }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.l = l
		}
	}
}
