package juggler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/juggler-go/protocol"
)

// MethodFunc implements one method. params has already been validated
// against the method's declared schema. The returned value is encoded as the
// result; nil produces no result.
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Handler is the capability object attached to a Session. Lookup receives
// the fully qualified method name and reports whether it is implemented.
type Handler interface {
	Lookup(method string) (MethodFunc, bool)
}

// Disposer is implemented by handlers that hold resources. Dispose runs once
// when the owning session is destroyed or the dispatcher closes.
type Disposer interface {
	Dispose()
}

// MethodTable is a Handler built from explicit functions, keyed by domain and
// then by bare method name:
//
//	juggler.MethodTable{
//	    "Page": {
//	        "navigate": juggler.Typed(p.navigate),
//	    },
//	}
type MethodTable map[string]map[string]MethodFunc

var _ Handler = MethodTable(nil)

// Lookup implements Handler.
func (t MethodTable) Lookup(method string) (MethodFunc, bool) {
	domain, name := protocol.SplitName(method)
	methods, ok := t[domain]
	if !ok {
		return nil, false
	}
	fn, ok := methods[name]
	return fn, ok && fn != nil
}

// HandlerFunc adapts a single function serving every method to Handler.
type HandlerFunc func(ctx context.Context, method string, params json.RawMessage) (any, error)

// Lookup implements Handler.
func (f HandlerFunc) Lookup(method string) (MethodFunc, bool) {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		return f(ctx, method, params)
	}, true
}

// Typed wraps a strongly typed method. It decodes params into P, rejecting
// unknown fields, and invokes fn.
func Typed[P, R any](fn func(ctx context.Context, params P) (R, error)) MethodFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&p); err != nil {
				return nil, fmt.Errorf("decode params: %w", err)
			}
		}
		return fn(ctx, p)
	}
}

type sessionKey struct{}

// SessionFromContext returns the session a method is executing in.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}
