// Package tap records the traffic a dispatcher exchanges with its peer.
//
// A Tap receives one Entry per inbound message, outbound response and
// outbound event. Recording is best effort: a failing tap is logged by the
// dispatcher and never affects message processing.
//
// Implementations
//
//	memorytap : bounded in-process ring, for tests and local inspection
//	redistap  : Redis Streams, one stream per session
package tap

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Direction tells whether an entry was received or sent.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Kind classifies the recorded envelope.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Entry is one recorded message. SessionID is empty for the root session.
type Entry struct {
	ID        string          `json:"id"`
	Time      time.Time       `json:"time"`
	Direction Direction       `json:"direction"`
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// NewEntry stamps an entry with a fresh id and the current time.
func NewEntry(dir Direction, kind Kind, sessionID, method string, data []byte) Entry {
	return Entry{
		ID:        uuid.NewString(),
		Time:      time.Now().UTC(),
		Direction: dir,
		Kind:      kind,
		SessionID: sessionID,
		Method:    method,
		Data:      json.RawMessage(data),
	}
}

// Tap consumes recorded entries. Record must be safe for concurrent use.
type Tap interface {
	Record(ctx context.Context, e Entry) error
}

// Func adapts a function to Tap.
type Func func(ctx context.Context, e Entry) error

func (f Func) Record(ctx context.Context, e Entry) error { return f(ctx, e) }

// Multi fans an entry out to several taps, returning the joined errors.
type Multi []Tap

func (m Multi) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, t := range m {
		if t == nil {
			continue
		}
		if err := t.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
