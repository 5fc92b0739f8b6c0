// Package memorytap provides an in-memory tap.Tap that keeps the most recent
// entries in a bounded ring. State is local to the process.
package memorytap

import (
	"context"
	"sync"

	"github.com/ggoodman/juggler-go/tap"
)

const defaultCapacity = 1024

// Tap implements tap.Tap with a ring buffer.
type Tap struct {
	mu      sync.Mutex
	entries []tap.Entry
	next    int
	full    bool
	waiters []chan struct{}
}

var _ tap.Tap = (*Tap)(nil)

// New returns a Tap retaining up to capacity entries. A non-positive capacity
// selects the default of 1024.
func New(capacity int) *Tap {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Tap{entries: make([]tap.Entry, capacity)}
}

// Record implements tap.Tap.
func (t *Tap) Record(ctx context.Context, e tap.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	t.entries[t.next] = e
	t.next = (t.next + 1) % len(t.entries)
	if t.next == 0 {
		t.full = true
	}
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return nil
}

// Entries returns the retained entries, oldest first.
func (t *Tap) Entries() []tap.Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Session returns the retained entries of one session, oldest first. Use the
// empty id for the root session.
func (t *Tap) Session(sessionID string) []tap.Entry {
	var out []tap.Entry
	for _, e := range t.Entries() {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many entries are retained.
func (t *Tap) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return len(t.entries)
	}
	return t.next
}

// Wait blocks until at least n entries are retained or ctx is done.
func (t *Tap) Wait(ctx context.Context, n int) error {
	for {
		t.mu.Lock()
		have := t.next
		if t.full {
			have = len(t.entries)
		}
		if have >= n {
			t.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		t.waiters = append(t.waiters, ch)
		t.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reset drops every retained entry.
func (t *Tap) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make([]tap.Entry, len(t.entries))
	t.next = 0
	t.full = false
}

func (t *Tap) snapshotLocked() []tap.Entry {
	if !t.full {
		out := make([]tap.Entry, t.next)
		copy(out, t.entries[:t.next])
		return out
	}
	out := make([]tap.Entry, 0, len(t.entries))
	out = append(out, t.entries[t.next:]...)
	out = append(out, t.entries[:t.next]...)
	return out
}
