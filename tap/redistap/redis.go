// Package redistap records dispatcher traffic into Redis Streams, one stream
// per session, so several processes can be inspected from one place.
package redistap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/juggler-go/tap"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const rootStream = "root"

// Config for a Redis-backed Tap. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all streams. ENV: JUGGLER_TAP_KEY_PREFIX
	KeyPrefix string `env:"JUGGLER_TAP_KEY_PREFIX,default=juggler:tap:"`
	// MaxLen caps each stream; 0 keeps everything. ENV: JUGGLER_TAP_MAXLEN
	MaxLen int64 `env:"JUGGLER_TAP_MAXLEN,default=10000"`
}

type Tap struct {
	client    *redis.Client
	ownClient bool
	keyPrefix string
	maxLen    int64
}

var _ tap.Tap = (*Tap)(nil)

// New dials cfg.RedisAddr and returns a Tap owning the client.
func New(ctx context.Context, cfg Config) (*Tap, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	t, err := NewWithClient(ctx, cl, cfg)
	if err != nil {
		_ = cl.Close()
		return nil, err
	}
	t.ownClient = true
	return t, nil
}

// NewWithClient returns a Tap writing through cl. cfg.RedisAddr is ignored
// and Close leaves cl open.
func NewWithClient(ctx context.Context, cl *redis.Client, cfg Config) (*Tap, error) {
	if err := cl.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "juggler:tap:"
	}
	return &Tap{client: cl, keyPrefix: prefix, maxLen: cfg.MaxLen}, nil
}

// NewFromEnv builds a Tap using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Tap, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode redis tap config: %w", err)
	}
	return New(ctx, cfg)
}

// Close closes the Redis client if the Tap created it.
func (t *Tap) Close() error {
	if !t.ownClient {
		return nil
	}
	return t.client.Close()
}

// StreamKey returns the stream holding a session's entries.
func (t *Tap) StreamKey(sessionID string) string {
	if sessionID == "" {
		sessionID = rootStream
	}
	return t.keyPrefix + "stream:" + sessionID
}

// Record implements tap.Tap.
func (t *Tap) Record(ctx context.Context, e tap.Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: t.StreamKey(e.SessionID),
		Values: map[string]interface{}{"d": b},
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Read returns up to count entries of a session, oldest first. A
// non-positive count returns everything retained.
func (t *Tap) Read(ctx context.Context, sessionID string, count int64) ([]tap.Entry, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	key := t.StreamKey(sessionID)
	if count > 0 {
		msgs, err = t.client.XRangeN(ctx, key, "-", "+", count).Result()
	} else {
		msgs, err = t.client.XRange(ctx, key, "-", "+").Result()
	}
	if err != nil {
		return nil, err
	}

	out := make([]tap.Entry, 0, len(msgs))
	for _, m := range msgs {
		// Robust payload decoding: accept string or []byte
		var payload []byte
		switch v := m.Values["d"].(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		default:
			return nil, fmt.Errorf("stream %s entry %s: unexpected payload %T", key, m.ID, v)
		}
		var e tap.Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("stream %s entry %s: %w", key, m.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Delete drops the stream of one session.
func (t *Tap) Delete(ctx context.Context, sessionID string) error {
	return t.client.Del(ctx, t.StreamKey(sessionID)).Err()
}
