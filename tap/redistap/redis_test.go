package redistap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/juggler-go/tap"
	"github.com/redis/go-redis/v9"
)

func newTestTap(t *testing.T, maxLen int64) (*Tap, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	tp, err := NewWithClient(context.Background(), client, Config{KeyPrefix: "test:", MaxLen: maxLen})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = tp.Close() })
	return tp, mr
}

func TestRecordAndRead(t *testing.T) {
	ctx := context.Background()
	tp, mr := newTestTap(t, 0)

	in := tap.NewEntry(tap.Inbound, tap.KindRequest, "s1", "Page.navigate", []byte(`{"id":1,"method":"Page.navigate"}`))
	out := tap.NewEntry(tap.Outbound, tap.KindResponse, "s1", "Page.navigate", []byte(`{"id":1,"result":{}}`))
	root := tap.NewEntry(tap.Outbound, tap.KindEvent, "", "Browser.attached", []byte(`{"method":"Browser.attached","params":{}}`))
	for _, e := range []tap.Entry{in, out, root} {
		if err := tp.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	if !mr.Exists("test:stream:s1") || !mr.Exists("test:stream:root") {
		t.Fatalf("expected per-session streams, keys: %v", mr.Keys())
	}

	got, err := tp.Read(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].ID != in.ID || got[1].ID != out.ID {
		t.Fatalf("entries out of order: %+v", got)
	}
	if string(got[1].Data) != `{"id":1,"result":{}}` {
		t.Fatalf("payload mangled: %s", got[1].Data)
	}

	first, err := tp.Read(ctx, "s1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 || first[0].Direction != tap.Inbound {
		t.Fatalf("unexpected first entry %+v", first)
	}

	if err := tp.Delete(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if mr.Exists("test:stream:s1") {
		t.Fatal("stream not deleted")
	}
}

func TestMaxLen(t *testing.T) {
	ctx := context.Background()
	tp, _ := newTestTap(t, 2)
	for i := 0; i < 5; i++ {
		if err := tp.Record(ctx, tap.NewEntry(tap.Outbound, tap.KindEvent, "", "A.b", []byte(`{}`))); err != nil {
			t.Fatal(err)
		}
	}
	got, err := tp.Read(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected stream capped at 2, got %d", len(got))
	}
}

func TestNewFailsWithoutRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := New(context.Background(), Config{RedisAddr: addr}); err == nil {
		t.Fatal("expected ping failure")
	}
}

func TestNewFromEnvDialsRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("JUGGLER_TAP_KEY_PREFIX", "env:")

	tp, err := NewFromEnv(context.Background())
	if err != nil {
		t.Fatalf("NewFromEnv: %v", err)
	}
	if err := tp.Record(context.Background(), tap.NewEntry(tap.Inbound, tap.KindRequest, "", "Browser.getInfo", []byte(`{}`))); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !mr.Exists("env:stream:root") {
		t.Fatalf("env prefix not applied, keys: %v", mr.Keys())
	}
	if err := tp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
