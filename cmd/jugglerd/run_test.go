package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/juggler-go/config"
	"github.com/ggoodman/juggler-go/internal/logctx"
	"github.com/ggoodman/juggler-go/tap"
	"github.com/ggoodman/juggler-go/tap/redistap"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func TestOpenTap(t *testing.T) {
	ctx := context.Background()

	tp, mem, closeFn, err := openTap(ctx, config.Config{Tap: config.TapNone})
	if err != nil || tp != nil || mem != nil {
		t.Fatalf("none: %v %v %v", tp, mem, err)
	}
	closeFn()

	tp, mem, closeFn, err = openTap(ctx, config.Config{Tap: config.TapMemory, TapCapacity: 4})
	if err != nil || tp == nil || mem == nil {
		t.Fatalf("memory: %v %v %v", tp, mem, err)
	}
	closeFn()

	mr := miniredis.RunT(t)
	tp, mem, closeFn, err = openTap(ctx, config.Config{Tap: config.TapRedis, Redis: redistap.Config{RedisAddr: mr.Addr()}})
	if err != nil || mem != nil {
		t.Fatalf("redis: %v", err)
	}
	if err := tp.Record(ctx, tap.NewEntry(tap.Inbound, tap.KindRequest, "", "Browser.getInfo", []byte(`{}`))); err != nil {
		t.Fatalf("record: %v", err)
	}
	closeFn()
}

func TestAdminMuxServesTap(t *testing.T) {
	_, mem, _, err := openTap(context.Background(), config.Config{Tap: config.TapMemory, TapCapacity: 4})
	if err != nil {
		t.Fatalf("openTap: %v", err)
	}
	_ = mem.Record(context.Background(), tap.NewEntry(tap.Inbound, tap.KindRequest, "S1", "Page.navigate", []byte(`{}`)))
	_ = mem.Record(context.Background(), tap.NewEntry(tap.Inbound, tap.KindRequest, "", "Browser.getInfo", []byte(`{}`)))

	srv := httptest.NewServer(adminMux(prometheus.NewRegistry(), mem))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/tap?session=S1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var entries []tap.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Method != "Page.navigate" {
		t.Fatalf("unexpected entries %+v", entries)
	}

	metrics, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	metrics.Body.Close()
	if metrics.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", metrics.StatusCode)
	}
}

func TestOpenRegistryFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protocol.json")
	doc := `{"Echo":{"methods":{"say":{}},"events":{}}}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	p, err := openRegistry(ctx, g, config.Config{ProtocolFile: path}, newLogger(&bytes.Buffer{}, config.Config{}))
	if err != nil {
		t.Fatalf("openRegistry: %v", err)
	}
	if _, ok := p.Registry().LookupMethod("Echo.say"); !ok {
		t.Fatalf("file registry not loaded")
	}
	cancel()
	_ = g.Wait()

	builtin, err := openRegistry(context.Background(), nil, config.Config{}, nil)
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	if _, ok := builtin.Registry().LookupMethod("Browser.newPage"); !ok {
		t.Fatalf("built-in registry missing Browser.newPage")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, config.Config{LogLevel: "warn", Debug: true})
	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{SessionID: "S1"})
	log.DebugContext(ctx, "hello")

	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) || !strings.Contains(out, `"sess":{"id":"S1"}`) {
		t.Fatalf("unexpected log output %s", out)
	}
}
