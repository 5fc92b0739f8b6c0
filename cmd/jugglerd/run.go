package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ggoodman/juggler-go"
	"github.com/ggoodman/juggler-go/config"
	"github.com/ggoodman/juggler-go/examples/browser"
	"github.com/ggoodman/juggler-go/internal/logctx"
	"github.com/ggoodman/juggler-go/protocol"
	"github.com/ggoodman/juggler-go/tap"
	"github.com/ggoodman/juggler-go/tap/memorytap"
	"github.com/ggoodman/juggler-go/tap/redistap"
	"github.com/ggoodman/juggler-go/transport/pipe"
	"github.com/ggoodman/juggler-go/transport/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger(os.Stderr, cfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	proto, err := openRegistry(ctx, g, cfg, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := juggler.NewMetrics(reg)

	t, mem, closeTap, err := openTap(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTap()

	opts := []juggler.Option{
		juggler.WithLogger(log),
		juggler.WithSharedMetrics(m),
		juggler.WithDebug(cfg.Debug),
	}
	if t != nil {
		opts = append(opts, juggler.WithTap(t))
	}
	if events, domains, ok := cfg.DebugExclusions(); ok {
		opts = append(opts, juggler.WithDebugExclude(events, domains))
	}

	if cfg.MetricsAddr != "" {
		serveHTTP(ctx, g, log, cfg.MetricsAddr, adminMux(reg, mem))
	}

	switch cfg.Transport {
	case config.TransportPipe:
		conn := pipe.New(pipe.WithIO(os.Stdin, os.Stdout), pipe.WithLogger(log))
		browser.Attach(juggler.New(conn, proto, opts...))
		g.Go(func() error {
			// The peer owns the process: when it goes away, so do we.
			defer cancel()
			return conn.Serve(ctx)
		})

	case config.TransportWebSocket:
		h := websocket.NewHandler(func(ctx context.Context, c *websocket.Conn) {
			browser.Attach(juggler.New(c, proto, opts...))
		}, websocket.WithLogger(log))
		mux := http.NewServeMux()
		mux.Handle(cfg.Path, h)
		g.Go(func() error {
			<-ctx.Done()
			return h.Close()
		})
		serveHTTP(ctx, g, log, cfg.ListenAddr, mux)
	}

	log.Info("jugglerd.start", slog.String("transport", cfg.Transport), slog.String("tap", cfg.Tap))
	err = g.Wait()
	log.Info("jugglerd.stop")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	lvl, _ := cfg.Level()
	if cfg.Debug && lvl > slog.LevelDebug {
		lvl = slog.LevelDebug
	}
	return slog.New(logctx.Handler{Handler: slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})})
}

// openRegistry returns the built-in registry, or a hot reloaded one when a
// protocol file is configured.
func openRegistry(ctx context.Context, g *errgroup.Group, cfg config.Config, log *slog.Logger) (protocol.Provider, error) {
	if cfg.ProtocolFile == "" {
		return browser.Registry(), nil
	}
	w, err := protocol.NewWatcher(cfg.ProtocolFile, protocol.WithWatcherLogger(log))
	if err != nil {
		return nil, err
	}
	g.Go(func() error { return w.Run(ctx) })
	return w, nil
}

// openTap returns the configured tap, the memory tap when that is the one in
// use, and a cleanup function.
func openTap(ctx context.Context, cfg config.Config) (tap.Tap, *memorytap.Tap, func(), error) {
	switch cfg.Tap {
	case config.TapMemory:
		mem := memorytap.New(cfg.TapCapacity)
		return mem, mem, func() {}, nil
	case config.TapRedis:
		rt, err := redistap.New(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis tap: %w", err)
		}
		return rt, nil, func() { _ = rt.Close() }, nil
	default:
		return nil, nil, func() {}, nil
	}
}

func adminMux(reg *prometheus.Registry, mem *memorytap.Tap) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if mem != nil {
		mux.HandleFunc("/debug/tap", func(w http.ResponseWriter, r *http.Request) {
			entries := mem.Entries()
			if id := r.URL.Query().Get("session"); id != "" {
				entries = mem.Session(id)
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(entries)
		})
	}
	return mux
}

// serveHTTP runs an HTTP server in g until ctx is done.
func serveHTTP(ctx context.Context, g *errgroup.Group, log *slog.Logger, addr string, h http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		log.Info("jugglerd.http.listen", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
}
