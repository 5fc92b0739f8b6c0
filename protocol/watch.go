package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher serves a registry loaded from a file and reloads it whenever the
// file changes. A document that fails to load leaves the previous registry in
// effect.
type Watcher struct {
	path     string
	current  atomic.Pointer[Registry]
	log      *slog.Logger
	onReload func(*Registry, error)
}

var _ Provider = (*Watcher)(nil)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger overrides the logger.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithReloadCallback registers fn to observe every reload attempt.
func WithReloadCallback(fn func(*Registry, error)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// NewWatcher loads path and returns a Watcher serving it. Call Run to follow
// changes.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: abs, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	reg, err := LoadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("load protocol %s: %w", abs, err)
	}
	w.current.Store(reg)
	return w, nil
}

// Registry implements Provider.
func (w *Watcher) Registry() *Registry { return w.current.Load() }

// Reload re-reads the file immediately.
func (w *Watcher) Reload() error {
	reg, err := LoadFile(w.path)
	if err == nil {
		w.current.Store(reg)
		w.log.Info("protocol.reload.ok", slog.String("path", w.path), slog.Int("methods", len(reg.MethodNames())))
	} else {
		w.log.Warn("protocol.reload.fail", slog.String("path", w.path), slog.String("err", err.Error()))
	}
	if w.onReload != nil {
		w.onReload(reg, err)
	}
	return err
}

// Run watches the file until ctx is done. The parent directory is watched so
// that editors replacing the file by rename are followed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			_ = w.Reload()
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Debug("protocol.watch.error", slog.String("err", err.Error()))
		}
	}
}
