package juggler

import (
	"log/slog"

	"github.com/ggoodman/juggler-go/internal/metrics"
	"github.com/ggoodman/juggler-go/tap"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultDebugExcludedEvents are chatty events left out of the debug traffic
// log.
var DefaultDebugExcludedEvents = []string{
	"Page.navigationStarted",
	"Page.frameAttached",
	"Runtime.executionContextCreated",
	"Runtime.console",
	"Page.navigationAborted",
	"Page.eventFired",
}

// DefaultDebugExcludedDomains are domains whose events are left out of the
// debug traffic log.
var DefaultDebugExcludedDomains = []string{"Network"}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger for the Dispatcher.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithTap records every inbound and outbound message to t.
func WithTap(t tap.Tap) Option {
	return func(d *Dispatcher) { d.tap = t }
}

// WithMetrics registers the dispatcher collectors with reg. Use
// WithSharedMetrics when several dispatchers live in one process.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) {
		if reg != nil {
			d.metrics = metrics.New(reg)
		}
	}
}

// WithSharedMetrics reuses collectors created by NewMetrics.
func WithSharedMetrics(m *Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m.m
		}
	}
}

// Metrics is a set of dispatcher collectors shareable across dispatchers.
type Metrics struct{ m *metrics.Metrics }

// NewMetrics registers dispatcher collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{m: metrics.New(reg)}
}

// WithDebug enables the debug traffic log: received messages and emitted
// events are logged at debug level with truncated payloads.
func WithDebug(enabled bool) Option {
	return func(d *Dispatcher) { d.debug = enabled }
}

// WithDebugExclude replaces the events and domains left out of the debug
// traffic log.
func WithDebugExclude(events, domains []string) Option {
	return func(d *Dispatcher) {
		d.debugExcludeEvents = toSet(events)
		d.debugExcludeDomains = toSet(domains)
	}
}

// WithSessionIDGenerator overrides the generator of session ids. The
// generator must not repeat ids within a dispatcher's lifetime.
func WithSessionIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newID = fn
		}
	}
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}
