// Package metrics provides operational metrics collection in
// Prometheus format.
package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records engine and store activity. All methods are
// non-blocking and nil-safe so callers can skip wiring metrics in
// tests. Registration errors are logged but never propagated.
type Metrics struct {
	commandsTotal        *prometheus.CounterVec
	commandDuration      prometheus.Histogram
	conflictRetriesTotal prometheus.Counter
	eventsAppendedTotal  prometheus.Counter
	idempotencyHitsTotal prometheus.Counter
}

// New creates and registers the runtime's metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}

	m.commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventforge_commands_total",
		Help: "Total command executions by command name and outcome.",
	}, []string{"command", "outcome"})

	m.commandDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventforge_command_duration_seconds",
		Help:    "Command execution duration in seconds, including retries.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})

	m.conflictRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventforge_conflict_retries_total",
		Help: "Total append-position conflicts that triggered a retry.",
	})

	m.eventsAppendedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventforge_events_appended_total",
		Help: "Total events appended to the log.",
	})

	m.idempotencyHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventforge_idempotency_hits_total",
		Help: "Total commands answered from the idempotency cache.",
	})

	register(reg, m.commandsTotal, "eventforge_commands_total")
	register(reg, m.commandDuration, "eventforge_command_duration_seconds")
	register(reg, m.conflictRetriesTotal, "eventforge_conflict_retries_total")
	register(reg, m.eventsAppendedTotal, "eventforge_events_appended_total")
	register(reg, m.idempotencyHitsTotal, "eventforge_idempotency_hits_total")

	return m
}

// register attempts to register a collector, logging any errors
// without propagating them.
func register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// CommandCompleted records one finished execution.
func (m *Metrics) CommandCompleted(command, outcome string, duration time.Duration, appended int) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(command, outcome).Inc()
	m.commandDuration.Observe(duration.Seconds())
	if appended > 0 {
		m.eventsAppendedTotal.Add(float64(appended))
	}
}

// ConflictRetried records one append conflict that will be retried.
func (m *Metrics) ConflictRetried() {
	if m == nil {
		return
	}
	m.conflictRetriesTotal.Inc()
}

// IdempotencyHit records one command served from the cache.
func (m *Metrics) IdempotencyHit() {
	if m == nil {
		return
	}
	m.idempotencyHitsTotal.Inc()
}
