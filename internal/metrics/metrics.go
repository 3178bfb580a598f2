package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watcher",
			Subsystem: "mailbox",
			Name:      "reconnects_total",
			Help:      "Number of IMAP reconnect attempts.",
		}, []string{"result"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watcher",
			Subsystem: "mailbox",
			Name:      "state_transitions_total",
			Help:      "Connection state machine transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "watcher",
			Subsystem: "mailbox",
			Name:      "current_state",
			Help:      "Current connection state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	backoffSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "watcher",
			Subsystem: "mailbox",
			Name:      "backoff_seconds",
			Help:      "Computed reconnect backoff delays.",
			Buckets:   []float64{3, 6, 12, 24, 48, 60, 120, 300},
		},
	)
	sweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "watcher",
			Subsystem: "mailbox",
			Name:      "sweeps_total",
			Help:      "Number of unseen-message sweeps.",
		},
	)
	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watcher",
			Subsystem: "events",
			Name:      "handled_total",
			Help:      "Trigger events by outcome (dispatched, duplicate, unmatched, window, failed).",
		}, []string{"outcome"},
	)
	sessionsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "watcher",
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Number of coordination sessions created.",
		},
	)
	reportsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watcher",
			Subsystem: "sessions",
			Name:      "reports_sent_total",
			Help:      "Reports emitted per variant (combined, single, timeout).",
		}, []string{"variant"},
	)
	emissionUnits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "watcher",
			Subsystem: "emission",
			Name:      "units_total",
			Help:      "Emission units by result (succeeded, excluded, failed).",
		}, []string{"kind", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{reconnects, stateTransitions, currentState, backoffSeconds, sweeps, events, sessionsOpened, reportsSent, emissionUnits}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// RegisterDefault registers with the default prometheus registry.
func RegisterDefault() error { return Register(prometheus.DefaultRegisterer) }

// Handler returns an http.Handler serving the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages. They no-op until Register
// has been called.

func IncReconnect(result string) {
	if regOK.Load() {
		reconnects.WithLabelValues(result).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
		currentState.WithLabelValues(from).Set(0)
		currentState.WithLabelValues(to).Set(1)
	}
}

func ObserveBackoff(seconds float64) {
	if regOK.Load() {
		backoffSeconds.Observe(seconds)
	}
}

func IncSweep() {
	if regOK.Load() {
		sweeps.Inc()
	}
}

func IncEvent(outcome string) {
	if regOK.Load() {
		events.WithLabelValues(outcome).Inc()
	}
}

func IncSessionOpened() {
	if regOK.Load() {
		sessionsOpened.Inc()
	}
}

func IncReportSent(variant string) {
	if regOK.Load() {
		reportsSent.WithLabelValues(variant).Inc()
	}
}

func AddEmissionUnits(kind, result string, n int) {
	if regOK.Load() && n > 0 {
		emissionUnits.WithLabelValues(kind, result).Add(float64(n))
	}
}
