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

	ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "monitor",
			Name:      "ticks_total",
			Help:      "Number of monitor ticks by outcome.",
		}, []string{"outcome"},
	)
	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fleetwatch",
			Subsystem: "monitor",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of monitor ticks that did fetch work.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	stale = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleetwatch",
			Subsystem: "monitor",
			Name:      "stale",
			Help:      "1 while subscribers have been told the data is stale.",
		},
	)

	fetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "source",
			Name:      "fetches_total",
			Help:      "Number of source fetches by result (ok, error, denied).",
		}, []string{"source", "result"},
	)
	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fleetwatch",
			Subsystem: "source",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of source fetches that were attempted.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"},
	)

	breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Number of circuit breaker state transitions.",
		}, []string{"source", "from", "to"},
	)
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetwatch",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current breaker state per source (1 = active state, 0 = inactive).",
		}, []string{"source", "state"},
	)

	broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "bus",
			Name:      "broadcasts_total",
			Help:      "Number of messages fanned out to subscribers by type.",
		}, []string{"type"},
	)
	sendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "bus",
			Name:      "send_failures_total",
			Help:      "Number of failed sends to individual subscribers.",
		},
	)
	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleetwatch",
			Subsystem: "bus",
			Name:      "subscribers",
			Help:      "Current number of connected subscribers.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		ticks, tickDuration, stale,
		fetches, fetchDuration,
		breakerTransitions, breakerState,
		broadcasts, sendFailures, subscribers,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncTick(outcome string) {
	if regOK.Load() {
		ticks.WithLabelValues(outcome).Inc()
	}
}

func ObserveTickDuration(seconds float64) {
	if regOK.Load() {
		tickDuration.Observe(seconds)
	}
}

func SetStale(v bool) {
	if regOK.Load() {
		stale.Set(boolValue(v))
	}
}

func IncFetch(source, result string) {
	if regOK.Load() {
		fetches.WithLabelValues(source, result).Inc()
	}
}

func ObserveFetchDuration(source string, seconds float64) {
	if regOK.Load() {
		fetchDuration.WithLabelValues(source).Observe(seconds)
	}
}

func RecordBreakerTransition(source, from, to string) {
	if regOK.Load() {
		breakerTransitions.WithLabelValues(source, from, to).Inc()
		breakerState.WithLabelValues(source, from).Set(0)
		breakerState.WithLabelValues(source, to).Set(1)
	}
}

// SetBreakerState marks state as the active one for source.
func SetBreakerState(source, state string) {
	if regOK.Load() {
		breakerState.WithLabelValues(source, state).Set(1)
	}
}

func IncBroadcast(msgType string) {
	if regOK.Load() {
		broadcasts.WithLabelValues(msgType).Inc()
	}
}

func IncSendFailure() {
	if regOK.Load() {
		sendFailures.Inc()
	}
}

func SetSubscribers(n int) {
	if regOK.Load() {
		subscribers.Set(float64(n))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
