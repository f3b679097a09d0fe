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

	childStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supv",
			Subsystem: "child",
			Name:      "starts_total",
			Help:      "Number of successful child starts.",
		}, []string{"child"},
	)
	childRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supv",
			Subsystem: "child",
			Name:      "restarts_total",
			Help:      "Number of restart attempts charged against the budget.",
		}, []string{"child"},
	)
	childExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supv",
			Subsystem: "child",
			Name:      "exits_total",
			Help:      "Number of child exits by verdict.",
		}, []string{"child", "outcome"},
	)
	childStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "supv",
			Subsystem: "child",
			Name:      "start_duration_seconds",
			Help:      "Time from start attempt to the child reporting running.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"child"},
	)
	treeEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supv",
			Subsystem: "tree",
			Name:      "escalations_total",
			Help:      "Number of group shutdowns caused by an exhausted restart budget.",
		}, []string{"tree"},
	)
	runningChildren = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "supv",
			Subsystem: "tree",
			Name:      "running_children",
			Help:      "Current running children per supervision tree.",
		}, []string{"tree"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{childStarts, childRestarts, childExits, childStartDuration, treeEscalations, runningChildren}
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

func IncStart(child string) {
	if regOK.Load() {
		childStarts.WithLabelValues(child).Inc()
	}
}
func IncRestart(child string) {
	if regOK.Load() {
		childRestarts.WithLabelValues(child).Inc()
	}
}
func IncExit(child, outcome string) {
	if regOK.Load() {
		childExits.WithLabelValues(child, outcome).Inc()
	}
}
func ObserveStartDuration(child string, seconds float64) {
	if regOK.Load() {
		childStartDuration.WithLabelValues(child).Observe(seconds)
	}
}
func IncEscalation(tree string) {
	if regOK.Load() {
		treeEscalations.WithLabelValues(tree).Inc()
	}
}
func SetRunningChildren(tree string, n int) {
	if regOK.Load() {
		runningChildren.WithLabelValues(tree).Set(float64(n))
	}
}
