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

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcman",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of successful service starts.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcman",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops (graceful or kill).",
		}, []string{"name"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcman",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of crash-triggered restarts.",
		}, []string{"name"},
	)
	startupSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svcman",
			Subsystem: "service",
			Name:      "startup_seconds",
			Help:      "Time from spawn to readiness.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"name"},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcman",
			Subsystem: "service",
			Name:      "health_checks_total",
			Help:      "Health check outcomes per service.",
		}, []string{"name", "result"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcman",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of transitions between lifecycle states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcman",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current lifecycle state per service (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	runningServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "svcman",
			Subsystem: "service",
			Name:      "running",
			Help:      "Number of services currently running.",
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
		serviceStarts, serviceStops, serviceRestarts, startupSeconds,
		healthChecks, stateTransitions, currentStates, runningServices,
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

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}

func ObserveStartup(name string, seconds float64) {
	if regOK.Load() {
		startupSeconds.WithLabelValues(name).Observe(seconds)
	}
}

func IncHealthCheck(name string, healthy bool) {
	if regOK.Load() {
		result := "healthy"
		if !healthy {
			result = "unhealthy"
		}
		healthChecks.WithLabelValues(name, result).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentStates.WithLabelValues(name, state).Set(value)
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningServices.Set(float64(n))
	}
}
