// Package metrics exports routing decisions of a dsroute.DataSource to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ice-blockchain/go-dsroute"
)

// RouterMetrics implements dsroute.Observer.
type RouterMetrics struct {
	// AcquisitionsTotal counts lookups by requested key and resolved target.
	// Labels: requested (master, slave, none), target (master, slave)
	AcquisitionsTotal *prometheus.CounterVec

	// FallbacksTotal counts lookups whose key was set but not configured.
	// Labels: requested
	FallbacksTotal *prometheus.CounterVec

	// AcquireErrorsTotal counts failures returned by the selected pool.
	// Labels: target
	AcquireErrorsTotal *prometheus.CounterVec
}

var _ dsroute.Observer = (*RouterMetrics)(nil)

func acquisitionsOpts() prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace: "dsroute",
		Subsystem: "router",
		Name:      "acquisitions_total",
		Help:      "Total number of datasource lookups, broken down by requested key and resolved target.",
	}
}

func fallbacksOpts() prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace: "dsroute",
		Subsystem: "router",
		Name:      "fallbacks_total",
		Help:      "Total number of lookups that fell back to the default datasource because the key is not configured.",
	}
}

func acquireErrorsOpts() prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace: "dsroute",
		Subsystem: "router",
		Name:      "acquire_errors_total",
		Help:      "Total number of errors returned by the selected datasource.",
	}
}

// New creates and registers router metrics.
// Uses promauto for automatic registration with the default registry.
func New() *RouterMetrics {
	return &RouterMetrics{
		AcquisitionsTotal:  promauto.NewCounterVec(acquisitionsOpts(), []string{"requested", "target"}),
		FallbacksTotal:     promauto.NewCounterVec(fallbacksOpts(), []string{"requested"}),
		AcquireErrorsTotal: promauto.NewCounterVec(acquireErrorsOpts(), []string{"target"}),
	}
}

// NewWithRegistry creates router metrics registered with a custom registry.
// Useful for testing to avoid conflicts with the default registry.
func NewWithRegistry(reg prometheus.Registerer) *RouterMetrics {
	factory := promauto.With(reg)
	return &RouterMetrics{
		AcquisitionsTotal:  factory.NewCounterVec(acquisitionsOpts(), []string{"requested", "target"}),
		FallbacksTotal:     factory.NewCounterVec(fallbacksOpts(), []string{"requested"}),
		AcquireErrorsTotal: factory.NewCounterVec(acquireErrorsOpts(), []string{"target"}),
	}
}

// Resolved records a lookup.
func (m *RouterMetrics) Resolved(key dsroute.Identifier, keySet bool,
	target dsroute.Identifier, fallback bool) {
	requested := "none"
	if keySet {
		requested = key.String()
	}

	m.AcquisitionsTotal.WithLabelValues(requested, target.String()).Inc()
	if fallback {
		m.FallbacksTotal.WithLabelValues(requested).Inc()
	}
}

// AcquireFailed records an error of the selected pool.
func (m *RouterMetrics) AcquireFailed(target dsroute.Identifier, err error) {
	m.AcquireErrorsTotal.WithLabelValues(target.String()).Inc()
}
