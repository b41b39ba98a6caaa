// Package metrics exposes Prometheus metrics for the gateway.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all gateway metrics.
type Registry struct {
	// SSH executor metrics
	SSHCommands        *prometheus.CounterVec
	SSHCommandDuration prometheus.Histogram

	// Firewall reconciliation metrics
	ReconcileOutcomes *prometheus.CounterVec
	ParseSkips        prometheus.Counter

	// Panel client metrics
	PanelRequests *prometheus.CounterVec

	// API metrics
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.SSHCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeep_ssh_commands_total",
		Help: "Total SSH commands executed, by outcome",
	}, []string{"outcome"})

	r.SSHCommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeep_ssh_command_duration_seconds",
		Help:    "SSH command execution duration",
		Buckets: prometheus.DefBuckets,
	})

	r.ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeep_reconcile_outcomes_total",
		Help: "Firewall reconciliation outcomes, by intent and state",
	}, []string{"intent", "state"})

	r.ParseSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_listing_parse_skips_total",
		Help: "Listing lines skipped as unparseable",
	})

	r.PanelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeep_panel_requests_total",
		Help: "Total panel API requests, by operation and status",
	}, []string{"operation", "status"})

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeep_api_requests_total",
		Help: "Total API requests",
	}, []string{"method", "path", "status"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gatekeep_api_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	return r
}
