// Package metrics defines the prometheus collectors exposed on the
// telemetry listener (spec §4.9, §6), registered against the default
// registry so promhttp.Handler() serves them without extra wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SystemVersion reports the currently active generation's version, per
	// spec §6.
	SystemVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nixless_agent_system_version",
		Help: "Version number of the currently active system configuration.",
	})

	// RequestsSummary counts control-plane requests by endpoint and outcome.
	RequestsSummary = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nixless_agent_requests_summary",
		Help: "Total control-plane requests, labeled by endpoint and status.",
	}, []string{"endpoint", "status"})

	// NewConfigurationTotal counts POST /new-configuration outcomes.
	NewConfigurationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nixless_agent_requests_new_configuration",
		Help: "Total new-configuration requests, labeled by outcome.",
	}, []string{"outcome"})

	// RollbackTotal counts POST /rollback-configuration outcomes.
	RollbackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nixless_agent_requests_rollback",
		Help: "Total rollback requests, labeled by outcome.",
	}, []string{"outcome"})

	// DownloadDuration observes how long the Downloading phase takes across
	// an entire update, whatever the number of packages fetched.
	DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nixless_agent_system_configuration_download_duration",
		Help:    "Duration in seconds of the Downloading phase of an update.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// SetupDuration observes total time from admission to Staging.
	SetupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nixless_agent_system_configuration_setup_duration",
		Help:    "Duration in seconds from admission through Staging.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// SwitchDuration observes how long the Activation Controller took.
	SwitchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nixless_agent_system_configuration_switch_duration",
		Help:    "Duration in seconds of the Activating phase of an update.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)
