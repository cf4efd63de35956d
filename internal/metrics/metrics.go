// Package metrics defines all Prometheus metrics for floodgate.
// All metrics use the "floodgate_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "floodgate"

// --- Counter Ingest Metrics ---

var (
	// CounterReplies counts port-counter replies received, by switch.
	CounterReplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "counter_replies_total",
		Help:      "Total port-counter replies received, by switch.",
	}, []string{"switch"})

	// SamplesDiscarded counts counter readings that produced no observation.
	SamplesDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "samples_discarded_total",
		Help:      "Total counter readings discarded, by reason (baseline, stale, counter_reset, unknown_switch).",
	}, []string{"reason"})

	// ReplyProcessingDuration tracks how long one counter reply takes to evaluate.
	ReplyProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reply_processing_duration_seconds",
		Help:      "Counter reply processing duration in seconds.",
		Buckets:   []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})
)

// --- Detection Metrics ---

var (
	// StateTransitions counts interface state changes.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Total interface state transitions, by from and to state.",
	}, []string{"from", "to"})

	// InterfacesMonitored is the number of interfaces with a stored sample.
	InterfacesMonitored = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interfaces_monitored",
		Help:      "Number of interfaces with a stored counter sample.",
	})

	// InterfacesActive is the size of the active set.
	InterfacesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interfaces_active",
		Help:      "Number of interfaces above the low-activity floor.",
	})

	// InterfacesWatched is the number of SUSPECT interfaces.
	InterfacesWatched = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interfaces_watched",
		Help:      "Number of interfaces on the watch list.",
	})

	// InterfacesBlocked is the number of BLOCKED interfaces.
	InterfacesBlocked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interfaces_blocked",
		Help:      "Number of interfaces with an active drop rule.",
	})

	// AdaptiveThreshold is the most recently computed adaptive threshold.
	AdaptiveThreshold = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "adaptive_threshold_bytes_per_second",
		Help:      "Current per-interface adaptive threshold in bytes per second.",
	})
)

// --- Mitigation Metrics ---

var (
	// DataplaneActions counts dataplane calls by action and result.
	DataplaneActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dataplane_actions_total",
		Help:      "Total dataplane actions, by action (install, remove, discard, request) and result.",
	}, []string{"action", "result"})

	// BlockDuration tracks how long interfaces stay blocked.
	BlockDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "block_duration_seconds",
		Help:      "Time between drop-rule install and removal in seconds.",
		Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// SwitchPurges counts switch state purges.
	SwitchPurges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "switch_purges_total",
		Help:      "Total times all state for a switch was discarded.",
	})
)

// --- Poll Loop Metrics ---

var (
	// PollTicks counts poll loop iterations.
	PollTicks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_ticks_total",
		Help:      "Total poll loop iterations.",
	})

	// PollDuration tracks poll iteration latency.
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poll_duration_seconds",
		Help:      "Poll iteration duration in seconds.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	})

	// SwitchesConnected is the number of switches being polled.
	SwitchesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "switches_connected",
		Help:      "Number of connected switches.",
	})

	// TelemetryWrites counts telemetry batches by sink and result.
	TelemetryWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_writes_total",
		Help:      "Total telemetry batch writes, by sink and result.",
	}, []string{"sink", "result"})
)

// --- Event Bus Metrics ---

var (
	// EventsPublished counts events published to the bus.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_published_total",
		Help:      "Total events published to the event bus.",
	}, []string{"event_type"})

	// EventBufferDrops counts events dropped due to full buffer.
	EventBufferDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "event_buffer_drops_total",
		Help:      "Total events dropped due to full event bus buffer.",
	})

	// HookExecutions counts hook executions by type and result.
	HookExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hook_executions_total",
		Help:      "Total hook executions.",
	}, []string{"hook_type", "result"})

	// HookDuration tracks hook execution latency.
	HookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "hook_execution_duration_seconds",
		Help:      "Hook execution duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
	}, []string{"hook_type"})
)

// --- API Metrics ---

var (
	// APIRequests counts HTTP API requests by method, path, and status.
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_requests_total",
		Help:      "Total HTTP API requests.",
	}, []string{"method", "path", "status"})

	// APIRequestDuration tracks API request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_request_duration_seconds",
		Help:      "HTTP API request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// SSEConnections tracks open event stream clients.
	SSEConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sse_connections",
		Help:      "Currently connected event stream clients.",
	})
)

// --- Server Info ---

var (
	// ServerInfo is a constant gauge with server metadata.
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Server build and version info.",
	}, []string{"version"})

	// ServerStartTime tracks server start time as a unix timestamp.
	ServerStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_start_time_seconds",
		Help:      "Server start time as Unix timestamp.",
	})
)
