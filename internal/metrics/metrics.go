package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "overseer_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "overseer_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Decision metrics
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_decisions_total",
			Help: "Total number of governance decisions by result",
		},
		[]string{"category", "result"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "overseer_evaluation_duration_seconds",
			Help:    "Latency of a full operation evaluation including journal writes",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		},
	)

	PausedState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "overseer_paused",
			Help: "1 when the global pause switch is active",
		},
	)

	// Journal metrics
	JournalWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_journal_writes_total",
			Help: "Total number of journal writes by store and status",
		},
		[]string{"store", "status"},
	)

	// Audit sink metrics
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_audit_sink_events_total",
			Help: "Total number of audit entries delivered to the external sink",
		},
		[]string{"sink", "status"},
	)

	AuditEventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_audit_sink_events_dropped_total",
			Help: "Total number of audit entries dropped before reaching the sink",
		},
		[]string{"sink", "reason"},
	)

	AuditWriterFlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "overseer_audit_sink_flush_duration_seconds",
			Help:    "Audit sink flush latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sink"},
	)

	// Ledger metrics
	LedgerAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_ledger_appends_total",
			Help: "Total number of ledger append attempts by status",
		},
		[]string{"status"},
	)

	LedgerSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "overseer_ledger_entries",
			Help: "Number of confirmed entries in the hash-chained ledger",
		},
	)

	LedgerVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_ledger_verifications_total",
			Help: "Total number of chain verifications by outcome",
		},
		[]string{"result"},
	)

	// Approval metrics
	ApprovalTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_approval_transitions_total",
			Help: "Total number of approval state transitions",
		},
		[]string{"status"},
	)

	ApprovalResolutionRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_approval_resolution_rejected_total",
			Help: "Total number of approve/deny calls that were not actionable",
		},
		[]string{"reason"},
	)

	// Anomaly metrics
	AnomaliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_anomalies_total",
			Help: "Total number of anomaly events recorded",
		},
		[]string{"type", "severity"},
	)

	AnomalyObservationsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "overseer_anomaly_observations_dropped_total",
			Help: "Decision observations dropped because the monitor buffer was full",
		},
	)

	// Vault metrics
	VaultOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_vault_operations_total",
			Help: "Total number of vault operations",
		},
		[]string{"operation", "status"},
	)

	// Feed metrics
	FeedSubscribersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "overseer_feed_subscribers_active",
			Help: "Number of live feed subscribers",
		},
	)

	FeedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overseer_feed_events_total",
			Help: "Total number of feed events delivered",
		},
		[]string{"topic"},
	)

	FeedEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "overseer_feed_events_dropped_total",
			Help: "Feed events dropped because a subscriber buffer was full",
		},
	)

	// System metrics
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "overseer_build_info",
			Help: "Build information about Overseer",
		},
		[]string{"version", "go_version"},
	)
)
