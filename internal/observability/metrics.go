package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CopyGuard.
// Every consumer treats a nil *Metrics as "metrics disabled".
type Metrics struct {
	// --- Pipeline ---
	IntentsReceived   *prometheus.CounterVec
	IntentsTerminal   *prometheus.CounterVec
	PipelineDuration  prometheus.Histogram
	InFlightReserved  prometheus.Gauge
	InfraFailures     *prometheus.CounterVec
	FirewallRejected  *prometheus.CounterVec
	RiskRejected      *prometheus.CounterVec
	KillSwitchLatched prometheus.Counter

	// --- Dedup ---
	DedupDuplicates    *prometheus.CounterVec
	DedupLRUSize       prometheus.Gauge
	DedupLRUEvictions  prometheus.Counter
	DedupTier2Duration prometheus.Histogram
	DedupTier2Errors   prometheus.Counter

	// --- Execution ---
	ExecutionDuration *prometheus.HistogramVec
	ExecutionResults  *prometheus.CounterVec

	// --- Ledger ---
	LedgerWrites  *prometheus.CounterVec
	OpenPositions prometheus.Gauge

	// --- Audit trail ---
	AuditRecordsWritten prometheus.Counter
	AuditBatchSize      prometheus.Histogram
	AuditBatchDur       prometheus.Histogram
	AuditErrors         *prometheus.CounterVec
	AuditRetry          prometheus.Counter
	AuditLastSequence   prometheus.Gauge

	// --- Ingestion & notification ---
	IngestErrors  *prometheus.CounterVec
	NotifyErrors  *prometheus.CounterVec
	ChannelSize   *prometheus.GaugeVec
	ChannelUtil   *prometheus.GaugeVec
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
	}

	return &Metrics{
		IntentsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyguard_intents_received_total",
			Help: "Intents handed to the pipeline",
		}, []string{"source"}),

		IntentsTerminal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyguard_intents_terminal_total",
			Help: "Intents reaching a terminal stage",
		}, []string{"stage"}),

		PipelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "copyguard_pipeline_duration_seconds",
			Help:    "Receive to terminal stage",
			Buckets: latencyBuckets,
		}),

		InFlightReserved: f.NewGauge(prometheus.GaugeOpts{
			Name: "copyguard_inflight_buy_reservations",
			Help: "Approved buys not yet recorded in the ledger",
		}),

		InfraFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyguard_infra_failures_total",
			Help: "Intents abandoned before execution due to store errors",
		}, []string{"step"}),

		FirewallRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyguard_firewall_rejections_total",
			Help: "Firewall rejections by reason",
		}, []string{"reason"}),

		RiskRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyguard_risk_rejections_total",
			Help: "Risk kernel rejections by guardrail",
		}, []string{"reason"}),

		KillSwitchLatched: f.NewCounter(prometheus.CounterOpts{
			Name: "copyguard_kill_switch_latched_total",
			Help: "Hard-kill latches persisted",
		}),

		DedupDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyguard_dedup_duplicates_total",
			Help: "Duplicate intent ids caught (lru/store)",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "copyguard_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "copyguard_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "copyguard_dedup_store_duration_seconds",
			Help:    "Durable seen-set insert latency",
			Buckets: latencyBuckets,
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "copyguard_dedup_store_errors_total",
			Help: "Durable seen-set errors (intent rejected)",
		}),

		ExecutionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "copyguard_execution_duration_seconds",
			Help:    "Executor call latency",
			Buckets: latencyBuckets,
		}, []string{"mode"}),

		ExecutionResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyguard_execution_results_total",
			Help: "Execution results by mode and error kind (none on success)",
		}, []string{"mode", "kind"}),

		LedgerWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyguard_ledger_writes_total",
			Help: "Ledger updates by kind",
		}, []string{"kind"}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "copyguard_open_positions",
			Help: "Open positions at last account snapshot",
		}),

		AuditRecordsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "copyguard_audit_records_written_total",
			Help: "Audit records committed",
		}),

		AuditBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "copyguard_audit_batch_size",
			Help:    "Records per audit batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		AuditBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "copyguard_audit_batch_duration_seconds",
			Help:    "Audit batch write duration",
			Buckets: latencyBuckets,
		}),

		AuditErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyguard_audit_errors_total",
			Help: "Audit write errors",
		}, []string{"error_type"}),

		AuditRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "copyguard_audit_retry_total",
			Help: "Audit batch retries",
		}),

		AuditLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "copyguard_audit_last_sequence",
			Help: "Last committed audit sequence",
		}),

		IngestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyguard_ingest_errors_total",
			Help: "Messages that could not be turned into intents",
		}, []string{"source"}),

		NotifyErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyguard_notify_errors_total",
			Help: "Terminal-state notifications that failed",
		}, []string{"notifier"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "copyguard_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelUtil: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "copyguard_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "copyguard_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "copyguard_http_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: latencyBuckets,
		}, []string{"route"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	if m == nil {
		return
	}
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	if capacity > 0 {
		m.ChannelUtil.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
