package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for CreditLedger.
type Metrics struct {
	// --- Core processing ---
	CoreCallsApplied  *prometheus.CounterVec
	CoreCallsRejected *prometheus.CounterVec
	CoreCallDuration  *prometheus.HistogramVec
	CoreJournals      *prometheus.CounterVec
	CoreStateHashDur  prometheus.Histogram
	CoreSequence      prometheus.Gauge
	CoreBatchOps      prometheus.Histogram

	// --- Solvency and risk ---
	EvaluatorTokensScanned *prometheus.HistogramVec
	HealthFactor           prometheus.Histogram
	Liquidations           *prometheus.CounterVec
	RealizedLoss           prometheus.Counter
	CumulativeLoss         prometheus.Gauge
	FacadePaused           prometheus.Gauge
	BorrowingFrozen        prometheus.Gauge
	OpenPositions          prometheus.Gauge
	PoolUtilisation        prometheus.Gauge

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter
	CallSequenceGap       *prometheus.CounterVec
	CallOutOfOrder        *prometheus.CounterVec

	// --- Ingestion ---
	IngestMessages    *prometheus.CounterVec
	IngestParseErrors *prometheus.CounterVec
	IngestToApply     *prometheus.HistogramVec
	PublishedEvents   *prometheus.CounterVec

	// --- Persistence ---
	PersistCallsWritten    prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	ProjectionUpdateDur    *prometheus.HistogramVec
	ProjectionLastSequence prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayCallsTotal  prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	RPCThrottled  *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the binary and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}
	dbBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	return &Metrics{
		CoreCallsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_core_calls_applied_total",
			Help: "Calls successfully applied by core",
		}, []string{"call_type"}),

		CoreCallsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_core_calls_rejected_total",
			Help: "Calls rejected (duplicate, sequence, or by category of failure)",
		}, []string{"call_type", "reason"}),

		CoreCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_core_call_apply_duration_seconds",
			Help:    "Time to apply a single call in core",
			Buckets: latencyBuckets,
		}, []string{"call_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_core_sequence",
			Help: "Current global sequence number",
		}),

		CoreBatchOps: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_core_batch_operations",
			Help:    "Operations per applied batch",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		}),

		EvaluatorTokensScanned: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_evaluator_tokens_scanned",
			Help:    "Collateral tokens read per evaluation",
			Buckets: []float64{0, 1, 2, 3, 4, 6, 8, 12, 16, 32},
		}, []string{"mode"}),

		HealthFactor: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_health_factor_bps",
			Help:    "Health factor of positions passing the full check",
			Buckets: []float64{10_000, 10_500, 11_000, 12_500, 15_000, 20_000, 30_000, 65_535},
		}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_liquidations_total",
			Help: "Liquidations by kind and outcome",
		}, []string{"kind", "outcome"}),

		RealizedLoss: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_realized_loss_total",
			Help: "Bad debt realized by liquidations, underlying units",
		}),

		CumulativeLoss: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_cumulative_loss",
			Help: "Cumulative loss since last reset",
		}),

		FacadePaused: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_facade_paused",
			Help: "1 while the facade is paused",
		}),

		BorrowingFrozen: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_borrowing_frozen",
			Help: "1 while the per-block debt multiplier is zero",
		}),

		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_open_positions",
			Help: "Positions currently open",
		}),

		PoolUtilisation: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_pool_utilisation_bps",
			Help: "Pool utilisation in basis points",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "credit_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_publish_drops_total",
			Help: "Domain events dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"call_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_dedup_tier2_errors_total",
			Help: "Postgres dedup lookups that failed",
		}),

		CallSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_call_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		CallOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_call_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ingest_messages_total",
			Help: "Calls received by source",
		}, []string{"source", "call_type"}),

		IngestParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ingest_parse_errors_total",
			Help: "Calls that failed to parse",
		}, []string{"source"}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_ingest_to_apply_seconds",
			Help:    "Receive to core apply complete",
			Buckets: latencyBuckets,
		}, []string{"call_type"}),

		PublishedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_published_events_total",
			Help: "Domain events published to NATS",
		}, []string{"type"}),

		PersistCallsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_persist_calls_written_total",
			Help: "Call envelopes written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_persist_batch_size",
			Help:    "Envelopes per write batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: dbBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: dbBuckets,
		}, []string{"projection"}),

		ProjectionLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_projection_last_sequence",
			Help: "Last sequence applied to projections",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "credit_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayCallsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "credit_replay_calls_total",
			Help: "Calls replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_replay_duration_seconds",
			Help: "Total replay time",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_query_duration_seconds",
			Help:    "Query latency",
			Buckets: dbBuckets,
		}, []string{"endpoint"}),

		RPCThrottled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_rpc_throttled_total",
			Help: "RPCs rejected by the per-peer rate limiter",
		}, []string{"method"}),
	}
}

// SetChannelMetrics updates channel occupancy metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetRiskState publishes the circuit-breaker state.
func (m *Metrics) SetRiskState(cumulativeLoss float64, paused, frozen bool) {
	m.CumulativeLoss.Set(cumulativeLoss)
	m.FacadePaused.Set(boolGauge(paused))
	m.BorrowingFrozen.Set(boolGauge(frozen))
}
