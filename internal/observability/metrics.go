package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the player-state core.
type Metrics struct {
	// --- Settlement pipeline ---
	WagersPlaced        *prometheus.CounterVec // phase label: placed, ended
	WagersDuplicate     *prometheus.CounterVec
	WagersFailed        *prometheus.CounterVec // reason label
	ChainSubmitRetries  prometheus.Counter
	ChainSubmitDuration prometheus.Histogram
	PendingRecovered    prometheus.Counter

	// --- Player state cache ---
	CacheReads       prometheus.Counter
	CacheWrites      prometheus.Counter
	CacheMutations   *prometheus.CounterVec // op label: earn, spend, settlement
	CacheMutationDur *prometheus.HistogramVec
	PeriodResets     *prometheus.CounterVec // period label: daily, weekly

	// --- Distributed lock ---
	LockAcquired    prometheus.Counter
	LockTimeouts    prometheus.Counter
	LockRetries     prometheus.Counter
	LockHoldSeconds prometheus.Histogram

	// --- Leaderboard ---
	BoardIncrements *prometheus.CounterVec // board label
	BoardQueries    *prometheus.CounterVec // op label: top_range, rank_of, size
	BoardResets     *prometheus.CounterVec
	SnapshotRows    *prometheus.GaugeVec

	// --- Chain listener ---
	ListenerEvents     *prometheus.CounterVec // event label: Placed, Settled
	ListenerReconnects prometheus.Counter
	ListenerAttached   prometheus.Gauge

	// --- Outbound publishing ---
	PublishedEvents prometheus.Counter
	PublishDrops    prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	submitBuckets := []float64{
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
	}
	localBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		WagersPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bg_settle_wagers_total",
			Help: "Wager phases processed to confirmation",
		}, []string{"phase"}),

		WagersDuplicate: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bg_settle_duplicate_total",
			Help: "Wager calls answered from an existing ledger record",
		}, []string{"phase"}),

		WagersFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bg_settle_failed_total",
			Help: "Wager phases rejected or terminally failed",
		}, []string{"phase", "reason"}),

		ChainSubmitRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bg_chain_submit_retries_total",
			Help: "On-chain submission attempts beyond the first",
		}),

		ChainSubmitDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bg_chain_submit_duration_seconds",
			Help:    "Time from submission to confirmation",
			Buckets: submitBuckets,
		}),

		PendingRecovered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bg_settle_pending_recovered_total",
			Help: "Pending idempotency keys reconciled from chain state",
		}),

		CacheReads: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bg_cache_reads_total",
			Help: "Player state documents read",
		}),

		CacheWrites: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bg_cache_writes_total",
			Help: "Player state documents written",
		}),

		CacheMutations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bg_cache_mutations_total",
			Help: "Lock-guarded read-modify-write operations",
		}, []string{"op"}),

		CacheMutationDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bg_cache_mutation_duration_seconds",
			Help:    "Duration of a full mutate cycle including lock wait",
			Buckets: localBuckets,
		}, []string{"op"}),

		PeriodResets: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bg_cache_period_resets_total",
			Help: "Lazy daily/weekly counter resets applied on read",
		}, []string{"period"}),

		LockAcquired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bg_lock_acquired_total",
			Help: "Lock leases acquired",
		}),

		LockTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bg_lock_timeouts_total",
			Help: "Lock acquisitions that exhausted their retry budget",
		}),

		LockRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bg_lock_retries_total",
			Help: "Lock acquisition attempts beyond the first",
		}),

		LockHoldSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "bg_lock_hold_seconds",
			Help:    "Time a lease was held before release",
			Buckets: localBuckets,
		}),

		BoardIncrements: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bg_board_increments_total",
			Help: "Leaderboard score increments applied",
		}, []string{"board"}),

		BoardQueries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bg_board_queries_total",
			Help: "Leaderboard read operations",
		}, []string{"op"}),

		BoardResets: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bg_board_resets_total",
			Help: "Reset-with-snapshot operations per board",
		}, []string{"board"}),

		SnapshotRows: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bg_board_snapshot_rows",
			Help: "Rows captured by the most recent snapshot per board",
		}, []string{"board"}),

		ListenerEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "bg_listener_events_total",
			Help: "Contract events observed by the listener",
		}, []string{"event"}),

		ListenerReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bg_listener_reconnects_total",
			Help: "Listener subscription teardown-and-reattach cycles",
		}),

		ListenerAttached: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "bg_listener_attached",
			Help: "1 while the contract subscription is live",
		}),

		PublishedEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bg_publish_events_total",
			Help: "Settlement events published to NATS",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "bg_publish_drops_total",
			Help: "Settlement events dropped because the publish queue was full",
		}),
	}
}
