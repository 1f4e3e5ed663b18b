package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	LockAcquireTotal *prometheus.CounterVec // result=immediate|queued|cancelled|invalid
	LockReleaseTotal *prometheus.CounterVec // result=ok|invalid
	LockWaitMS       prometheus.Histogram
	LocksHeld        prometheus.Gauge
	LocksWaiting     prometheus.Gauge
	LocksStaleTotal  prometheus.Counter

	BatchFlushTotal    *prometheus.CounterVec   // queue
	BatchChunkSize     *prometheus.HistogramVec // queue
	BatchFallbackTotal *prometheus.CounterVec   // queue, reason=handler_error|unregistered

	MutationTotal *prometheus.CounterVec   // op=save|delete, result=success|fail
	OpLatencyMS   *prometheus.HistogramVec // op=save|delete|flush
}

// NewMetrics builds the collectors and registers them on reg. A nil reg
// leaves them unregistered, which keeps tests independent of each other.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LockAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recordsync_lock_acquire_total",
				Help: "Total lock acquisitions by result",
			},
			[]string{"result"},
		),
		LockReleaseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recordsync_lock_release_total",
				Help: "Total lock releases by result",
			},
			[]string{"result"},
		),
		LockWaitMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recordsync_lock_wait_ms",
			Help:    "Time queued waiters spent before their lock was granted (ms)",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
		}),
		LocksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recordsync_locks_held",
			Help: "Number of currently held resource locks",
		}),
		LocksWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recordsync_locks_waiting",
			Help: "Number of queued lock requests",
		}),
		LocksStaleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "recordsync_locks_stale_total",
			Help: "Locks observed by the monitor past the stale threshold",
		}),
		BatchFlushTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recordsync_batch_flush_total",
				Help: "Total batch flushes by queue",
			},
			[]string{"queue"},
		),
		BatchChunkSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recordsync_batch_chunk_size",
				Help:    "Items per batch handler invocation",
				Buckets: prometheus.LinearBuckets(1, 5, 10),
			},
			[]string{"queue"},
		),
		BatchFallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recordsync_batch_fallback_total",
				Help: "Chunks resolved through the per-item path",
			},
			[]string{"queue", "reason"},
		),
		MutationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recordsync_mutation_total",
				Help: "Total record mutations by op and result",
			},
			[]string{"op", "result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "recordsync_op_latency_ms",
				Help:    "Latency of coordinator and batch operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"op"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.LockAcquireTotal,
			m.LockReleaseTotal,
			m.LockWaitMS,
			m.LocksHeld,
			m.LocksWaiting,
			m.LocksStaleTotal,
			m.BatchFlushTotal,
			m.BatchChunkSize,
			m.BatchFallbackTotal,
			m.MutationTotal,
			m.OpLatencyMS,
		)
	}

	return m
}
