// Package metrics exposes the prometheus collectors shared by the storage
// environment, the sync applier, and the crypto session store. All metrics
// live under the "matrixcache" namespace so a host application can register
// them alongside its own collectors without name collisions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "matrixcache"

var (
	WriteTxnDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "write_txn_duration_seconds",
		Help:      "Time spent inside a committed write transaction, by caller.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"caller"})

	CryptoFsyncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "crypto",
		Name:      "fsync_duration_seconds",
		Help:      "Time spent fsyncing a crypto session write before reporting success.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"store"})

	SyncApplyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "apply_duration_seconds",
		Help:      "Time spent applying one sync response in saveState.",
		Buckets:   prometheus.DefBuckets,
	}, []string{})

	DecodeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "codec",
		Name:      "decode_failures_total",
		Help:      "Records dropped because decoding a stored blob failed (Corruption, see error taxonomy).",
	}, []string{"substore"})

	SweepDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "deleted_events_total",
		Help:      "Timeline events removed by the old-data sweeper.",
	}, []string{"room_id"})
)

func init() {
	prometheus.MustRegister(
		WriteTxnDuration,
		CryptoFsyncDuration,
		SyncApplyDuration,
		DecodeFailures,
		SweepDeleted,
	)
}

// ObserveSince records the elapsed time since start against h, labeled by
// the given label values, in a single call site.
func ObserveSince(h *prometheus.HistogramVec, start time.Time, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
}
