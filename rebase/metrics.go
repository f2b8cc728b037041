package rebase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rebasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebaser_rebases_total",
		Help: "Requests processed, by outcome",
	}, []string{"outcome"})

	rebaseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rebaser_rebase_duration_seconds",
		Help:    "Time to correct, apply and persist one batch",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rebaser_active_workers",
		Help: "Change sets with a running worker",
	})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebaser_retries_total",
		Help: "Requests left queued after a transient failure",
	})

	deadLettersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebaser_dead_letters_total",
		Help: "Requests moved to the dead letters",
	})

	replaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebaser_replays_total",
		Help: "Head batches replayed onto open change sets",
	})

	snapshotsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebaser_snapshots_evicted_total",
		Help: "Unreferenced snapshots deleted from the blob store",
	})

	snapshotCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rebaser_snapshot_cache_lookups_total",
		Help: "Decoded snapshot cache lookups, by result",
	}, []string{"result"})

	actionsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rebaser_actions_dispatched_total",
		Help: "Actions moved from Queued to Dispatched on a workspace head",
	})
)
