package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	rebases        *prometheus.CounterVec
	duration       prometheus.Histogram
	updatesApplied prometheus.Counter
	activeLanes    prometheus.Gauge
	replays        prometheus.Counter
	evictions      prometheus.Counter
	receiveErrors  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		rebases: f.NewCounterVec(prometheus.CounterOpts{
			Name: "snapgraph_rebase_total",
			Help: "Rebases by final state",
		}, []string{"state"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "snapgraph_rebase_duration_seconds",
			Help:    "Time from dequeue to reply",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}),
		updatesApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "snapgraph_rebase_updates_applied_total",
			Help: "Updates applied after correction",
		}),
		activeLanes: f.NewGauge(prometheus.GaugeOpts{
			Name: "snapgraph_rebase_active_lanes",
			Help: "Change sets with a rebase queued or running",
		}),
		replays: f.NewCounter(prometheus.CounterOpts{
			Name: "snapgraph_rebase_replays_total",
			Help: "HEAD updates forwarded to open change sets",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "snapgraph_snapshots_evicted_total",
			Help: "Superseded snapshots deleted",
		}),
		receiveErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "snapgraph_queue_receive_errors_total",
			Help: "Failed queue receives",
		}),
	}
}
