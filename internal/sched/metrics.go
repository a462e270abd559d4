package sched

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lanesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archer_lanes_processed_total",
		Help: "Total number of lanes completed successfully",
	}, []string{"op"})

	lanesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archer_lanes_failed_total",
		Help: "Total number of lanes that failed validation or alignment",
	}, []string{"op"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archer_batch_duration_seconds",
		Help:    "Wall-clock time per batch invocation",
		Buckets: prometheus.DefBuckets,
	})
)
