package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archer_forward_ops_total",
		Help: "Total number of forward (log-sum) lane recursions",
	}, []string{"variant"})

	viterbiOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archer_viterbi_ops_total",
		Help: "Total number of Viterbi lane recursions",
	}, []string{"variant"})

	lossOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archer_loss_ops_total",
		Help: "Total number of loss lane computations",
	}, []string{"variant"})

	greedyOps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archer_greedy_decode_ops_total",
		Help: "Total number of greedy decode lane passes",
	})
)
