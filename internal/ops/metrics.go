package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aiter_op_dispatch_total",
		Help: "Total number of operation dispatches through the binding surface",
	}, []string{"op"})

	opErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aiter_op_errors_total",
		Help: "Total number of operation dispatches that returned an error",
	}, []string{"op"})

	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aiter_op_duration_seconds",
		Help:    "Duration of operation dispatches including kernel time",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})
)
