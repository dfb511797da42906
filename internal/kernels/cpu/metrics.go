package cpu

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	kernelInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aiter_cpu_kernel_invocations_total",
		Help: "Total number of CPU kernel invocations",
	}, []string{"kernel"})

	kernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aiter_cpu_kernel_duration_seconds",
		Help:    "Duration of CPU kernel invocations",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"kernel"})

	gemmReducePasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aiter_cpu_gemm_reduce_passes_total",
		Help: "Total number of split-K accumulation passes",
	})

	scratchHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aiter_cpu_scratch_pool_hits_total",
		Help: "Total number of successful scratch buffer pool retrievals",
	})

	scratchMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aiter_cpu_scratch_pool_misses_total",
		Help: "Total number of scratch buffer pool misses (allocations)",
	})
)

func observe(kernel string, start time.Time) {
	kernelInvocations.WithLabelValues(kernel).Inc()
	kernelDuration.WithLabelValues(kernel).Observe(time.Since(start).Seconds())
}
