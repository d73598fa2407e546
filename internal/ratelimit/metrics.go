package ratelimit

import "github.com/prometheus/client_golang/prometheus"

var (
	deniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "action_rate_denied_total",
			Help: "Automated actions denied by the persistent rate limiter.",
		},
		[]string{"operation_kind"},
	)

	warningsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "action_rate_warnings_total",
			Help: "One-shot rate window warnings emitted at 80% usage.",
		},
		[]string{"operation_kind", "window_kind"},
	)

	failOpenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "action_rate_fail_open_total",
			Help: "Rate counter reads that failed and were treated as zero usage.",
		},
	)
)

func init() {
	prometheus.MustRegister(deniedTotal, warningsTotal, failOpenTotal)
}
