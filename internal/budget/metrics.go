package budget

import "github.com/prometheus/client_golang/prometheus"

var (
	sweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "budget_sweeps_total",
			Help: "Completed budget sweep passes.",
		},
	)

	alertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "budget_alerts_total",
			Help: "One-shot budget threshold alerts raised.",
		},
	)

	exceededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "budget_exceeded_total",
			Help: "Budgets marked exceeded with features disabled.",
		},
	)
)

func init() {
	prometheus.MustRegister(sweepsTotal, alertsTotal, exceededTotal)
}
