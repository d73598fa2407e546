package services

import "github.com/prometheus/client_golang/prometheus"

var decisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pipeline_decisions_total",
		Help: "Terminal pipeline decisions, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(decisionsTotal)
}
