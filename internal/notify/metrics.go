package notify

import "github.com/prometheus/client_golang/prometheus"

var (
	sentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_notifications_sent_total",
			Help: "Push notifications delivered, by provider.",
		},
		[]string{"provider"},
	)

	prunedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_tokens_pruned_total",
			Help: "Device tokens deactivated after a provider reported them invalid.",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(sentTotal, prunedTotal)
}
