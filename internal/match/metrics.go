package match

import "github.com/prometheus/client_golang/prometheus"

// queryLatency records end-to-end similarity query duration (embed + search).
// Buckets are tuned around the 1s hard timeout.
var queryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
	Name:    "similarity_query_duration_seconds",
	Help:    "Duration of similarity matcher queries in seconds.",
	Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5},
})

func init() {
	prometheus.MustRegister(queryLatency)
}
