package remote

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for request results.
const (
	resultOK    = "ok"
	resultError = "error"
)

var (
	dialDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockio_remote_dial_seconds",
			Help:    "Time to establish a connection to a volume server, including retries, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockio_remote_request_seconds",
			Help:    "Round-trip time of volume server requests, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockio_remote_requests_total",
			Help: "Total number of volume server requests by op and result.",
		},
		[]string{"op", "result"},
	)
)

func init() {
	prometheus.MustRegister(dialDuration)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(requestsTotal)

	for _, op := range []string{OpOpenRead, OpOpenWrite, OpRead, OpWrite, OpSize, OpClose} {
		requestsTotal.WithLabelValues(op, resultOK)
		requestsTotal.WithLabelValues(op, resultError)
	}
}
