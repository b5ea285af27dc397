package engine

import "github.com/prometheus/client_golang/prometheus"

// Metric label values.
const (
	roleReader = "reader"
	roleWriter = "writer"

	queueRequest = "request"
	queueResult  = "result"
	queueWrite   = "write"

	errKindRead          = "read"
	errKindUnexpectedEOF = "unexpected_eof"
	errKindWrite         = "write"
	errKindShortWrite    = "short_write"
)

var (
	chunksRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockio_engine_chunks_read_total",
			Help: "Total number of chunks fetched from backends.",
		},
	)

	chunksWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockio_engine_chunks_written_total",
			Help: "Total number of chunks written to backends.",
		},
	)

	bytesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockio_engine_bytes_read_total",
			Help: "Total bytes fetched from backends.",
		},
	)

	bytesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockio_engine_bytes_written_total",
			Help: "Total bytes written to backends.",
		},
	)

	readDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockio_engine_read_duration_seconds",
			Help:    "Duration of backend chunk reads, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	writeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blockio_engine_write_duration_seconds",
			Help:    "Duration of backend chunk writes, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	ioErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockio_engine_errors_total",
			Help: "Total number of per-chunk I/O failures by kind.",
		},
		[]string{"kind"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockio_engine_queue_depth",
			Help: "Number of messages waiting in engine queues, summed over open engines.",
		},
		[]string{"queue"},
	)

	busyWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "blockio_engine_busy_workers",
			Help: "Number of workers currently inside a backend call, by role.",
		},
		[]string{"role"},
	)
)

func init() {
	prometheus.MustRegister(chunksRead)
	prometheus.MustRegister(chunksWritten)
	prometheus.MustRegister(bytesRead)
	prometheus.MustRegister(bytesWritten)
	prometheus.MustRegister(readDuration)
	prometheus.MustRegister(writeDuration)
	prometheus.MustRegister(ioErrors)
	prometheus.MustRegister(queueDepth)
	prometheus.MustRegister(busyWorkers)

	for _, k := range []string{errKindRead, errKindUnexpectedEOF, errKindWrite, errKindShortWrite} {
		ioErrors.WithLabelValues(k)
	}
	for _, q := range []string{queueRequest, queueResult, queueWrite} {
		queueDepth.WithLabelValues(q)
	}
	busyWorkers.WithLabelValues(roleReader)
	busyWorkers.WithLabelValues(roleWriter)
}
