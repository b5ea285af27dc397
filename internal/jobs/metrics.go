package jobs

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/blockio/internal/model"
)

var jobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "blockio_jobs_total",
		Help: "Total finished jobs by final status.",
	},
	[]string{"kind", "status"},
)

func init() {
	prometheus.MustRegister(jobsTotal)
	for _, k := range []string{model.KindCopy, model.KindChecksum, model.KindVerify} {
		for _, s := range []string{model.StatusCompleted, model.StatusFailed} {
			jobsTotal.WithLabelValues(k, s)
		}
	}
}
