package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	generations *prometheus.CounterVec
	duration    prometheus.Histogram
	pruned      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "img2mesh",
			Name:      "generations_total",
			Help:      "Mesh generations by result stage.",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "img2mesh",
			Name:      "generation_duration_seconds",
			Help:      "Wall time of successful generations.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "img2mesh",
			Name:      "pruned_jobs_total",
			Help:      "Job directories removed by retention.",
		}),
	}
	reg.MustRegister(m.generations, m.duration, m.pruned)
	return m
}
