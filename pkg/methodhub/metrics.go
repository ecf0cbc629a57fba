package methodhub

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	invocations *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "methodhub",
				Name:      "invocations_total",
				Help:      "Direct method invocations by route and status",
			},
			[]string{"route", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "methodhub",
				Name:      "invocation_duration_seconds",
				Help:      "Time taken to answer a direct method invocation",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
	reg.MustRegister(m.invocations, m.latency)
	return m
}

func (m *metrics) observe(route string, status int, seconds float64) {
	m.invocations.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(seconds)
}
