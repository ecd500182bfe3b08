package netcore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agroflow",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Upstream HTTP request attempts by source.",
	}, []string{"source"})

	metricRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agroflow",
		Subsystem: "http",
		Name:      "retries_total",
		Help:      "Transient failures that triggered a retry, by source.",
	}, []string{"source"})
)
