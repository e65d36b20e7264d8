package exchange

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_exchange_requests_total",
		Help: "Exchange API calls by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	requestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "updown_exchange_request_seconds",
		Help:    "Exchange API call latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

func observe(endpoint string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	requestsTotal.WithLabelValues(endpoint, outcome).Inc()
	requestSeconds.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
