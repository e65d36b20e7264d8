package execution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ordersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_orders_total",
		Help: "Executed orders by mode and final status.",
	}, []string{"mode", "status"})

	orderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "updown_order_latency_seconds",
		Help:    "Submit-to-ack latency.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"mode"})

	ordersShed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_orders_shed_total",
		Help: "Signals refused because the order manager was saturated.",
	})

	cancelsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_order_cancels_total",
		Help: "Cancel attempts by outcome.",
	}, []string{"outcome"})

	partialFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_order_partial_fills_total",
		Help: "Partial fill reports folded into orders.",
	})

	unknownResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_orders_unknown_resolved_total",
		Help: "UNKNOWN orders resolved by sweep, labeled by final status.",
	}, []string{"status"})

	priceBoundViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_order_price_violations_total",
		Help: "Exchange-reported fill prices outside the valid band, discarded.",
	})

	dbWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_order_db_write_failures_total",
		Help: "Order rows that failed to persist after an exchange-side success.",
	})
)
