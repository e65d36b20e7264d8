package feeds

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	feedUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_feed_updates_total",
		Help: "Price updates received, by source and symbol.",
	}, []string{"source", "symbol"})

	droppedUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_feed_dropped_total",
		Help: "Updates dropped on subscriber backpressure, by source.",
	}, []string{"source"})

	wsReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_feed_ws_reconnects_total",
		Help: "WebSocket reconnect attempts, by source.",
	}, []string{"source"})
)
