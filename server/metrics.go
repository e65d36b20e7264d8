package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	wsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "updown_ws_clients",
		Help: "Connected dashboard clients",
	})
	wsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "updown_ws_dropped_envelopes_total",
		Help: "Envelopes dropped because the broadcast queue was full",
	})
)
