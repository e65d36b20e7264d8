package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	engineUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "updown_engine_up",
		Help: "1 while the engine is running, labeled by trading mode at start.",
	}, []string{"mode"})

	ticksBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_ticks_built_total",
		Help: "Composed strategy ticks per symbol.",
	}, []string{"symbol"})

	tickSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_tick_skips_total",
		Help: "Tick builds skipped per symbol and missing ingredient.",
	}, []string{"symbol", "reason"})

	instrumentRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_instrument_refreshes_total",
		Help: "Window market discovery attempts by symbol and outcome.",
	}, []string{"symbol", "outcome"})

	signalsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_signals_handled_total",
		Help: "Admitted signals by strategy and handling outcome.",
	}, []string{"strategy", "outcome"})
)
