package strategy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_strategy_ticks_total",
		Help: "Ticks accepted for evaluation, by symbol.",
	}, []string{"symbol"})

	ticksConflated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_strategy_ticks_conflated_total",
		Help: "Ticks replaced by a newer one before evaluation, by symbol.",
	}, []string{"symbol"})

	evalsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_strategy_evals_dropped_total",
		Help: "Evaluations dropped on worker-pool saturation, by strategy.",
	}, []string{"strategy"})

	signalsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_strategy_signals_total",
		Help: "Signals emitted past admission, by strategy.",
	}, []string{"strategy"})

	signalsBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_strategy_signals_blocked_total",
		Help: "Signals blocked at admission, by strategy and reason.",
	}, []string{"strategy", "reason"})
)
