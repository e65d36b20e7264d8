package position

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	positionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_positions_opened_total",
		Help: "Positions opened, by symbol.",
	}, []string{"symbol"})

	positionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_positions_closed_total",
		Help: "Positions closed, by symbol and exit reason.",
	}, []string{"symbol", "reason"})

	openPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "updown_open_positions",
		Help: "Positions currently tracked as open.",
	})

	sessionRealized = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "updown_session_realized_pnl_usd",
		Help: "Realized PnL accumulated since process start.",
	})

	exitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_position_exit_failures_total",
		Help: "Exit orders that failed to place, by reason.",
	}, []string{"reason"})
)
