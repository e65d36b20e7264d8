package controls

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	killSwitchLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "updown_kill_switch_level",
		Help: "Current kill switch level (0=off 1=pause 2=flatten 3=emergency)",
	})
	controlChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "updown_control_changes_total",
		Help: "Operator control changes by control name",
	}, []string{"control"})
)
