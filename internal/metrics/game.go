package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	GameStatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldbattery_game_status_transitions_total",
			Help: "Total number of active game status changes by target state",
		},
		[]string{"state"},
	)

	GameLaunchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldbattery_game_launch_failures_total",
			Help: "Total number of failed game launches by step",
		},
		[]string{"step"},
	)

	GameConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shieldbattery_game_connections",
			Help: "Current number of game processes connected to the manager",
		},
	)
)

func initGame() {
	prometheus.MustRegister(
		GameStatusTransitions,
		GameLaunchFailures,
		GameConnections,
	)
}
