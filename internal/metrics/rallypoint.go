package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	LiveServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shieldbattery_rallypoint_live_servers",
			Help: "Current number of enabled and resolved relay servers",
		})

	PingUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shieldbattery_rallypoint_ping_updates_total",
			Help: "Total number of ping samples stored",
		})

	PingUpdatesIgnored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shieldbattery_rallypoint_ping_updates_ignored_total",
			Help: "Total number of ping samples ignored because the server is not live",
		})

	ResolveFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shieldbattery_rallypoint_resolve_failures_total",
			Help: "Total number of relay servers disabled after failing DNS resolution",
		})

	RoutesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldbattery_rallypoint_routes_created_total",
			Help: "Total number of routes created by relay server",
		},
		[]string{"server_id"},
	)

	RouteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldbattery_rallypoint_route_failures_total",
			Help: "Total number of failed route creations by reason",
		},
		[]string{"reason"},
	)

	RouteCreationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shieldbattery_rallypoint_route_creation_seconds",
			Help:    "Time taken by a relay server to allocate a route",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		},
	)
)

func initRallyPoint() {
	prometheus.MustRegister(
		LiveServers,
		PingUpdates,
		PingUpdatesIgnored,
		ResolveFailures,
		RoutesCreated,
		RouteFailures,
		RouteCreationLatency,
	)
}
