package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	PacketIn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shieldbattery_relay_packets_received_total",
			Help: "Total number of packets received by the relay",
		})

	PacketOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shieldbattery_relay_packets_sent_total",
			Help: "Total number of packets sent by the relay",
		})

	ActiveRoutes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shieldbattery_relay_active_routes",
			Help: "Current number of allocated routes",
		})

	BytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shieldbattery_relay_bytes_sent_total",
			Help: "Total bytes sent by the relay",
		},
	)

	BytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shieldbattery_relay_bytes_received_total",
			Help: "Total bytes received by the relay",
		},
	)

	PacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldbattery_relay_packets_dropped_total",
			Help: "Total number of packets dropped by the relay by reason",
		},
		[]string{"reason"},
	)

	StunRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shieldbattery_relay_stun_requests_total",
			Help: "Total number of STUN binding requests answered",
		},
	)

	RelayErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldbattery_relay_errors_total",
			Help: "Total number of relay errors by type",
		},
		[]string{"type"},
	)

	RouteLifetime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shieldbattery_relay_route_lifetime_seconds",
			Help:    "Lifetime of relay routes in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
	)
)

func initRelay() {
	prometheus.MustRegister(
		PacketIn,
		PacketOut,
		ActiveRoutes,
		BytesSent,
		BytesReceived,
		PacketsDropped,
		StunRequests,
		RelayErrors,
		RouteLifetime,
	)
}
