package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	startTime = time.Now()

	Uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "shieldbattery_uptime_seconds",
			Help: "Server uptime in seconds",
		}, func() float64 {
			return time.Since(startTime).Seconds()
		})

	ConnectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shieldbattery_pubsub_connected_clients",
			Help: "Current number of clients subscribed over websocket",
		})

	ConnectionErrs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shieldbattery_pubsub_connection_errors_total",
			Help: "Number of websocket connection errors",
		})

	MessagesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldbattery_pubsub_messages_published_total",
			Help: "Total number of messages published by topic",
		},
		[]string{"topic"},
	)

	FailedMessageSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shieldbattery_pubsub_failed_message_sends_total",
			Help: "Total number of failed message sends by reason",
		},
		[]string{"reason"},
	)
)

var registerOnce sync.Once

// Init registers every collector of the package with the default registry.
// It is safe to call more than once.
func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Uptime,
			ConnectedClients,
			ConnectionErrs,
			MessagesPublished,
			FailedMessageSends,
		)
		initRallyPoint()
		initRelay()
		initGame()
	})
}
