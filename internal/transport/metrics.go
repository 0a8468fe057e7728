package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	connectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sync",
		Subsystem: "transport",
		Name:      "connected_peers",
		Help:      "Peers currently attached to the gateway.",
	})

	messagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "transport",
		Name:      "messages_sent_total",
		Help:      "Outbound messages per kind and channel.",
	}, []string{"kind", "channel"})

	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "transport",
		Name:      "messages_received_total",
		Help:      "Inbound messages per kind.",
	}, []string{"kind"})

	messagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "transport",
		Name:      "messages_dropped_total",
		Help:      "Messages shed by reason.",
	}, []string{"reason"})

	faultDelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "transport",
		Name:      "fault_delayed_total",
		Help:      "Messages deferred by simulated latency.",
	})

	faultDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "transport",
		Name:      "fault_dropped_total",
		Help:      "Messages discarded by simulated packet loss.",
	})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(connectedPeers, messagesSent, messagesReceived, messagesDropped, faultDelayed, faultDropped)
	})
}
