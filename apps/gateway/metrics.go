package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Connections   prometheus.Gauge
	Subscriptions prometheus.Gauge
	Changes       *prometheus.CounterVec
	Deliveries    prometheus.Counter
	Dropped       prometheus.Counter
	Rejected      prometheus.Counter
}

// NewMetrics creates the gateway collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections",
			Help: "Open websocket connections.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_subscriptions",
			Help: "Live relation subscriptions across all connections.",
		}),
		Changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_feed_changes_total",
			Help: "Changes read from the feed, by relation.",
		}, []string{"relation"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_deliveries_total",
			Help: "Change frames queued to subscribers.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_slow_clients_dropped_total",
			Help: "Connections closed because their send buffer was full.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_subscriptions_rejected_total",
			Help: "Subscribe frames refused by authorization.",
		}),
	}
	reg.MustRegister(m.Connections, m.Subscriptions, m.Changes, m.Deliveries, m.Dropped, m.Rejected)
	return m
}
