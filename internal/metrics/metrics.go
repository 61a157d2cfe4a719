// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus collectors of the presence service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	wsConnection = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_ws_connection",
		Help: "WebSocket connection outcomes by status",
	}, []string{"status"})

	// WsConnectionTotal tracks currently open WebSocket connections.
	WsConnectionTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_ws_connection_total",
		Help: "WebSocket connections currently open",
	})

	// AuthzTime observes authorization request latency.
	AuthzTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "presence_authz_time_seconds",
		Help: "Authorization request latency",
	})

	// BrokerSubscriptions tracks active upstream classroom subscriptions.
	BrokerSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_broker_subscriptions",
		Help: "Active upstream classroom subscriptions",
	})
)

// IncConnectionSuccess records a successfully established connection.
func IncConnectionSuccess() {
	wsConnection.WithLabelValues("success").Inc()
}

// IncConnectionError records a connection that failed to establish.
func IncConnectionError() {
	wsConnection.WithLabelValues("error").Inc()
}

// ObserveAuthz records one authorization round trip.
func ObserveAuthz(d time.Duration) {
	AuthzTime.Observe(d.Seconds())
}
