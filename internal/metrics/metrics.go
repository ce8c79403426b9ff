// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// FillingAttempts counts order_send attempts by operation, filling mode
	// and outcome.
	FillingAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5bridge_filling_attempts_total",
		Help: "Order submission attempts by operation, filling mode and outcome.",
	}, []string{"op", "filling", "outcome"})

	// Orders counts completed order operations by result.
	Orders = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5bridge_orders_total",
		Help: "Order operations by operation and result.",
	}, []string{"op", "result"})

	// SessionSwitches counts terminal logins performed to change accounts.
	SessionSwitches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5bridge_session_switches_total",
		Help: "Terminal logins performed to switch accounts, by result.",
	}, []string{"result"})

	// CurrentLogin is the login the terminal is authenticated as.
	CurrentLogin = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mt5bridge_terminal_login",
		Help: "Login currently authenticated on the shared terminal.",
	})

	// DecryptHops counts credential cipher attempts by cipher and result.
	DecryptHops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mt5bridge_credential_cipher_total",
		Help: "Credential cipher attempts by cipher, operation and result.",
	}, []string{"cipher", "op", "result"})

	// RequestDurations observes HTTP handler latency.
	RequestDurations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mt5bridge_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status.",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"route", "status"})

	// StreamClients is the number of connected websocket clients.
	StreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mt5bridge_stream_clients",
		Help: "Connected websocket stream clients.",
	})
)

func init() {
	prometheus.MustRegister(
		FillingAttempts,
		Orders,
		SessionSwitches,
		CurrentLogin,
		DecryptHops,
		RequestDurations,
		StreamClients,
	)
}
