// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payintake_verifications_total",
		Help: "On-chain payment submissions by outcome",
	}, []string{"outcome"})

	ChainRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payintake_chain_request_duration_seconds",
		Help:    "Latency of JSON-RPC calls to the chain node",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payintake_notifications_total",
		Help: "Outbound payment notifications by channel and result",
	}, []string{"channel", "result"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payintake_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})

	Confirmations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payintake_payments_confirmed_total",
		Help: "Payments transitioned from pending to confirmed",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func Result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
