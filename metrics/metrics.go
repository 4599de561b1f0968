// Package metrics holds the facilitator's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_verifications_total",
		Help: "Payment verifications, labeled by path and result reason",
	}, []string{"path", "result"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_settlements_total",
		Help: "Settlement attempts, labeled by path and final status",
	}, []string{"path", "status"})

	SettlementDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "x402_settlement_duration_seconds",
		Help:    "Latency distribution of settle calls",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"path"})

	ReplayFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "x402_replay_fallback_total",
		Help: "Replay checks answered by the local fallback because the shared store failed",
	})

	ReplayRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "x402_replay_rejections_total",
		Help: "Keys rejected because they were already consumed",
	})

	EscrowTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_escrow_transitions_total",
		Help: "Escrow state transitions, labeled by target status",
	}, []string{"status"})

	RateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "x402_rate_limited_total",
		Help: "Requests rejected by the rate guard, labeled by tier",
	}, []string{"tier"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "x402_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"method", "route", "status"})
)
