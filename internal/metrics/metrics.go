// Package metrics exposes Prometheus collectors for the usage gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TokensAccumulated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "usage_tokens_accumulated_total",
		Help: "Tokens settled into usage ledgers, by token class.",
	}, []string{"class"}) // "input" or "output"

	CostAccumulated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usage_cost_eur_total",
		Help: "Estimated cost settled into usage ledgers, in EUR.",
	})

	AccumulateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_accumulate_failures_total",
		Help: "Ledger accumulate calls that failed on both the atomic and fallback paths.",
	})

	RequestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_requests_rejected_total",
		Help: "Chat requests rejected before any provider call, by reason.",
	}, []string{"reason"}) // "no_plan", "hard_limit", "rate_limited"

	StreamsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_streams_in_flight",
		Help: "Currently open response streams.",
	})

	SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "usage_sessions_ended_total",
		Help: "Usage sessions transitioned to ENDED.",
	})

	MeterEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_meter_events_total",
		Help: "Metered-usage events reported to the billing provider, by outcome.",
	}, []string{"outcome"}) // "ok", "failed", "retried"
)
