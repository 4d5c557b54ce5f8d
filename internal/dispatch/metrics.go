package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Dispatched requests by provider and terminal result.",
	}, []string{"provider", "result"})

	accountSwaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "dispatch",
		Name:      "account_swaps_total",
		Help:      "Account swaps during retry, by trigger.",
	}, []string{"provider", "trigger"})

	endpointFailovers = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "dispatch",
		Name:      "endpoint_failovers_total",
		Help:      "Endpoint advances within one request.",
	}, []string{"provider"})

	upstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "dispatch",
		Name:      "upstream_seconds",
		Help:      "Upstream call latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider"})

	accountsDisabled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "dispatch",
		Name:      "accounts_disabled_total",
		Help:      "Accounts disabled by the dispatch engine, by reason.",
	}, []string{"provider", "reason"})
)
