package devtools

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aglink",
		Name:      "devtools_connection_state",
		Help:      "Current devtools connection state (0 disconnected, 1 connecting, 2 connected).",
	})
	metricCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aglink",
		Name:      "devtools_calls_total",
		Help:      "Correlated RPC calls issued, by method.",
	}, []string{"method"})
	metricCallFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aglink",
		Name:      "devtools_call_failures_total",
		Help:      "RPC call failures, by reason (timeout, peer, closed, canceled).",
	}, []string{"reason"})
	metricPendingCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aglink",
		Name:      "devtools_pending_calls",
		Help:      "In-flight correlated calls awaiting a response.",
	})
)
