package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aglink",
		Name:      "gateway_requests_total",
		Help:      "API requests handled, by endpoint.",
	}, []string{"endpoint"})
	metricWSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aglink",
		Name:      "gateway_event_clients",
		Help:      "Connected event-stream WebSocket clients.",
	})
)
