package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aglink",
		Name:      "sends_total",
		Help:      "Full message exchanges, by terminal status (completed, failed, timed_out, error).",
	}, []string{"status"})
	metricSendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aglink",
		Name:      "send_duration_seconds",
		Help:      "End-to-end duration of full message exchanges.",
		Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
	})
	metricSubmitAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "aglink",
		Name:      "submit_attempts",
		Help:      "Send-control click attempts per submission.",
		Buckets:   []float64{1, 2, 3, 5, 10},
	})
)
