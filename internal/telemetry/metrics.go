package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Исходы вызова стадии.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

var (
	stageInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_stage_invocations_total",
		Help: "Stage executions by final outcome",
	}, []string{"stage", "outcome"})

	stageAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_stage_attempts_total",
		Help: "Agent calls made per stage, retries included",
	}, []string{"stage"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tandem_stage_duration_seconds",
		Help:    "Stage duration including retries",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"stage"})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_runs_total",
		Help: "Finished runs by terminal status",
	}, []string{"status"})

	// HTTPRequests — запросы к API (по маршруту и коду ответа).
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_api_http_requests_total",
		Help: "Total HTTP requests handled by tandem-api",
	}, []string{"method", "code"})
)

// ObserveStage фиксирует завершение стадии.
func ObserveStage(stage, outcome string, d time.Duration) {
	stageInvocations.WithLabelValues(stage, outcome).Inc()
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveAttempt фиксирует один вызов агента.
func ObserveAttempt(stage string) {
	stageAttempts.WithLabelValues(stage).Inc()
}

// ObserveRun фиксирует завершение run.
func ObserveRun(status string) {
	runsTotal.WithLabelValues(status).Inc()
}
