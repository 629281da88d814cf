package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygen_generations_total",
			Help: "Total number of SQL generations by outcome.",
		},
		[]string{"outcome"},
	)
	generationLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "querygen_generation_latency_ms",
			Help:    "End-to-end generation latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 20000, 30000},
		},
	)
	llmAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygen_llm_attempts_total",
			Help: "Total number of chat completion attempts by model and result.",
		},
		[]string{"model", "result"},
	)
	llmAttemptLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querygen_llm_attempt_duration_seconds",
			Help:    "Chat completion attempt latency by model.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30},
		},
		[]string{"model"},
	)
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygen_jobs_total",
			Help: "Total number of processed generation jobs by outcome.",
		},
		[]string{"outcome"},
	)
	jobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querygen_jobs_queued",
			Help: "Current number of queued generation jobs.",
		},
	)
	jobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querygen_jobs_running",
			Help: "Current number of running generation jobs.",
		},
	)
	auditFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querygen_audit_flushes_total",
			Help: "Total number of audit batch flushes by status.",
		},
		[]string{"status"},
	)
	auditRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygen_audit_records_total",
			Help: "Total number of audit records written to object storage.",
		},
	)
	auditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querygen_audit_records_dropped_total",
			Help: "Total number of audit records dropped because the pending buffer was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		generationsTotal,
		generationLatencyMs,
		llmAttemptsTotal,
		llmAttemptLatencySeconds,
		jobsTotal,
		jobsQueued,
		jobsRunning,
		auditFlushesTotal,
		auditRecordsTotal,
		auditDroppedTotal,
	)
}

func ObserveGeneration(outcome string, elapsed time.Duration) {
	generationsTotal.WithLabelValues(outcome).Inc()
	generationLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveLLMAttempt(model, result string, elapsed time.Duration) {
	llmAttemptsTotal.WithLabelValues(model, result).Inc()
	llmAttemptLatencySeconds.WithLabelValues(model).Observe(elapsed.Seconds())
}

func IncrementJobOutcome(outcome string) {
	jobsTotal.WithLabelValues(outcome).Inc()
}

func SetJobQueueMetrics(queued, running int64) {
	if queued < 0 {
		queued = 0
	}
	if running < 0 {
		running = 0
	}
	jobsQueued.Set(float64(queued))
	jobsRunning.Set(float64(running))
}

func ObserveAuditFlush(records int, err error) {
	if err != nil {
		auditFlushesTotal.WithLabelValues("error").Inc()
		return
	}
	auditFlushesTotal.WithLabelValues("ok").Inc()
	if records > 0 {
		auditRecordsTotal.Add(float64(records))
	}
}

func AddAuditDropped(records int) {
	if records > 0 {
		auditDroppedTotal.Add(float64(records))
	}
}
