package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RateLimitDrops counts HTTP 429 responses by limiter key prefix.
	RateLimitDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_rate_limit_drops_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"prefix"})

	// EvaluationPasses counts tenant evaluation passes by outcome.
	EvaluationPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_evaluation_passes_total",
		Help: "Tenant evaluation passes by outcome",
	}, []string{"outcome"}) // ok, kill_switch, error

	// EvaluationDuration tracks how long one tenant pass takes.
	EvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adpilot_evaluation_duration_seconds",
		Help:    "Tenant evaluation pass duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// Candidates counts candidate actions by what happened to them.
	Candidates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_candidates_total",
		Help: "Candidate actions by result",
	}, []string{"result"}) // matched, cooldown, duplicate, created

	// CouncilConsultations counts consensus consultations by result.
	CouncilConsultations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_council_consultations_total",
		Help: "Consensus consultations by result",
	}, []string{"result"}) // markers, fallback, error, skipped

	// Executions counts approved action executions.
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_action_executions_total",
		Help: "Executed automation actions by action type and result",
	}, []string{"action", "result"})

	// DeadLetters counts dead-letter transitions.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_dead_letters_total",
		Help: "Dead-letter queue events",
	}, []string{"event"}) // enqueued, retried, resolved, abandoned

	// WebhookDeliveries counts inbound webhook deliveries by source and result.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adpilot_webhook_deliveries_total",
		Help: "Inbound webhook deliveries",
	}, []string{"source", "result"})
)

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	RateLimitDrops.WithLabelValues(prefix).Inc()
}
