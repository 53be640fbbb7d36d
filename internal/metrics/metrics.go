// Package metrics is Pidgin's small Prometheus registry, grounded on
// the same promauto-singleton pattern the teacher uses for its canvas
// viewer metrics: one package-level instance, nil-safe methods so a
// caller that never wired a *Metrics can call them unconditionally.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every gauge/counter/histogram Pidgin exposes at the
// daemon's /metrics endpoint.
type Metrics struct {
	// ConversationsActive tracks conversations currently running.
	// Labels: experiment_id
	ConversationsActive *prometheus.GaugeVec

	// ProviderRetriesTotal counts provider retries by vendor.
	// Labels: vendor
	ProviderRetriesTotal *prometheus.CounterVec

	// ConvergenceScore is the most recent per-turn convergence score.
	// Labels: experiment_id
	ConvergenceScore *prometheus.GaugeVec

	// ProviderRequestDuration measures provider call latency, the
	// requests/sec-per-vendor data the original's rate monitor
	// dashboard displayed.
	// Labels: vendor
	ProviderRequestDuration *prometheus.HistogramVec

	// TokensTotal tracks token consumption by vendor and kind, the
	// original rate monitor's tokens/sec-per-vendor data.
	// Labels: vendor, kind (prompt|completion)
	TokensTotal *prometheus.CounterVec

	// ConversationsTotal counts conversations by terminal outcome.
	// Labels: experiment_id, outcome (completed|failed|interrupted)
	ConversationsTotal *prometheus.CounterVec
}

var (
	once     sync.Once
	instance *Metrics
)

// NewMetrics returns the process-wide Metrics instance, registering
// every collector with Prometheus's default registry on first call.
func NewMetrics() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			ConversationsActive: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "pidgin_conversations_active",
					Help: "Current number of running conversations by experiment",
				},
				[]string{"experiment_id"},
			),
			ProviderRetriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pidgin_provider_retries_total",
					Help: "Total number of provider call retries by vendor",
				},
				[]string{"vendor"},
			),
			ConvergenceScore: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "pidgin_convergence_score",
					Help: "Most recent per-turn convergence score by experiment",
				},
				[]string{"experiment_id"},
			),
			ProviderRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "pidgin_provider_request_duration_seconds",
					Help:    "Duration of provider streaming calls in seconds",
					Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
				},
				[]string{"vendor"},
			),
			TokensTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pidgin_tokens_total",
					Help: "Total number of tokens used by vendor and kind",
				},
				[]string{"vendor", "kind"},
			),
			ConversationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "pidgin_conversations_total",
					Help: "Total number of conversations by terminal outcome",
				},
				[]string{"experiment_id", "outcome"},
			),
		}
	})
	return instance
}

// ConversationStarted increments the active-conversations gauge for
// experimentID.
func (m *Metrics) ConversationStarted(experimentID string) {
	if m == nil || m.ConversationsActive == nil {
		return
	}
	m.ConversationsActive.WithLabelValues(experimentID).Inc()
}

// ConversationEnded decrements the active-conversations gauge and
// records the terminal outcome.
func (m *Metrics) ConversationEnded(experimentID, outcome string) {
	if m == nil {
		return
	}
	if m.ConversationsActive != nil {
		m.ConversationsActive.WithLabelValues(experimentID).Dec()
	}
	if m.ConversationsTotal != nil {
		m.ConversationsTotal.WithLabelValues(experimentID, outcome).Inc()
	}
}

// RecordProviderRetry increments the retry counter for vendor, called
// by the provider retry wrapper each time it decides to retry rather
// than surface the error.
func (m *Metrics) RecordProviderRetry(vendor string) {
	if m == nil || m.ProviderRetriesTotal == nil {
		return
	}
	m.ProviderRetriesTotal.WithLabelValues(vendor).Inc()
}

// RecordConvergence sets the latest convergence score for an
// experiment.
func (m *Metrics) RecordConvergence(experimentID string, score float64) {
	if m == nil || m.ConvergenceScore == nil {
		return
	}
	m.ConvergenceScore.WithLabelValues(experimentID).Set(score)
}

// RecordProviderRequest records one provider call's latency and token
// usage.
func (m *Metrics) RecordProviderRequest(vendor string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	if m.ProviderRequestDuration != nil {
		m.ProviderRequestDuration.WithLabelValues(vendor).Observe(durationSeconds)
	}
	if m.TokensTotal == nil {
		return
	}
	if promptTokens > 0 {
		m.TokensTotal.WithLabelValues(vendor, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.TokensTotal.WithLabelValues(vendor, "completion").Add(float64(completionTokens))
	}
}
