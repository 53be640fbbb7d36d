package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestNilMetricsMethodsDoNotPanic checks that every recording method is
// a safe no-op on a nil *Metrics. It does not call NewMetrics(), which
// registers with the default registry; the tests below use their own
// registries instead.
func TestNilMetricsMethodsDoNotPanic(t *testing.T) {
	var m *Metrics
	m.ConversationStarted("exp_1")
	m.ConversationEnded("exp_1", "completed")
	m.RecordProviderRetry("anthropic")
	m.RecordConvergence("exp_1", 0.5)
	m.RecordProviderRequest("anthropic", 1.2, 100, 200)
}

func TestConversationActiveGaugeIncDec(t *testing.T) {
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "test_conversations_active",
			Help: "test",
		},
		[]string{"experiment_id"},
	)
	registry.MustRegister(gauge)

	m := &Metrics{ConversationsActive: gauge}
	m.ConversationStarted("exp_1")
	m.ConversationStarted("exp_1")
	m.ConversationEnded("exp_1", "completed")

	expected := `
		# HELP test_conversations_active test
		# TYPE test_conversations_active gauge
		test_conversations_active{experiment_id="exp_1"} 1
	`
	if err := testutil.CollectAndCompare(gauge, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestProviderRetriesCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "test_provider_retries_total",
			Help: "test",
		},
		[]string{"vendor"},
	)
	registry.MustRegister(counter)

	m := &Metrics{ProviderRetriesTotal: counter}
	m.RecordProviderRetry("anthropic")
	m.RecordProviderRetry("anthropic")
	m.RecordProviderRetry("openai")

	if count := testutil.CollectAndCount(counter); count != 2 {
		t.Errorf("expected 2 label combinations, got %d", count)
	}

	expected := `
		# HELP test_provider_retries_total test
		# TYPE test_provider_retries_total counter
		test_provider_retries_total{vendor="anthropic"} 2
		test_provider_retries_total{vendor="openai"} 1
	`
	if err := testutil.CollectAndCompare(counter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestConvergenceScoreGaugeTracksLatest(t *testing.T) {
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "test_convergence_score",
			Help: "test",
		},
		[]string{"experiment_id"},
	)
	registry.MustRegister(gauge)

	m := &Metrics{ConvergenceScore: gauge}
	m.RecordConvergence("exp_1", 0.2)
	m.RecordConvergence("exp_1", 0.8)

	expected := `
		# HELP test_convergence_score test
		# TYPE test_convergence_score gauge
		test_convergence_score{experiment_id="exp_1"} 0.8
	`
	if err := testutil.CollectAndCompare(gauge, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordProviderRequestSkipsZeroTokenCounts(t *testing.T) {
	tokens := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_tokens_total", Help: "test"},
		[]string{"vendor", "kind"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "test_provider_request_duration_seconds", Help: "test"},
		[]string{"vendor"},
	)

	m := &Metrics{TokensTotal: tokens, ProviderRequestDuration: duration}
	m.RecordProviderRequest("anthropic", 0.5, 0, 50)

	if count := testutil.CollectAndCount(tokens); count != 1 {
		t.Errorf("expected only the completion label to be recorded, got %d series", count)
	}
}
