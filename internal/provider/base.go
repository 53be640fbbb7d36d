package provider

import (
	"context"
	"time"

	"github.com/tensegrity-ai/pidgin/internal/backoff"
	"github.com/tensegrity-ai/pidgin/internal/metrics"
)

// Policy is the backoff contract every vendor provider retries under:
// base 1s, factor 2, capped at 60s, with the teacher's additive jitter
// formula at Jitter=0.5 (see SPEC_FULL.md's retry jitter resolution).
func Policy() backoff.BackoffPolicy {
	return backoff.BackoffPolicy{
		InitialMs: float64(RetryInitialDelay.Milliseconds()),
		MaxMs:     float64(RetryMaxDelay.Milliseconds()),
		Factor:    RetryFactor,
		Jitter:    RetryJitter,
	}
}

// BaseProvider holds the retry machinery shared by every vendor
// implementation. Vendor providers embed it and call Retry around the
// single non-streaming part of a call (establishing the connection /
// opening the stream); once bytes are flowing, a mid-stream failure is
// surfaced as a Chunk.Err rather than retried transparently, since
// replaying a partially-streamed turn would duplicate content.
type BaseProvider struct {
	name        string
	maxAttempts int
	policy      backoff.BackoffPolicy
	metrics     *metrics.Metrics
}

// NewBaseProvider constructs a BaseProvider for the named vendor using
// Pidgin's default provider retry policy.
func NewBaseProvider(name string) BaseProvider {
	return BaseProvider{name: name, maxAttempts: RetryMaxAttempts, policy: Policy(), metrics: metrics.NewMetrics()}
}

// Retry runs op, retrying with backoff while classify(err) is
// retryable, up to maxAttempts total attempts.
func (b *BaseProvider) Retry(ctx context.Context, op func() error, classify func(error) ErrorKind) error {
	var lastErr error
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		kind := classify(err)
		if !kind.Retryable() || attempt >= b.maxAttempts {
			return err
		}
		b.metrics.RecordProviderRetry(b.name)

		delay := backoff.ComputeBackoff(b.policy, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
