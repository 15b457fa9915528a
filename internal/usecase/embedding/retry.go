package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/edufind-cloud/studyrag/internal/domain"
)

// RetryPolicy bounds the retry loop around provider calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryingEmbedder retries transient provider failures with exponential
// backoff. Permanent failures (quota exceeded, context cancellation) are
// returned immediately.
type RetryingEmbedder struct {
	inner  domain.Embedder
	policy RetryPolicy
	logger *zap.Logger
}

// NewRetryingEmbedder wraps an embedder with the given retry policy.
func NewRetryingEmbedder(inner domain.Embedder, policy RetryPolicy, logger *zap.Logger) *RetryingEmbedder {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &RetryingEmbedder{inner: inner, policy: policy, logger: logger}
}

// Embed implements domain.Embedder.
func (r *RetryingEmbedder) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	var result domain.EmbeddingResult
	err := r.retry(ctx, func() error {
		var innerErr error
		result, innerErr = r.inner.Embed(ctx, text)
		return innerErr
	})
	if err != nil {
		return domain.EmbeddingResult{}, err
	}
	return result, nil
}

// BatchEmbed implements domain.BatchEmbedder.
func (r *RetryingEmbedder) BatchEmbed(ctx context.Context, texts []string) (domain.BatchEmbeddingResult, error) {
	var result domain.BatchEmbeddingResult
	err := r.retry(ctx, func() error {
		var innerErr error
		if be, ok := r.inner.(domain.BatchEmbedder); ok {
			result, innerErr = be.BatchEmbed(ctx, texts)
		} else {
			result, innerErr = domain.BatchFallback(ctx, r.inner, texts)
		}
		return innerErr
	})
	if err != nil {
		return domain.BatchEmbeddingResult{}, err
	}
	return result, nil
}

func (r *RetryingEmbedder) retry(ctx context.Context, call func() error) error {
	var lastErr error

	delay := r.policy.BaseDelay
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		lastErr = call()
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		if attempt == r.policy.MaxAttempts {
			break
		}

		r.logger.Warn("Transient embedding failure, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-timer.C:
		}

		delay *= 2
		if r.policy.MaxDelay > 0 && delay > r.policy.MaxDelay {
			delay = r.policy.MaxDelay
		}
	}

	return fmt.Errorf("after %d attempts: %w", r.policy.MaxAttempts, lastErr)
}

// IsTransient reports whether a provider error is worth retrying.
// Rate limits and provider-side failures are transient; quota exhaustion
// and context cancellation are not.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, domain.ErrEmbeddingQuotaExceeded) {
		return false
	}
	return errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrEmbeddingProvider) ||
		errors.Is(err, domain.ErrGeneration)
}
