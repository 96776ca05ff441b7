package nl2sql

import (
	"context"
	"errors"
	"net"
	"time"
)

type retryingModel struct {
	next     Model
	attempts int
	backoff  time.Duration
}

// WithRetry retries transport failures and retryable provider statuses up
// to attempts total tries, doubling backoff between tries. It never sleeps
// past the context deadline.
func WithRetry(model Model, attempts int, backoff time.Duration) Model {
	if attempts <= 1 {
		return model
	}
	return &retryingModel{next: model, attempts: attempts, backoff: backoff}
}

func (m *retryingModel) Name() string {
	return m.next.Name()
}

func (m *retryingModel) Complete(ctx context.Context, prompt Prompt) (Completion, error) {
	wait := m.backoff
	var lastErr error
	for attempt := 1; attempt <= m.attempts; attempt++ {
		completion, err := m.next.Complete(ctx, prompt)
		if err == nil {
			return completion, nil
		}
		lastErr = err
		if attempt == m.attempts || !isRetryable(err) {
			break
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= wait {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Completion{}, lastErr
		case <-timer.C:
		}
		wait *= 2
	}
	return Completion{}, lastErr
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
