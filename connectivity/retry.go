// Package connectivity provides the bounded retry loop shared by outbound
// HTTP callers (the source fetcher and the webhook notifier).
package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxRetries is the number of extra attempts after the first. 0 = no retry.
	MaxRetries int
	// BaseBackoff is the wait before the first retry, doubled each attempt.
	BaseBackoff time.Duration
	// MaxBackoff caps a single wait. 0 = uncapped.
	MaxBackoff time.Duration
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Retry calls fn until it succeeds, returns a Permanent error, the attempts
// are exhausted or ctx is done. attempt starts at 0. The returned count is
// the number of calls made.
func Retry(ctx context.Context, p Policy, logger *slog.Logger, fn func(ctx context.Context, attempt int) error) (int, error) {
	var lastErr error
	calls := 0
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		calls++
		err := fn(ctx, attempt)
		if err == nil {
			return calls, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return calls, perm.err
		}
		if ctx.Err() != nil || attempt == p.MaxRetries {
			break
		}

		wait := p.BaseBackoff * (1 << uint(attempt))
		if p.MaxBackoff > 0 && wait > p.MaxBackoff {
			wait = p.MaxBackoff
		}
		if logger != nil {
			logger.WarnContext(ctx, "connectivity: retrying call",
				"attempt", attempt+1,
				"max_retries", p.MaxRetries,
				"backoff_ms", wait.Milliseconds(),
				"error", err)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return calls, lastErr
		case <-t.C:
		}
	}
	return calls, lastErr
}
