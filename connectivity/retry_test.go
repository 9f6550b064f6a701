package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	// WHAT: Transient failures are retried until success.
	// WHY: Network blips on a source must not fail the Run.
	calls, err := Retry(context.Background(), Policy{MaxRetries: 3, BaseBackoff: time.Millisecond}, nil,
		func(_ context.Context, attempt int) error {
			if attempt < 2 {
				return errors.New("connection reset")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: got %d, want 3", calls)
	}
}

func TestRetry_PermanentStopsImmediately(t *testing.T) {
	// WHAT: A Permanent error ends the loop and is returned unwrapped.
	// WHY: 4xx responses are never retried.
	notFound := errors.New("http 404")
	calls, err := Retry(context.Background(), Policy{MaxRetries: 5, BaseBackoff: time.Millisecond}, nil,
		func(context.Context, int) error { return Permanent(notFound) })
	if calls != 1 {
		t.Fatalf("calls: got %d, want 1", calls)
	}
	if !errors.Is(err, notFound) || IsPermanent(err) {
		t.Fatalf("error: got %v", err)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	// WHAT: The last error is returned after MaxRetries+1 calls.
	// WHY: Retry count is bounded.
	boom := errors.New("timeout")
	calls, err := Retry(context.Background(), Policy{MaxRetries: 2, BaseBackoff: time.Millisecond}, nil,
		func(context.Context, int) error { return boom })
	if calls != 3 || !errors.Is(err, boom) {
		t.Fatalf("got calls=%d err=%v", calls, err)
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	// WHAT: A cancelled context interrupts the backoff wait.
	// WHY: Job timeouts must cut retries short.
	ctx, cancel := context.WithCancel(context.Background())
	calls, _ := Retry(ctx, Policy{MaxRetries: 10, BaseBackoff: time.Hour}, nil,
		func(context.Context, int) error {
			cancel()
			return errors.New("fail")
		})
	if calls != 1 {
		t.Fatalf("calls: got %d, want 1", calls)
	}
}
