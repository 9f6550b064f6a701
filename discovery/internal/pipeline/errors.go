package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/pricewatch/discovery/internal/fetch"
	"github.com/hazyhaar/pricewatch/discovery/internal/rules"
	"github.com/hazyhaar/pricewatch/discovery/internal/store"
	"github.com/hazyhaar/pricewatch/horosafe"
)

// Fetch error kinds recorded as the run's error_kind.
const (
	KindRobots    = "robots"
	KindBlocked   = "blocked"
	KindHTTP      = "http"
	KindTooLarge  = "too_large"
	KindTimeout   = "timeout"
	KindTransport = "transport"
)

// FetchError is a failed retrieval: timeout, connection failure, robots
// refusal or a non-2xx status after retries.
type FetchError struct {
	Kind       string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("pipeline: fetch %s (http %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("pipeline: fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func newFetchError(err error) *FetchError {
	fe := &FetchError{Kind: KindTransport, Err: err}
	var se *fetch.StatusError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		fe.Kind = KindTimeout
	case errors.Is(err, fetch.ErrRobotsDisallowed):
		fe.Kind = KindRobots
	case errors.Is(err, fetch.ErrBlocked):
		fe.Kind = KindBlocked
	case errors.Is(err, horosafe.ErrTooLarge):
		fe.Kind = KindTooLarge
	case errors.As(err, &se):
		fe.Kind, fe.StatusCode = KindHTTP, se.StatusCode
	}
	return fe
}

// ParseError means the profile no longer matches the page: the container
// matched nothing, or the body could not be decoded. It is not an empty
// catalog.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string { return "pipeline: parse: " + e.Reason }

func (e *ParseError) Unwrap() error { return e.Err }

// PartialParseError describes a run that kept only part of the catalog.
type PartialParseError struct {
	Reason string
	Pages  int
}

func (e *PartialParseError) Error() string {
	return fmt.Sprintf("pipeline: partial parse after %d pages: %s", e.Pages, e.Reason)
}

// DiffConflict means the run overlapped another run of its source. The run
// is discarded without touching the catalog.
type DiffConflict struct {
	SourceID string
	RunID    string
	Err      error
}

func (e *DiffConflict) Error() string {
	return fmt.Sprintf("pipeline: diff conflict on source %s run %s: %v", e.SourceID, e.RunID, e.Err)
}

func (e *DiffConflict) Unwrap() error { return e.Err }

// NotificationError is a failed watch rule action. It never fails a run.
type NotificationError = rules.NotificationError

// Status maps a pipeline error to the run status and error kind it records.
func Status(err error) (status, kind string) {
	var (
		fe *FetchError
		pe *ParseError
		pp *PartialParseError
		dc *DiffConflict
		ne *NotificationError
	)
	switch {
	case err == nil:
		return store.RunSuccess, ""
	case errors.As(err, &fe):
		if fe.Kind == KindTimeout {
			return store.RunTimeout, fe.Kind
		}
		return store.RunError, "fetch_" + fe.Kind
	case errors.As(err, &pe):
		return store.RunError, "parse"
	case errors.As(err, &pp):
		return store.RunPartial, "partial_parse"
	case errors.As(err, &dc):
		return store.RunError, "conflict"
	case errors.As(err, &ne):
		return store.RunSuccess, ""
	case errors.Is(err, context.DeadlineExceeded):
		return store.RunTimeout, "timeout"
	}
	return store.RunError, "internal"
}
