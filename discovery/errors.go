package discovery

import (
	"errors"

	"github.com/hazyhaar/pricewatch/discovery/internal/parse"
	"github.com/hazyhaar/pricewatch/discovery/internal/rules"
	"github.com/hazyhaar/pricewatch/discovery/internal/store"
)

// ErrNotFound is returned when a tenant-scoped lookup matches nothing.
var ErrNotFound = errors.New("discovery: not found")

// ErrInvalidInput is returned when competitor, source or price input fails validation.
var ErrInvalidInput = errors.New("discovery: invalid input")

// ErrInvalidRule is returned when a watch rule fails validation.
var ErrInvalidRule = rules.ErrInvalidRule

// ErrInvalidProfile is returned when a parser profile fails validation.
var ErrInvalidProfile = parse.ErrInvalidProfile

// ErrForbidden is returned when the caller may not perform the operation.
var ErrForbidden = errors.New("discovery: forbidden")

// ErrJobInFlight is returned by TriggerSource when the source already has a
// queued or running job.
var ErrJobInFlight = store.ErrJobInFlight
