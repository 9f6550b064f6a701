package discovery

import (
	"fmt"
)

const (
	maxNameLen   = 512
	maxURLLen    = 4096
	minFrequency = 1
	maxFrequency = 7 * 24 * 60
	minPriority  = 1
	maxPriority  = 10
)

// sourceKinds is the set of valid Source.Kind values.
var sourceKinds = map[string]bool{
	"menu":      true,
	"deal_page": true,
	"locator":   true,
	"detail":    true,
}

// sourceTypes is the set of valid Source.SourceType values.
var sourceTypes = map[string]bool{
	Markup: true,
	API:    true,
}

func validateCompetitor(c *Competitor) error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if len(c.Name) > maxNameLen {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidInput, maxNameLen)
	}
	if c.Priority == 0 {
		c.Priority = 5
	}
	if c.Priority < minPriority || c.Priority > maxPriority {
		return fmt.Errorf("%w: priority must be between %d and %d", ErrInvalidInput, minPriority, maxPriority)
	}
	return nil
}

// validateSource checks a source's operator-managed fields and fills
// defaults. The URL is checked separately by the service's validator; an
// empty source_type is taken from the pinned profile.
func validateSource(s *Source) error {
	if s.CompetitorID == "" {
		return fmt.Errorf("%w: competitor_id is required", ErrInvalidInput)
	}
	if s.Kind == "" {
		s.Kind = "menu"
	}
	if !sourceKinds[s.Kind] {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, s.Kind)
	}
	if s.SourceType != "" && !sourceTypes[s.SourceType] {
		return fmt.Errorf("%w: unknown source_type %q", ErrInvalidInput, s.SourceType)
	}
	if s.BaseURL == "" {
		return fmt.Errorf("%w: base_url is required", ErrInvalidInput)
	}
	if len(s.BaseURL) > maxURLLen {
		return fmt.Errorf("%w: base_url exceeds %d characters", ErrInvalidInput, maxURLLen)
	}
	if s.FrequencyMinutes == 0 {
		s.FrequencyMinutes = 60
	}
	if s.FrequencyMinutes < minFrequency || s.FrequencyMinutes > maxFrequency {
		return fmt.Errorf("%w: frequency_minutes must be between %d and %d", ErrInvalidInput, minFrequency, maxFrequency)
	}
	if s.Priority == 0 {
		s.Priority = 5
	}
	if s.Priority < minPriority || s.Priority > maxPriority {
		return fmt.Errorf("%w: priority must be between %d and %d", ErrInvalidInput, minPriority, maxPriority)
	}
	if s.ProfileID == "" {
		return fmt.Errorf("%w: profile_id is required", ErrInvalidInput)
	}
	return nil
}

func validateReferencePrice(rp *ReferencePrice) error {
	if rp.Name == "" && rp.MatchKey == "" {
		return fmt.Errorf("%w: name or match_key is required", ErrInvalidInput)
	}
	if rp.PriceCents < 0 {
		return fmt.Errorf("%w: price_cents must not be negative", ErrInvalidInput)
	}
	return nil
}
