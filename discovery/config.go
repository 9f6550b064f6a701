package discovery

import (
	"time"

	"github.com/hazyhaar/pricewatch/discovery/internal/catalog"
	"github.com/hazyhaar/pricewatch/discovery/internal/fetch"
	"github.com/hazyhaar/pricewatch/discovery/internal/insight"
	"github.com/hazyhaar/pricewatch/discovery/internal/scheduler"
)

// Config configures the discovery service.
type Config struct {
	// Fetch settings
	Fetch fetch.Config

	// Scheduler settings
	Scheduler scheduler.Config

	// Catalog grace window
	Catalog catalog.Config

	// Insight thresholds
	Insight insight.Config

	// SweepSpec is the cron spec of the maintenance sweep: rule catch-up
	// and stale job recovery. Default: "@every 5m".
	SweepSpec string

	// TokenTTL is the lifetime of tenant tokens minted by POST /token. Default: 24h.
	TokenTTL time.Duration
}

func (c *Config) defaults() {
	if c.SweepSpec == "" {
		c.SweepSpec = "@every 5m"
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.Scheduler.JobTimeout <= 0 {
		c.Scheduler.JobTimeout = 2 * time.Minute
	}
}

// staleAfter is how long a job may stay running before the sweep cancels it.
func (c *Config) staleAfter() time.Duration {
	return 2 * c.Scheduler.JobTimeout
}
