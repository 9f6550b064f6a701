// Package discovery is the competitive price discovery service.
//
// It polls competitor sources on a schedule, parses their catalogs with
// versioned parser profiles, diffs them into an append-only price history,
// derives severity-scored insights and evaluates tenant watch rules against
// them. Every record is partitioned by tenant; the tenant is read from the
// request context (kit.GetTenantID).
package discovery

import (
	"github.com/hazyhaar/pricewatch/discovery/internal/parse"
	"github.com/hazyhaar/pricewatch/discovery/internal/rules"
	"github.com/hazyhaar/pricewatch/discovery/internal/store"
)

// Re-export store types for public API.
type (
	Competitor     = store.Competitor
	Source         = store.Source
	Job            = store.Job
	Run            = store.Run
	Product        = store.Product
	PricePoint     = store.PricePoint
	Profile        = store.Profile
	Insight        = store.Insight
	InsightFilter  = store.InsightFilter
	WatchRule      = store.WatchRule
	Action         = store.Action
	ReferencePrice = store.ReferencePrice
	SweepReport    = rules.Report

	// ProfileDefinition is the extraction configuration stored as a profile version.
	ProfileDefinition = parse.Profile
)

// Source fetch mechanisms.
const (
	Markup = store.SourceMarkup
	API    = store.SourceAPI
)
