// Package insight turns catalog changes into typed, severity-scored insights.
package insight

import (
	"context"
	"log/slog"
	"math"

	"github.com/hazyhaar/pricewatch/discovery/internal/catalog"
	"github.com/hazyhaar/pricewatch/discovery/internal/store"
	"github.com/hazyhaar/pricewatch/idgen"
)

// Insight types.
const (
	TypePriceDrop     = catalog.ChangePriceDrop
	TypePriceIncrease = catalog.ChangePriceIncrease
	TypePriceGap      = "price_gap"
	TypeOutOfStock    = catalog.ChangeOutOfStock
	TypeBackInStock   = catalog.ChangeBackInStock
	TypeNewProduct    = catalog.ChangeNew
	TypeDiscontinued  = catalog.ChangeDiscontinued
)

// Types lists every insight type.
var Types = []string{TypePriceDrop, TypePriceIncrease, TypePriceGap, TypeOutOfStock,
	TypeBackInStock, TypeNewProduct, TypeDiscontinued}

// Severities, lowest first.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Severities lists severities in ascending order.
var Severities = []string{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities; unknown values rank -1.
func Rank(severity string) int {
	for i, s := range Severities {
		if s == severity {
			return i
		}
	}
	return -1
}

// IsType reports whether t is a known insight type.
func IsType(t string) bool {
	for _, k := range Types {
		if k == t {
			return true
		}
	}
	return false
}

// Severity scores an insight. Price types band on |delta|: >= 25 critical,
// >= 10 high, >= 2 medium, else low. Stock, new and discontinued insights
// are low, raised to medium for top-priority competitors.
func Severity(typ string, delta float64, topPriority bool) string {
	switch typ {
	case TypePriceDrop, TypePriceIncrease, TypePriceGap:
		d := math.Abs(delta)
		switch {
		case d >= 25:
			return SeverityCritical
		case d >= 10:
			return SeverityHigh
		case d >= 2:
			return SeverityMedium
		}
		return SeverityLow
	}
	if topPriority {
		return SeverityMedium
	}
	return SeverityLow
}

// Delta is the percentage change from previous to current, rounded to 2 decimals.
func Delta(previous, current int64) float64 {
	return math.Round(float64(current-previous)/float64(previous)*100*100) / 100
}

// Config tunes generation.
type Config struct {
	// HighPriorityMin is the competitor priority from which a competitor is
	// in the tenant's top-priority set. Default: 8.
	HighPriorityMin int
	// GapMinPct is the minimum undercut of a reference price that yields a
	// price_gap insight. Default: 5.
	GapMinPct float64
}

func (c *Config) defaults() {
	if c.HighPriorityMin <= 0 {
		c.HighPriorityMin = 8
	}
	if c.GapMinPct <= 0 {
		c.GapMinPct = 5
	}
}

// Generator converts changes into stored insights.
type Generator struct {
	cfg    Config
	logger *slog.Logger
	newID  idgen.Generator
}

// New creates a Generator.
func New(cfg Config, logger *slog.Logger) *Generator {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{cfg: cfg, logger: logger, newID: idgen.Default}
}

// Generate writes one insight per meaningful change through tx and returns
// the insights actually inserted. Replays of the same run insert nothing.
func (g *Generator) Generate(ctx context.Context, tx *store.Store, run *store.Run, comp *store.Competitor, changes []catalog.Change, at int64) ([]*store.Insight, error) {
	top := comp.Priority >= g.cfg.HighPriorityMin
	var out []*store.Insight
	add := func(in *store.Insight) error {
		ok, err := tx.InsertInsight(ctx, in)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, in)
		}
		return nil
	}

	for _, c := range changes {
		base := func(typ string) *store.Insight {
			return &store.Insight{
				ID:           g.newID(),
				TenantID:     run.TenantID,
				CompetitorID: comp.ID,
				SourceID:     run.SourceID,
				ProductID:    c.Product.ID,
				RunID:        run.ID,
				Type:         typ,
				ProductName:  c.Product.Name,
				Brand:        c.Product.Brand,
				Category:     c.Product.Category,
				Geo:          comp.Geo,
				CreatedAt:    at,
			}
		}
		switch c.Type {
		case catalog.ChangePriceDrop, catalog.ChangePriceIncrease:
			if c.PreviousPrice == nil || c.CurrentPrice == nil || *c.PreviousPrice == 0 {
				continue
			}
			in := base(c.Type)
			d := Delta(*c.PreviousPrice, *c.CurrentPrice)
			in.PreviousValue, in.CurrentValue, in.DeltaPercentage = money(*c.PreviousPrice), money(*c.CurrentPrice), &d
			in.Severity = Severity(c.Type, d, top)
			if err := add(in); err != nil {
				return nil, err
			}
		case catalog.ChangeOutOfStock, catalog.ChangeBackInStock, catalog.ChangeNew, catalog.ChangeDiscontinued:
			in := base(c.Type)
			in.Severity = Severity(c.Type, 0, top)
			if c.Type == catalog.ChangeNew && c.CurrentPrice != nil {
				in.CurrentValue = money(*c.CurrentPrice)
			}
			if err := add(in); err != nil {
				return nil, err
			}
		}

		if c.CurrentPrice == nil {
			continue
		}
		switch c.Type {
		case catalog.ChangeNew, catalog.ChangePriceDrop, catalog.ChangePriceIncrease, catalog.ChangePriceSet:
		default:
			continue
		}
		gap, err := g.priceGap(ctx, tx, c, base)
		if err != nil {
			return nil, err
		}
		if gap != nil {
			if err := add(gap); err != nil {
				return nil, err
			}
		}
	}
	if len(out) > 0 {
		g.logger.DebugContext(ctx, "insight: generated", "run_id", run.ID, "count", len(out))
	}
	return out, nil
}

func (g *Generator) priceGap(ctx context.Context, tx *store.Store, c catalog.Change, base func(string) *store.Insight) (*store.Insight, error) {
	ref, err := tx.GetReferencePrice(ctx, c.Product.TenantID, c.Product.MatchKey)
	if err != nil || ref == nil || ref.PriceCents <= 0 {
		return nil, err
	}
	d := Delta(ref.PriceCents, *c.CurrentPrice)
	if d > -g.cfg.GapMinPct {
		return nil, nil
	}
	in := base(TypePriceGap)
	in.PreviousValue, in.CurrentValue, in.DeltaPercentage = money(ref.PriceCents), money(*c.CurrentPrice), &d
	in.Severity = Severity(TypePriceGap, d, false)
	return in, nil
}

func money(cents int64) *float64 {
	v := float64(cents) / 100
	return &v
}
