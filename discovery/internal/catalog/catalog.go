// Package catalog merges a run's candidate records into the per-tenant
// competitive catalog and reports what changed. One run is applied in one
// transaction: all of it or none of it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/pricewatch/discovery/internal/parse"
	"github.com/hazyhaar/pricewatch/discovery/internal/store"
	"github.com/hazyhaar/pricewatch/idgen"
)

// Change types. They double as insight types.
const (
	ChangeNew           = "new_product"
	ChangePriceDrop     = "price_drop"
	ChangePriceIncrease = "price_increase"
	ChangeOutOfStock    = "out_of_stock"
	ChangeBackInStock   = "back_in_stock"
	ChangeDiscontinued  = "discontinued"
	// ChangePriceSet is a first price on a product that had none. It is
	// recorded as a price point but produces no insight.
	ChangePriceSet = "price_set"
)

// ErrConflict is returned when the run overlaps another run of the same
// source or is older than a run already applied. Nothing is written.
var ErrConflict = errors.New("catalog: overlapping run for source")

// Config tunes the grace window.
type Config struct {
	// GraceRuns is how many consecutive complete runs may miss a product
	// before it goes out of stock. Default: 3.
	GraceRuns int
	// DiscontinueAfter is how many further misses mark it discontinued. Default: 3.
	DiscontinueAfter int
}

func (c *Config) defaults() {
	if c.GraceRuns <= 0 {
		c.GraceRuns = 3
	}
	if c.DiscontinueAfter <= 0 {
		c.DiscontinueAfter = 3
	}
}

// Change is one catalog transition.
type Change struct {
	Type    string
	Product *store.Product
	// PreviousPrice and CurrentPrice are set for price changes.
	PreviousPrice *int64
	CurrentPrice  *int64
}

// Result summarizes an applied run.
type Result struct {
	Changes     []Change
	Parsed      int
	New         int
	Changed     int
	Missed      int
	PricePoints int
}

// ApplyInput is one run's worth of records.
type ApplyInput struct {
	Run        *store.Run
	Source     *store.Source
	Competitor *store.Competitor
	Records    []parse.Record
	// Complete is true for success runs; only those count misses.
	Complete bool
	At       int64
	// Then runs inside the same transaction after the catalog is written.
	Then func(ctx context.Context, tx *store.Store, res *Result) error
}

// Engine applies runs to the catalog.
type Engine struct {
	db     *store.Store
	cfg    Config
	logger *slog.Logger
	newID  idgen.Generator
}

// New creates an Engine.
func New(db *store.Store, cfg Config, logger *slog.Logger) *Engine {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, cfg: cfg, logger: logger, newID: idgen.Default}
}

// Apply merges in.Records into the catalog.
func (e *Engine) Apply(ctx context.Context, in ApplyInput) (*Result, error) {
	var res *Result
	err := e.db.InTx(ctx, func(tx *store.Store) error {
		if err := e.checkConflict(ctx, tx, in); err != nil {
			return err
		}
		r, err := e.apply(ctx, tx, in)
		if err != nil {
			return err
		}
		if err := tx.SetLastApplied(ctx, in.Source.ID, in.Run.StartedAt); err != nil {
			return err
		}
		if in.Then != nil {
			if err := in.Then(ctx, tx, r); err != nil {
				return err
			}
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (e *Engine) checkConflict(ctx context.Context, tx *store.Store, in ApplyInput) error {
	other, err := tx.OverlappingRun(ctx, in.Source.ID, in.Run.ID, in.Run.StartedAt)
	if err != nil {
		return err
	}
	if other != nil {
		return fmt.Errorf("%w: run %s started before run %s and is unfinished", ErrConflict, other.ID, in.Run.ID)
	}
	src, err := tx.SourceByID(ctx, in.Source.ID)
	if err != nil {
		return err
	}
	if src != nil && src.LastAppliedStartedAt > in.Run.StartedAt {
		return fmt.Errorf("%w: a later run was already applied", ErrConflict)
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, tx *store.Store, in ApplyInput) (*Result, error) {
	existing, err := tx.ProductsForCompetitor(ctx, in.Run.TenantID, in.Competitor.ID)
	if err != nil {
		return nil, err
	}
	records, order := dedupe(in.Records)
	res := &Result{Parsed: len(order)}
	seen := make(map[string]bool, len(order))

	for _, extID := range order {
		rec := records[extID]
		seen[extID] = true
		p := existing[extID]
		var changes []Change
		isNew := p == nil
		if isNew {
			p = e.newProduct(in, extID, rec)
			if err := tx.InsertProduct(ctx, p); err != nil {
				return nil, fmt.Errorf("insert product %s: %w", extID, err)
			}
			changes = append(changes, Change{Type: ChangeNew, Product: p, CurrentPrice: p.PriceCents})
			res.New++
		} else {
			changes = refresh(p, rec, in)
			if err := tx.UpdateProduct(ctx, p); err != nil {
				return nil, fmt.Errorf("update product %s: %w", p.ID, err)
			}
		}
		if isNew || priceOrStockChanged(changes) {
			if err := e.appendPoint(ctx, tx, in, p, res); err != nil {
				return nil, err
			}
		}
		if !isNew && len(changes) > 0 {
			res.Changed++
		}
		res.Changes = append(res.Changes, changes...)
	}

	if !in.Complete {
		return res, nil
	}
	var missing []*store.Product
	for extID, p := range existing {
		if seen[extID] || p.SourceID != in.Source.ID || p.Discontinued {
			continue
		}
		missing = append(missing, p)
	}
	if err := e.miss(ctx, tx, in, missing, res); err != nil {
		return nil, err
	}
	return res, nil
}

// miss counts one more absence for each product and applies the grace
// window transitions.
func (e *Engine) miss(ctx context.Context, tx *store.Store, in ApplyInput, products []*store.Product, res *Result) error {
	for _, p := range products {
		p.MissedRuns++
		res.Missed++
		var changes []Change
		switch {
		case p.MissedRuns == e.cfg.GraceRuns && p.InStock:
			p.InStock = false
			changes = append(changes, Change{Type: ChangeOutOfStock, Product: p})
		case p.MissedRuns == e.cfg.GraceRuns+e.cfg.DiscontinueAfter:
			p.Discontinued = true
			changes = append(changes, Change{Type: ChangeDiscontinued, Product: p})
		}
		if err := tx.UpdateProduct(ctx, p); err != nil {
			return fmt.Errorf("miss product %s: %w", p.ID, err)
		}
		if len(changes) > 0 {
			if changes[0].Type == ChangeOutOfStock {
				if err := e.appendPoint(ctx, tx, in, p, res); err != nil {
					return err
				}
			}
			res.Changed++
			res.Changes = append(res.Changes, changes...)
		}
	}
	return nil
}

func (e *Engine) newProduct(in ApplyInput, extID string, rec parse.Record) *store.Product {
	p := &store.Product{
		ID:           e.newID(),
		TenantID:     in.Run.TenantID,
		CompetitorID: in.Competitor.ID,
		SourceID:     in.Source.ID,
		ExternalID:   extID,
		InStock:      true,
		FirstSeenAt:  in.At,
		LastSeenAt:   in.At,
		LastRunID:    in.Run.ID,
	}
	copyRecord(p, rec)
	p.PriceCents = rec.PriceCents
	p.RegularPriceCents = rec.RegularPriceCents
	if rec.InStock != nil {
		p.InStock = *rec.InStock
	}
	return p
}

// refresh updates p from rec and returns the transitions.
func refresh(p *store.Product, rec parse.Record, in ApplyInput) []Change {
	var changes []Change
	prevPrice := p.PriceCents
	copyRecord(p, rec)

	if rec.PriceCents != nil && (prevPrice == nil || *prevPrice != *rec.PriceCents) {
		p.PriceCents = rec.PriceCents
		if prevPrice != nil && *prevPrice > 0 {
			typ := ChangePriceDrop
			if *rec.PriceCents > *prevPrice {
				typ = ChangePriceIncrease
			}
			changes = append(changes, Change{Type: typ, Product: p, PreviousPrice: prevPrice, CurrentPrice: rec.PriceCents})
		} else {
			changes = append(changes, Change{Type: ChangePriceSet, Product: p, CurrentPrice: rec.PriceCents})
		}
	}
	if rec.RegularPriceCents != nil {
		p.RegularPriceCents = rec.RegularPriceCents
	}

	// A listed product without stock information is available.
	inStock := true
	if rec.InStock != nil {
		inStock = *rec.InStock
	}
	if p.InStock != inStock {
		typ := ChangeOutOfStock
		if inStock {
			typ = ChangeBackInStock
		}
		changes = append(changes, Change{Type: typ, Product: p})
	}
	p.InStock = inStock
	p.Discontinued = false
	p.MissedRuns = 0
	p.SourceID = in.Source.ID
	p.LastSeenAt = in.At
	p.LastRunID = in.Run.ID
	return changes
}

func copyRecord(p *store.Product, rec parse.Record) {
	if rec.Name != "" {
		p.Name = rec.Name
	}
	if rec.Brand != "" {
		p.Brand = rec.Brand
	}
	if rec.RawCategory != "" || p.Category == "" {
		p.RawCategory = rec.RawCategory
		p.Category = rec.Category
	}
	if p.Category == "" {
		p.Category = "other"
	}
	if rec.Strain != "" {
		p.Strain = rec.Strain
	}
	if rec.Size != "" {
		p.Size = rec.Size
	}
	if rec.THCPct != nil {
		p.THCPct = rec.THCPct
	}
	if rec.CBDPct != nil {
		p.CBDPct = rec.CBDPct
	}
	if rec.ImageURL != "" {
		p.ImageURL = rec.ImageURL
	}
	if rec.URL != "" {
		p.URL = rec.URL
	}
	p.MatchKey = MatchKey(p.Brand, p.Name)
}

func (e *Engine) appendPoint(ctx context.Context, tx *store.Store, in ApplyInput, p *store.Product, res *Result) error {
	ok, err := tx.AppendPricePoint(ctx, &store.PricePoint{
		ID:                e.newID(),
		TenantID:          p.TenantID,
		ProductID:         p.ID,
		RunID:             in.Run.ID,
		PriceCents:        p.PriceCents,
		RegularPriceCents: p.RegularPriceCents,
		InStock:           p.InStock,
		ObservedAt:        in.At,
	})
	if err != nil {
		return fmt.Errorf("price point %s: %w", p.ID, err)
	}
	if ok {
		res.PricePoints++
	}
	return nil
}

func priceOrStockChanged(changes []Change) bool {
	for _, c := range changes {
		switch c.Type {
		case ChangePriceDrop, ChangePriceIncrease, ChangePriceSet, ChangeOutOfStock, ChangeBackInStock:
			return true
		}
	}
	return false
}

// dedupe collapses records with the same external id to the last one,
// keeping first-appearance order.
func dedupe(recs []parse.Record) (map[string]parse.Record, []string) {
	byID := make(map[string]parse.Record, len(recs))
	var order []string
	for _, r := range recs {
		id := ExternalID(r)
		if _, ok := byID[id]; !ok {
			order = append(order, id)
		}
		byID[id] = r
	}
	return byID, order
}

// Touch applies a run whose content is unchanged since the last success.
// Products shown last time only get their freshness advanced; products
// already missing count one more miss, so the grace window keeps running on
// a stable page. in.Records is ignored.
func (e *Engine) Touch(ctx context.Context, in ApplyInput) (*Result, error) {
	var res *Result
	err := e.db.InTx(ctx, func(tx *store.Store) error {
		if err := e.checkConflict(ctx, tx, in); err != nil {
			return err
		}
		n, err := tx.TouchProducts(ctx, in.Source.ID, in.Run.ID, in.At)
		if err != nil {
			return err
		}
		r := &Result{}
		products, err := tx.ProductsForSource(ctx, in.Source.ID)
		if err != nil {
			return err
		}
		var missing []*store.Product
		for _, p := range products {
			if p.MissedRuns > 0 && !p.Discontinued {
				missing = append(missing, p)
			}
		}
		if err := e.miss(ctx, tx, in, missing, r); err != nil {
			return err
		}
		if err := tx.SetLastApplied(ctx, in.Source.ID, in.Run.StartedAt); err != nil {
			return err
		}
		if in.Then != nil {
			if err := in.Then(ctx, tx, r); err != nil {
				return err
			}
		}
		e.logger.DebugContext(ctx, "catalog: touched products", "source_id", in.Source.ID, "run_id", in.Run.ID,
			"touched", n, "missed", r.Missed)
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
