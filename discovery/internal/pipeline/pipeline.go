// Package pipeline executes one job end to end: fetch, snapshot, parse,
// catalog diff, insight generation and watch rule evaluation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/pricewatch/discovery/internal/catalog"
	"github.com/hazyhaar/pricewatch/discovery/internal/fetch"
	"github.com/hazyhaar/pricewatch/discovery/internal/insight"
	"github.com/hazyhaar/pricewatch/discovery/internal/parse"
	"github.com/hazyhaar/pricewatch/discovery/internal/rules"
	"github.com/hazyhaar/pricewatch/discovery/internal/snapshot"
	"github.com/hazyhaar/pricewatch/discovery/internal/store"
	"github.com/hazyhaar/pricewatch/idgen"
)

// Fetcher retrieves one URL. *fetch.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Result, error)
}

// Deps are the components a Pipeline drives.
type Deps struct {
	DB        *store.Store
	Fetcher   Fetcher
	Snapshots *snapshot.Store
	Catalog   *catalog.Engine
	Insights  *insight.Generator
	Rules     *rules.Evaluator
}

// Pipeline implements scheduler.Executor.
type Pipeline struct {
	db        *store.Store
	fetcher   Fetcher
	snapshots *snapshot.Store
	catalog   *catalog.Engine
	insights  *insight.Generator
	rules     *rules.Evaluator
	logger    *slog.Logger
	now       func() time.Time
	newID     idgen.Generator
}

// New creates a Pipeline.
func New(d Deps, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		db:        d.DB,
		fetcher:   d.Fetcher,
		snapshots: d.Snapshots,
		catalog:   d.Catalog,
		insights:  d.Insights,
		rules:     d.Rules,
		logger:    logger,
		now:       time.Now,
		newID:     idgen.Default,
	}
}

// SetClock overrides the clock used for run and catalog timestamps.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Execute runs job. The returned error is the taxonomy error that ended the
// run; partial runs return nil. The run is always finished, even when ctx
// expires.
func (p *Pipeline) Execute(ctx context.Context, job *store.Job) error {
	src, err := p.db.SourceByID(ctx, job.SourceID)
	if err != nil {
		return fmt.Errorf("pipeline: load source: %w", err)
	}
	if src == nil {
		return fmt.Errorf("pipeline: source %s not found", job.SourceID)
	}

	start := p.now()
	run := &store.Run{
		ID:             p.newID(),
		TenantID:       src.TenantID,
		SourceID:       src.ID,
		JobID:          job.ID,
		ProfileID:      src.ProfileID,
		ProfileVersion: src.ProfileVersion,
		Status:         store.RunRunning,
		StartedAt:      start.UnixMilli(),
	}
	if err := p.db.InsertRun(ctx, run); err != nil {
		return fmt.Errorf("pipeline: insert run: %w", err)
	}
	if err := p.db.SetJobRun(ctx, job.ID, run.ID); err != nil {
		return fmt.Errorf("pipeline: link run: %w", err)
	}
	log := p.logger.With("tenant_id", src.TenantID, "source_id", src.ID, "run_id", run.ID)

	ex := &execution{p: p, src: src, run: run, log: log}
	insights, runErr := ex.execute(ctx)

	bg := context.WithoutCancel(ctx)
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	status, kind := Status(runErr)
	run.Status, run.ErrorKind = status, kind
	if runErr != nil {
		run.ErrorDetail = runErr.Error()
	}
	finished := p.now()
	run.DurationMs = finished.Sub(start).Milliseconds()
	if err := p.db.FinishRun(bg, run, finished.UnixMilli()); err != nil {
		return fmt.Errorf("pipeline: finish run: %w", err)
	}
	if status == store.RunSuccess && run.ContentHash != "" {
		if err := p.db.SetLastSuccessHash(bg, src.ID, run.ContentHash); err != nil {
			log.Warn("pipeline: store success hash", "error", err)
		}
	}

	var pp *PartialParseError
	var dc *DiffConflict
	switch {
	case errors.As(runErr, &dc):
		log.Error("pipeline: diff conflict, run discarded", "error", runErr)
	case errors.As(runErr, &pp):
		log.Warn("pipeline: partial run", "reason", pp.Reason, "pages", pp.Pages)
		runErr = nil
	case runErr != nil:
		log.Warn("pipeline: run failed", "status", status, "kind", kind, "error", runErr)
	default:
		log.Info("pipeline: run finished", "unchanged", run.Unchanged, "pages", run.Pages,
			"parsed", run.ProductsParsed, "changed", run.ProductsChanged, "new", run.ProductsNew,
			"insights", len(insights), "duration_ms", run.DurationMs)
	}

	if len(insights) > 0 && p.rules != nil {
		rep, err := p.rules.Evaluate(bg, src.TenantID, insights)
		if err != nil {
			log.Warn("pipeline: evaluate rules, sweep will retry", "error", err)
		} else if len(rep.Errors) > 0 {
			log.Warn("pipeline: notifications failed", "count", len(rep.Errors))
		}
	}
	return runErr
}

// execution carries the state of one run.
type execution struct {
	p    *Pipeline
	src  *store.Source
	run  *store.Run
	log  *slog.Logger
	page int
}

// execute fills e.run and returns the insights committed with the diff.
func (e *execution) execute(ctx context.Context) ([]*store.Insight, error) {
	p := e.p
	comp, err := p.db.GetCompetitor(ctx, e.src.TenantID, e.src.CompetitorID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load competitor: %w", err)
	}
	if comp == nil {
		return nil, fmt.Errorf("pipeline: competitor %s not found", e.src.CompetitorID)
	}
	prof, err := p.db.GetProfile(ctx, e.src.TenantID, e.src.ProfileID, e.src.ProfileVersion)
	if err != nil || prof == nil {
		return nil, &ParseError{Reason: fmt.Sprintf("profile %s v%d unavailable", e.src.ProfileID, e.src.ProfileVersion), Err: err}
	}
	def, err := parse.ParseDefinition([]byte(prof.Definition))
	if err != nil {
		return nil, &ParseError{Reason: "invalid profile definition", Err: err}
	}
	engine, err := parse.NewEngine(def)
	if err != nil {
		return nil, &ParseError{Reason: "invalid profile definition", Err: err}
	}

	res, err := p.fetcher.Fetch(ctx, fetch.Request{
		URL:           e.src.BaseURL,
		RobotsAllowed: e.src.RobotsAllowed,
		PrevHash:      e.src.LastSuccessHash,
	})
	if err != nil {
		fe := newFetchError(err)
		e.run.HTTPStatus = fe.StatusCode
		return nil, fe
	}
	e.run.HTTPStatus = res.StatusCode
	e.run.ContentHash = res.Hash
	e.run.SnapshotRef = e.snapshot(ctx, res)
	e.run.Pages = 1

	at := p.now().UnixMilli()
	var generated []*store.Insight
	then := func(ctx context.Context, tx *store.Store, r *catalog.Result) error {
		ins, err := p.insights.Generate(ctx, tx, e.run, comp, r.Changes, at)
		generated = ins
		return err
	}
	if res.Unchanged {
		e.run.Unchanged = true
		touched, err := p.catalog.Touch(ctx, catalog.ApplyInput{
			Run:        e.run,
			Source:     e.src,
			Competitor: comp,
			Complete:   true,
			At:         at,
			Then:       then,
		})
		if errors.Is(err, catalog.ErrConflict) {
			return nil, &DiffConflict{SourceID: e.src.ID, RunID: e.run.ID, Err: err}
		}
		if err != nil {
			return nil, fmt.Errorf("pipeline: touch catalog: %w", err)
		}
		e.run.ProductsChanged = touched.Changed
		e.log.Debug("pipeline: content unchanged, parse skipped", "hash", res.Hash, "missed", touched.Missed)
		return generated, nil
	}

	first := &parse.Page{URL: res.URL, Body: res.Body, Hash: res.Hash}
	out, err := engine.Run(ctx, first, e.fetchPage)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ParseError{Reason: err.Error(), Err: err}
	}
	e.run.Pages = out.Pages
	e.run.Warnings = out.Warnings + out.Dropped

	applied, err := p.catalog.Apply(ctx, catalog.ApplyInput{
		Run:        e.run,
		Source:     e.src,
		Competitor: comp,
		Records:    out.Records,
		Complete:   !out.Partial,
		At:         at,
		Then:       then,
	})
	if errors.Is(err, catalog.ErrConflict) {
		return nil, &DiffConflict{SourceID: e.src.ID, RunID: e.run.ID, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: apply catalog: %w", err)
	}
	e.run.ProductsParsed = applied.Parsed
	e.run.ProductsChanged = applied.Changed
	e.run.ProductsNew = applied.New

	if out.Partial {
		return generated, &PartialParseError{Reason: out.Reason, Pages: out.Pages}
	}
	return generated, nil
}

// fetchPage fetches a further page of the run and snapshots it.
func (e *execution) fetchPage(ctx context.Context, pageURL string) (*parse.Page, error) {
	res, err := e.p.fetcher.Fetch(ctx, fetch.Request{URL: pageURL, RobotsAllowed: e.src.RobotsAllowed})
	if err != nil {
		return nil, newFetchError(err)
	}
	e.snapshot(ctx, res)
	return &parse.Page{URL: res.URL, Body: res.Body, Hash: res.Hash}, nil
}

// snapshot stores the raw page and returns its snapshot id. A storage
// failure is logged; the run goes on without the audit copy.
func (e *execution) snapshot(ctx context.Context, res *fetch.Result) string {
	e.page++
	if e.p.snapshots == nil {
		return ""
	}
	ref, err := e.p.snapshots.Save(ctx, snapshot.Page{
		TenantID:    e.src.TenantID,
		SourceID:    e.src.ID,
		RunID:       e.run.ID,
		Page:        e.page,
		ContentType: res.ContentType,
	}, res.Body)
	if err != nil {
		e.log.Warn("pipeline: snapshot", "page", e.page, "error", err)
		return ""
	}
	return ref.ID
}
