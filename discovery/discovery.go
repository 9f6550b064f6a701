package discovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/robfig/cron/v3"

	"github.com/hazyhaar/pricewatch/discovery/internal/catalog"
	"github.com/hazyhaar/pricewatch/discovery/internal/fetch"
	"github.com/hazyhaar/pricewatch/discovery/internal/insight"
	"github.com/hazyhaar/pricewatch/discovery/internal/pipeline"
	"github.com/hazyhaar/pricewatch/discovery/internal/rules"
	"github.com/hazyhaar/pricewatch/discovery/internal/scheduler"
	"github.com/hazyhaar/pricewatch/discovery/internal/snapshot"
	"github.com/hazyhaar/pricewatch/discovery/internal/store"
	"github.com/hazyhaar/pricewatch/horosafe"
	"github.com/hazyhaar/pricewatch/idgen"
	"github.com/hazyhaar/pricewatch/kit"
	"github.com/hazyhaar/pricewatch/notify"
)

// Fetcher retrieves one URL. The default is a politeness-bounded HTTP fetcher
// built from Config.Fetch.
type Fetcher = pipeline.Fetcher

// Service is the discovery orchestrator.
type Service struct {
	db           *store.Store
	snapshots    *snapshot.Store
	fetcher      Fetcher
	rules        *rules.Evaluator
	pipeline     *pipeline.Pipeline
	scheduler    *scheduler.Scheduler
	cron         *cron.Cron
	logger       *slog.Logger
	config       *Config
	notifier     notify.Notifier
	lease        scheduler.Lease
	newID        idgen.Generator
	now          func() time.Time
	urlValidator func(string) error

	mcpMu      sync.Mutex
	mcpServers map[string]*mcp.Server
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithLease sets the per-source lease shared by every scheduler process.
// Default: an in-process lease.
func WithLease(l scheduler.Lease) ServiceOption {
	return func(svc *Service) { svc.lease = l }
}

// WithURLValidator overrides the URL validation function (default: horosafe.ValidateURL).
// Use in tests with httptest servers that listen on loopback addresses.
func WithURLValidator(fn func(string) error) ServiceOption {
	return func(svc *Service) { svc.urlValidator = fn }
}

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f Fetcher) ServiceOption {
	return func(svc *Service) { svc.fetcher = f }
}

// WithClock sets the clock used for scheduling, runs and debounce.
func WithClock(now func() time.Time) ServiceOption {
	return func(svc *Service) { svc.now = now }
}

// WithIDGenerator sets the generator for competitor, source, profile and rule ids.
func WithIDGenerator(g idgen.Generator) ServiceOption {
	return func(svc *Service) { svc.newID = g }
}

// New creates a discovery Service on db, applying the schema. Snapshots go to
// backend; rule actions go to notifier (nil logs them instead).
func New(db *sql.DB, backend snapshot.Backend, notifier notify.Notifier, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if db == nil {
		return nil, errors.New("discovery: db is required")
	}
	if backend == nil {
		return nil, errors.New("discovery: snapshot backend is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("discovery: apply schema: %w", err)
	}

	st := store.NewStore(db)
	svc := &Service{
		db:           st,
		snapshots:    snapshot.New(backend, st),
		logger:       logger,
		config:       &c,
		notifier:     notifier,
		newID:        idgen.Default,
		now:          time.Now,
		urlValidator: horosafe.ValidateURL,
		mcpServers:   make(map[string]*mcp.Server),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if svc.fetcher == nil {
		fc := c.Fetch
		if fc.URLValidator == nil {
			fc.URLValidator = svc.urlValidator
		}
		svc.fetcher = fetch.New(fc, logger)
	}

	svc.rules = rules.New(st, notifier, logger)
	svc.rules.SetClock(svc.now)

	svc.pipeline = pipeline.New(pipeline.Deps{
		DB:        st,
		Fetcher:   svc.fetcher,
		Snapshots: svc.snapshots,
		Catalog:   catalog.New(st, c.Catalog, logger),
		Insights:  insight.New(c.Insight, logger),
		Rules:     svc.rules,
	}, logger)
	svc.pipeline.SetClock(svc.now)

	schedOpts := []scheduler.Option{scheduler.WithClock(svc.now)}
	if svc.lease != nil {
		schedOpts = append(schedOpts, scheduler.WithLease(svc.lease))
	}
	svc.scheduler = scheduler.New(st, svc.pipeline, c.Scheduler, logger, schedOpts...)

	svc.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	return svc, nil
}

// Start launches the scheduler loop and the maintenance sweep. Non-blocking;
// both stop when ctx is cancelled.
func (svc *Service) Start(ctx context.Context) error {
	if _, err := svc.cron.AddFunc(svc.config.SweepSpec, func() {
		if _, err := svc.Sweep(ctx); err != nil && ctx.Err() == nil {
			svc.logger.Warn("discovery: sweep", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("discovery: sweep spec %q: %w", svc.config.SweepSpec, err)
	}
	svc.cron.Start()
	go func() {
		if err := svc.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			svc.logger.Error("discovery: scheduler stopped", "error", err)
		}
	}()
	svc.logger.Info("discovery: started", "sweep", svc.config.SweepSpec)
	return nil
}

// Close stops the sweep and waits for in-flight jobs. Cancel the Start
// context first so running jobs are interrupted.
func (svc *Service) Close() error {
	<-svc.cron.Stop().Done()
	svc.scheduler.Wait()
	svc.logger.Info("discovery: closed")
	return nil
}

// Sweep cancels jobs stuck running past twice the job timeout, then
// evaluates rules over insights that were committed but never evaluated.
func (svc *Service) Sweep(ctx context.Context) (*SweepReport, error) {
	now := svc.now()
	cutoff := now.Add(-svc.config.staleAfter()).UnixMilli()
	n, err := svc.db.CancelStaleJobs(ctx, cutoff, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("discovery: cancel stale jobs: %w", err)
	}
	if n > 0 {
		svc.logger.Warn("discovery: cancelled stale jobs", "count", n)
	}
	return svc.rules.Sweep(ctx)
}

// tenant returns the caller's tenant from ctx.
func tenant(ctx context.Context) (string, error) {
	t := kit.GetTenantID(ctx)
	if t == "" {
		return "", kit.ErrNoTenant
	}
	return t, nil
}

// --- Competitors ---

// CompetitorPatch holds the mutable competitor fields; nil leaves a field unchanged.
type CompetitorPatch struct {
	Name     *string           `json:"name"`
	Geo      *string           `json:"geo"`
	Active   *bool             `json:"active"`
	Priority *int              `json:"priority"`
	Slugs    map[string]string `json:"slugs"`
}

// CreateCompetitor adds a competitor for the caller's tenant.
func (svc *Service) CreateCompetitor(ctx context.Context, c *Competitor) error {
	t, err := tenant(ctx)
	if err != nil {
		return err
	}
	if err := validateCompetitor(c); err != nil {
		return err
	}
	c.ID = svc.newID()
	c.TenantID = t
	c.CreatedAt = svc.now().UnixMilli()
	if err := svc.db.InsertCompetitor(ctx, c); err != nil {
		return fmt.Errorf("discovery: insert competitor: %w", err)
	}
	svc.logger.Info("discovery: competitor created", "tenant_id", t, "competitor_id", c.ID)
	return nil
}

// GetCompetitor returns one of the caller's competitors.
func (svc *Service) GetCompetitor(ctx context.Context, id string) (*Competitor, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	c, err := svc.db.GetCompetitor(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}
	return c, nil
}

// ListCompetitors returns the caller's competitors.
func (svc *Service) ListCompetitors(ctx context.Context) ([]*Competitor, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	return svc.db.ListCompetitors(ctx, t)
}

// UpdateCompetitor applies p to a competitor. Its identity never changes.
func (svc *Service) UpdateCompetitor(ctx context.Context, id string, p CompetitorPatch) (*Competitor, error) {
	c, err := svc.GetCompetitor(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Geo != nil {
		c.Geo = *p.Geo
	}
	if p.Active != nil {
		c.Active = *p.Active
	}
	if p.Priority != nil {
		c.Priority = *p.Priority
	}
	if p.Slugs != nil {
		c.Slugs = p.Slugs
	}
	if err := validateCompetitor(c); err != nil {
		return nil, err
	}
	if err := svc.db.UpdateCompetitor(ctx, c); err != nil {
		return nil, fmt.Errorf("discovery: update competitor: %w", err)
	}
	return c, nil
}

// --- Sources ---

// SourcePatch holds the operator-managed source fields; nil leaves a field unchanged.
type SourcePatch struct {
	Kind             *string `json:"kind"`
	SourceType       *string `json:"source_type"`
	BaseURL          *string `json:"base_url"`
	FrequencyMinutes *int    `json:"frequency_minutes"`
	Priority         *int    `json:"priority"`
	RobotsAllowed    *bool   `json:"robots_allowed"`
	Active           *bool   `json:"active"`
	ProfileID        *string `json:"profile_id"`
	ProfileVersion   *int    `json:"profile_version"`
}

// checkSource validates s, resolves its competitor and pins its profile
// version. A zero ProfileVersion pins the latest.
func (svc *Service) checkSource(ctx context.Context, s *Source) error {
	if err := validateSource(s); err != nil {
		return err
	}
	if err := svc.urlValidator(s.BaseURL); err != nil {
		return fmt.Errorf("%w: base_url: %v", ErrInvalidInput, err)
	}
	comp, err := svc.db.GetCompetitor(ctx, s.TenantID, s.CompetitorID)
	if err != nil {
		return err
	}
	if comp == nil {
		return fmt.Errorf("%w: competitor %s", ErrNotFound, s.CompetitorID)
	}
	prof, err := svc.db.GetProfile(ctx, s.TenantID, s.ProfileID, s.ProfileVersion)
	if err != nil {
		return err
	}
	if prof == nil {
		return fmt.Errorf("%w: profile %s v%d", ErrNotFound, s.ProfileID, s.ProfileVersion)
	}
	if s.SourceType == "" {
		s.SourceType = prof.SourceType
	}
	if prof.SourceType != s.SourceType {
		return fmt.Errorf("%w: profile %s is %s, source is %s", ErrInvalidInput, prof.ID, prof.SourceType, s.SourceType)
	}
	s.ProfileVersion = prof.Version
	return nil
}

// CreateSource adds a source to one of the caller's competitors. The source
// is due immediately.
func (svc *Service) CreateSource(ctx context.Context, s *Source) error {
	t, err := tenant(ctx)
	if err != nil {
		return err
	}
	s.TenantID = t
	if err := svc.checkSource(ctx, s); err != nil {
		return err
	}
	s.ID = svc.newID()
	s.NextDueAt = svc.now().UnixMilli()
	s.ConsecutiveFailures = 0
	s.LastRunID, s.LastSuccessHash, s.LastAppliedStartedAt = "", "", 0
	s.CreatedAt = s.NextDueAt
	if err := svc.db.InsertSource(ctx, s); err != nil {
		return fmt.Errorf("discovery: insert source: %w", err)
	}
	svc.logger.Info("discovery: source created", "tenant_id", t, "source_id", s.ID,
		"competitor_id", s.CompetitorID, "profile_id", s.ProfileID, "profile_version", s.ProfileVersion)
	return nil
}

// GetSource returns one of the caller's sources.
func (svc *Service) GetSource(ctx context.Context, id string) (*Source, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	s, err := svc.db.GetSource(ctx, t, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	return s, nil
}

// ListSources returns the caller's sources, optionally for one competitor.
func (svc *Service) ListSources(ctx context.Context, competitorID string) ([]*Source, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	return svc.db.ListSources(ctx, t, competitorID)
}

// UpdateSource applies p to a source. Changing the profile id without a
// version pins the latest version of the new profile.
func (svc *Service) UpdateSource(ctx context.Context, id string, p SourcePatch) (*Source, error) {
	s, err := svc.GetSource(ctx, id)
	if err != nil {
		return nil, err
	}
	before := *s
	if p.Kind != nil {
		s.Kind = *p.Kind
	}
	if p.SourceType != nil {
		s.SourceType = *p.SourceType
	}
	if p.BaseURL != nil {
		s.BaseURL = *p.BaseURL
	}
	if p.FrequencyMinutes != nil {
		s.FrequencyMinutes = *p.FrequencyMinutes
	}
	if p.Priority != nil {
		s.Priority = *p.Priority
	}
	if p.RobotsAllowed != nil {
		s.RobotsAllowed = *p.RobotsAllowed
	}
	if p.Active != nil {
		s.Active = *p.Active
	}
	if p.ProfileID != nil && *p.ProfileID != s.ProfileID {
		s.ProfileID = *p.ProfileID
		s.ProfileVersion = 0
	}
	if p.ProfileVersion != nil {
		s.ProfileVersion = *p.ProfileVersion
	}
	if err := svc.checkSource(ctx, s); err != nil {
		return nil, err
	}
	// A new profile or page must be parsed even if the content is unchanged.
	if s.ProfileID != before.ProfileID || s.ProfileVersion != before.ProfileVersion ||
		s.BaseURL != before.BaseURL || s.SourceType != before.SourceType {
		s.LastSuccessHash = ""
	}
	if err := svc.db.UpdateSource(ctx, s, svc.now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("discovery: update source: %w", err)
	}
	return s, nil
}

// TriggerSource queues a manual job for a source now, bypassing its due time.
// It returns ErrJobInFlight when the source already has a queued or running job.
func (svc *Service) TriggerSource(ctx context.Context, id string) (*Job, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	job, err := svc.scheduler.Trigger(ctx, t, id)
	if errors.Is(err, scheduler.ErrSourceNotFound) {
		return nil, ErrNotFound
	}
	return job, err
}

// RunHistory returns a source's most recent runs, newest first.
func (svc *Service) RunHistory(ctx context.Context, sourceID string, limit int) ([]*Run, error) {
	s, err := svc.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return svc.db.ListRuns(ctx, s.TenantID, s.ID, limit)
}

// --- Products ---

// ListProducts returns the caller's catalog, optionally for one competitor.
func (svc *Service) ListProducts(ctx context.Context, competitorID string, limit int) ([]*Product, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	return svc.db.ListProducts(ctx, t, competitorID, limit)
}

// PriceHistory returns a product's price points, oldest first.
func (svc *Service) PriceHistory(ctx context.Context, productID string, limit int) ([]*PricePoint, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	p, err := svc.db.GetProduct(ctx, t, productID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrNotFound
	}
	return svc.db.ListPricePoints(ctx, t, productID, limit)
}

// --- Reference prices ---

// UpsertReferencePrices stores the caller's own prices, used for price gap
// insights. A missing match key is derived from brand and name.
func (svc *Service) UpsertReferencePrices(ctx context.Context, prices []*ReferencePrice) (int, error) {
	t, err := tenant(ctx)
	if err != nil {
		return 0, err
	}
	now := svc.now().UnixMilli()
	for _, rp := range prices {
		if err := validateReferencePrice(rp); err != nil {
			return 0, err
		}
		if rp.MatchKey == "" {
			rp.MatchKey = catalog.MatchKey(rp.Brand, rp.Name)
		}
		rp.TenantID = t
		rp.UpdatedAt = now
	}
	err = svc.db.InTx(ctx, func(tx *store.Store) error {
		for _, rp := range prices {
			if err := tx.UpsertReferencePrice(ctx, rp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("discovery: upsert reference prices: %w", err)
	}
	return len(prices), nil
}

// ListReferencePrices returns the caller's reference prices.
func (svc *Service) ListReferencePrices(ctx context.Context) ([]*ReferencePrice, error) {
	t, err := tenant(ctx)
	if err != nil {
		return nil, err
	}
	return svc.db.ListReferencePrices(ctx, t)
}
