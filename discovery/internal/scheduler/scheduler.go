// Package scheduler creates jobs for due sources and dispatches them to an
// Executor under global, per-competitor and per-domain concurrency caps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hazyhaar/pricewatch/discovery/internal/fetch"
	"github.com/hazyhaar/pricewatch/discovery/internal/store"
	"github.com/hazyhaar/pricewatch/idgen"
)

// ErrSourceNotFound is returned by Trigger for an unknown source.
var ErrSourceNotFound = errors.New("scheduler: source not found")

// Executor performs one job. It links the job to the run it creates.
type Executor interface {
	Execute(ctx context.Context, job *store.Job) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job *store.Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job *store.Job) error { return f(ctx, job) }

// Config configures the scheduler.
type Config struct {
	// TickInterval is how often due sources are polled. Default: 30s.
	TickInterval time.Duration
	// Workers bounds concurrently executing jobs. Default: 4.
	Workers int
	// PerCompetitorCap bounds concurrent jobs per competitor. Default: 1.
	PerCompetitorCap int
	// PerDomainCap bounds concurrent jobs per registrable domain. Default: 2.
	PerDomainCap int
	// JobTimeout bounds one execution. Default: 2m.
	JobTimeout time.Duration
	// JitterFraction scales the random delay added to each reschedule. Default: 0.1.
	JitterFraction float64
	// BackoffThreshold is the failure count after which intervals double. Default: 3.
	BackoffThreshold int
	// MaxInterval caps the backed-off interval. Default: 24h.
	MaxInterval time.Duration
	// BatchSize bounds sources and jobs examined per tick. Default: 500.
	BatchSize int
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PerCompetitorCap <= 0 {
		c.PerCompetitorCap = 1
	}
	if c.PerDomainCap <= 0 {
		c.PerDomainCap = 2
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.JitterFraction <= 0 {
		c.JitterFraction = 0.1
	}
	if c.BackoffThreshold <= 0 {
		c.BackoffThreshold = 3
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLease sets the per-source lease. Default: an in-process LocalLease.
func WithLease(l Lease) Option { return func(s *Scheduler) { s.lease = l } }

// WithClock sets the clock.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithJitter sets the jitter source; it must return values in [0, 1).
func WithJitter(j func() float64) Option { return func(s *Scheduler) { s.jitter = j } }

// WithIDGenerator sets the job id generator.
func WithIDGenerator(g idgen.Generator) Option { return func(s *Scheduler) { s.newID = g } }

// Scheduler owns job creation and dispatch.
type Scheduler struct {
	db     *store.Store
	exec   Executor
	lease  Lease
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	jitter func() float64
	newID  idgen.Generator

	tickMu  sync.Mutex
	mu      sync.Mutex
	active  int
	perComp map[string]int
	perDom  map[string]int
	wg      sync.WaitGroup
	wake    chan struct{}
}

// New creates a Scheduler.
func New(db *store.Store, exec Executor, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		db:      db,
		exec:    exec,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		jitter:  rand.Float64,
		newID:   idgen.Default,
		perComp: make(map[string]int),
		perDom:  make(map[string]int),
		wake:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.lease == nil {
		s.lease = NewLocalLease(s.now)
	}
	return s
}

// Run recovers jobs abandoned by a previous process, ticks immediately and
// then on every TickInterval or Trigger. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	n, err := s.recoverJobs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: recover: %w", err)
	}
	if n > 0 {
		s.logger.Warn("scheduler: recovered abandoned jobs", "count", n)
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler: tick", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// recoverJobs cancels running jobs no live worker can own. With the
// in-process lease every running job belongs to a dead process. A shared
// lease means peers may still be working, so only jobs running past twice
// the job timeout are cancelled.
func (s *Scheduler) recoverJobs(ctx context.Context) (int, error) {
	now := s.now()
	if _, local := s.lease.(*LocalLease); local {
		return s.db.RecoverRunningJobs(ctx, now.UnixMilli())
	}
	cutoff := now.Add(-2 * s.cfg.JobTimeout).UnixMilli()
	return s.db.CancelStaleJobs(ctx, cutoff, now.UnixMilli())
}

// Wait blocks until every dispatched job has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Tick creates jobs for due sources and dispatches queued jobs. It returns
// the number of jobs dispatched. Jobs not dispatched stay queued.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	now := s.now().UnixMilli()
	due, err := s.db.DueSources(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("due sources: %w", err)
	}
	created := 0
	for _, src := range due {
		err := s.db.CreateJob(ctx, &store.Job{
			ID: s.newID(), TenantID: src.TenantID, SourceID: src.ID,
			DueAt: src.NextDueAt, Trigger: store.TriggerSchedule, CreatedAt: now,
		})
		switch {
		case errors.Is(err, store.ErrJobInFlight):
		case err != nil:
			s.logger.Warn("scheduler: create job", "source_id", src.ID, "error", err)
		default:
			created++
		}
	}

	queued, err := s.db.QueuedJobs(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("queued jobs: %w", err)
	}
	dispatched := 0
	for _, q := range queued {
		domain := fetch.DomainOf(q.BaseURL)
		full, skip := s.reserve(q.CompetitorID, domain)
		if full {
			break
		}
		if skip {
			continue
		}
		ok, err := s.db.MarkJobRunning(ctx, q.ID, s.now().UnixMilli())
		if err != nil || !ok {
			s.unreserve(q.CompetitorID, domain)
			if err != nil {
				s.logger.Warn("scheduler: mark running", "job_id", q.ID, "error", err)
			}
			continue
		}
		dispatched++
		s.wg.Add(1)
		go s.work(ctx, q, domain)
	}
	if created > 0 || dispatched > 0 {
		s.logger.Debug("scheduler: tick", "created", created, "dispatched", dispatched, "queued", len(queued))
	}
	return dispatched, nil
}

// reserve claims a worker slot. full means no worker is free; skip means a
// per-competitor or per-domain cap blocks this job only.
func (s *Scheduler) reserve(competitorID, domain string) (full, skip bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active >= s.cfg.Workers {
		return true, false
	}
	if s.perComp[competitorID] >= s.cfg.PerCompetitorCap || s.perDom[domain] >= s.cfg.PerDomainCap {
		return false, true
	}
	s.active++
	s.perComp[competitorID]++
	s.perDom[domain]++
	return false, false
}

func (s *Scheduler) unreserve(competitorID, domain string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	if s.perComp[competitorID]--; s.perComp[competitorID] <= 0 {
		delete(s.perComp, competitorID)
	}
	if s.perDom[domain]--; s.perDom[domain] <= 0 {
		delete(s.perDom, domain)
	}
}

func (s *Scheduler) work(ctx context.Context, q *store.QueuedJob, domain string) {
	defer s.wg.Done()
	defer s.unreserve(q.CompetitorID, domain)
	bg := context.WithoutCancel(ctx)

	release, ok, err := s.lease.Acquire(ctx, "source:"+q.SourceID, s.cfg.JobTimeout+time.Minute)
	if err != nil || !ok {
		if err != nil {
			s.logger.Warn("scheduler: lease", "source_id", q.SourceID, "error", err)
		} else {
			s.logger.Debug("scheduler: lease held elsewhere", "source_id", q.SourceID)
		}
		if err := s.db.RequeueJob(bg, q.ID); err != nil {
			s.logger.Warn("scheduler: requeue", "job_id", q.ID, "error", err)
		}
		return
	}
	defer release()

	jctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	execErr := s.exec.Execute(jctx, &q.Job)
	interrupted := jctx.Err() != nil
	cancel()

	s.finish(bg, q, execErr, interrupted)
}

// finish settles job and run status and reschedules the source.
func (s *Scheduler) finish(ctx context.Context, q *store.QueuedJob, execErr error, interrupted bool) {
	now := s.now().UnixMilli()
	job, err := s.db.GetJob(ctx, q.ID)
	if err != nil || job == nil {
		s.logger.Error("scheduler: reload job", "job_id", q.ID, "error", err)
		return
	}
	var run *store.Run
	if job.RunID != "" {
		if run, err = s.db.GetRun(ctx, job.RunID); err != nil {
			s.logger.Error("scheduler: load run", "run_id", job.RunID, "error", err)
		}
	}

	status := store.JobError
	switch {
	case interrupted:
		status = store.JobCancelled
		s.closeRun(ctx, run, store.RunTimeout, "timeout", "job exceeded its deadline", now)
	case run != nil && (run.Status == store.RunSuccess || run.Status == store.RunPartial):
		status = store.JobDone
	default:
		detail := "executor did not finish the run"
		if execErr != nil {
			detail = execErr.Error()
		}
		s.closeRun(ctx, run, store.RunError, "internal", detail, now)
	}
	if err := s.db.FinishJob(ctx, q.ID, status, now); err != nil {
		s.logger.Error("scheduler: finish job", "job_id", q.ID, "error", err)
	}

	src, err := s.db.SourceByID(ctx, q.SourceID)
	if err != nil || src == nil {
		s.logger.Error("scheduler: reload source", "source_id", q.SourceID, "error", err)
		return
	}
	failures := 0
	if status != store.JobDone {
		failures = src.ConsecutiveFailures + 1
	}
	next := s.NextDue(s.now(), src.FrequencyMinutes, failures)
	if err := s.db.RescheduleSource(ctx, src.ID, next.UnixMilli(), failures, job.RunID, now); err != nil {
		s.logger.Error("scheduler: reschedule", "source_id", src.ID, "error", err)
	}

	level := slog.LevelInfo
	if status != store.JobDone {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "scheduler: job finished", "job_id", q.ID, "source_id", q.SourceID,
		"run_id", job.RunID, "status", status, "failures", failures, "error", execErr)
}

// closeRun finishes run if the executor left it open.
func (s *Scheduler) closeRun(ctx context.Context, run *store.Run, status, kind, detail string, now int64) {
	if run == nil || run.FinishedAt != nil {
		return
	}
	run.Status, run.ErrorKind, run.ErrorDetail = status, kind, detail
	run.DurationMs = now - run.StartedAt
	if err := s.db.FinishRun(ctx, run, now); err != nil && !errors.Is(err, store.ErrRunFinished) {
		s.logger.Error("scheduler: close run", "run_id", run.ID, "error", err)
	}
}

// NextDue computes the next due time: one frequency plus jitter of at most
// JitterFraction of it. Past BackoffThreshold failures the frequency doubles
// per extra failure, up to MaxInterval. The cap bounds backoff only; a
// frequency longer than MaxInterval is kept as is.
func (s *Scheduler) NextDue(now time.Time, frequencyMinutes, failures int) time.Time {
	if frequencyMinutes <= 0 {
		frequencyMinutes = 60
	}
	base := time.Duration(frequencyMinutes) * time.Minute
	interval := base
	for i := s.cfg.BackoffThreshold; i < failures && interval < s.cfg.MaxInterval; i++ {
		interval *= 2
	}
	if interval > base {
		interval = max(base, min(interval, s.cfg.MaxInterval))
	}
	interval += time.Duration(s.jitter() * s.cfg.JitterFraction * float64(base))
	return now.Add(interval)
}

// Trigger queues a manual job for a tenant's source now and wakes the loop.
// It returns store.ErrJobInFlight when the source already has one.
func (s *Scheduler) Trigger(ctx context.Context, tenantID, sourceID string) (*store.Job, error) {
	src, err := s.db.GetSource(ctx, tenantID, sourceID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, ErrSourceNotFound
	}
	now := s.now().UnixMilli()
	job := &store.Job{ID: s.newID(), TenantID: tenantID, SourceID: sourceID,
		DueAt: now, Trigger: store.TriggerManual, CreatedAt: now}
	if err := s.db.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	s.logger.Info("scheduler: manual trigger", "tenant_id", tenantID, "source_id", sourceID, "job_id", job.ID)
	return job, nil
}
