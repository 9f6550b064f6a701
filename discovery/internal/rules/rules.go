// Package rules evaluates tenant watch rules against new insights and
// dispatches the matching actions to a notify.Notifier.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/hazyhaar/pricewatch/discovery/internal/insight"
	"github.com/hazyhaar/pricewatch/discovery/internal/store"
	"github.com/hazyhaar/pricewatch/notify"
)

// Consumer is the consumer name under which evaluated insights are marked.
const Consumer = "watch_rules"

// DefaultDebounceMinutes applies when a rule is created without one.
const DefaultDebounceMinutes = 60

// ErrInvalidRule wraps every validation failure.
var ErrInvalidRule = errors.New("rules: invalid rule")

// Validate checks r and fills defaults.
func Validate(r *store.WatchRule) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidRule, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(r.Name) == "" {
		return bad("name is required")
	}
	if len(r.Actions) == 0 {
		return bad("at least one action is required")
	}
	for _, a := range r.Actions {
		if !slices.Contains(notify.Kinds, a.Kind) {
			return bad("unknown action kind %q", a.Kind)
		}
		switch a.Kind {
		case notify.KindEmail, notify.KindSMS, notify.KindWebhook:
			if strings.TrimSpace(a.Target) == "" {
				return bad("%s action needs a target", a.Kind)
			}
		}
	}
	for _, t := range r.InsightTypes {
		if !insight.IsType(t) {
			return bad("unknown insight type %q", t)
		}
	}
	if r.MinSeverity != "" && insight.Rank(r.MinSeverity) < 0 {
		return bad("unknown severity %q", r.MinSeverity)
	}
	for name, v := range map[string]*float64{"min_delta_pct": r.MinDeltaPct, "max_delta_pct": r.MaxDeltaPct, "undercut_pct": r.UndercutPct} {
		if v != nil && *v < 0 {
			return bad("%s must not be negative", name)
		}
	}
	if r.MinDeltaPct != nil && r.MaxDeltaPct != nil && *r.MinDeltaPct > *r.MaxDeltaPct {
		return bad("min_delta_pct exceeds max_delta_pct")
	}
	if r.UndercutPct != nil && len(r.InsightTypes) > 0 &&
		!slices.Contains(r.InsightTypes, insight.TypePriceDrop) && !slices.Contains(r.InsightTypes, insight.TypePriceGap) {
		return bad("undercut_pct needs price_drop or price_gap among insight_types")
	}
	if r.DebounceMinutes < 0 {
		return bad("debounce_minutes must not be negative")
	}
	if r.DebounceMinutes == 0 {
		r.DebounceMinutes = DefaultDebounceMinutes
	}
	return nil
}

// Matches reports whether in satisfies every filter and threshold of r.
func Matches(r *store.WatchRule, in *store.Insight) bool {
	if !r.Active || r.TenantID != in.TenantID {
		return false
	}
	if !listed(r.CompetitorIDs, in.CompetitorID) || !listed(r.ProductIDs, in.ProductID) ||
		!listed(r.Geos, in.Geo) || !listed(r.SourceIDs, in.SourceID) || !listed(r.InsightTypes, in.Type) {
		return false
	}
	if len(r.Brands) > 0 && !slices.ContainsFunc(r.Brands, func(b string) bool { return strings.EqualFold(b, in.Brand) }) {
		return false
	}
	if r.MinSeverity != "" && insight.Rank(in.Severity) < insight.Rank(r.MinSeverity) {
		return false
	}
	if r.MinDeltaPct != nil || r.MaxDeltaPct != nil {
		if in.DeltaPercentage == nil {
			return false
		}
		d := math.Abs(*in.DeltaPercentage)
		if r.MinDeltaPct != nil && d < *r.MinDeltaPct {
			return false
		}
		if r.MaxDeltaPct != nil && d > *r.MaxDeltaPct {
			return false
		}
	}
	if r.UndercutPct != nil {
		if in.Type != insight.TypePriceDrop && in.Type != insight.TypePriceGap {
			return false
		}
		if in.DeltaPercentage == nil || *in.DeltaPercentage > -*r.UndercutPct {
			return false
		}
	}
	return true
}

func listed(list []string, v string) bool {
	return len(list) == 0 || slices.Contains(list, v)
}

// Debounced reports whether r fired too recently to fire again at now.
func Debounced(r *store.WatchRule, now time.Time) bool {
	if r.LastTriggeredAt == 0 {
		return false
	}
	window := time.Duration(r.DebounceMinutes) * time.Minute
	return now.UnixMilli()-r.LastTriggeredAt < window.Milliseconds()
}

// NotificationError records one failed action. It never rolls back state.
type NotificationError struct {
	RuleID    string
	InsightID string
	Action    string
	Err       error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("rules: notify rule %s insight %s via %s: %v", e.RuleID, e.InsightID, e.Action, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// Report summarizes one evaluation.
type Report struct {
	Evaluated int
	Fired     int
	Debounced int
	Errors    []*NotificationError
}

// Evaluator matches insights against the active rules of their tenant.
type Evaluator struct {
	db       *store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Evaluator. A nil notifier logs instead of delivering.
func New(db *store.Store, notifier notify.Notifier, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.NewLog(logger)
	}
	return &Evaluator{db: db, notifier: notifier, logger: logger, now: time.Now}
}

// SetClock overrides the evaluator clock.
func (e *Evaluator) SetClock(now func() time.Time) { e.now = now }

// Evaluate runs the tenant's active rules over insights, then marks the
// insights consumed by Consumer. Notification failures are reported, not
// returned.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID string, insights []*store.Insight) (*Report, error) {
	rep := &Report{}
	if len(insights) == 0 {
		return rep, nil
	}
	rules, err := e.db.ListRules(ctx, tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("rules: list: %w", err)
	}
	ids := make([]string, 0, len(insights))
	for _, in := range insights {
		ids = append(ids, in.ID)
		rep.Evaluated++
		for _, r := range rules {
			if !Matches(r, in) {
				continue
			}
			fired, err := e.fire(ctx, r, in, rep)
			if err != nil {
				return nil, err
			}
			if fired {
				rep.Fired++
			} else {
				rep.Debounced++
			}
		}
	}
	if _, err := e.db.MarkConsumed(ctx, tenantID, Consumer, ids, e.now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("rules: mark consumed: %w", err)
	}
	if rep.Fired > 0 || len(rep.Errors) > 0 {
		e.logger.InfoContext(ctx, "rules: evaluated", "tenant_id", tenantID,
			"insights", rep.Evaluated, "fired", rep.Fired, "debounced", rep.Debounced, "errors", len(rep.Errors))
	}
	return rep, nil
}

// fire records the trigger and dispatches r's actions. It reports false when
// the rule is debounced or another evaluator recorded the trigger first.
func (e *Evaluator) fire(ctx context.Context, r *store.WatchRule, in *store.Insight, rep *Report) (bool, error) {
	now := e.now()
	if Debounced(r, now) {
		return false, nil
	}
	ok, err := e.db.RecordTrigger(ctx, r.ID, r.LastTriggeredAt, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("rules: record trigger: %w", err)
	}
	if !ok {
		return false, nil
	}
	r.LastTriggeredAt = now.UnixMilli()
	r.TriggerCount++

	for _, a := range r.Actions {
		n := notify.Notification{
			TenantID: r.TenantID,
			RuleID:   r.ID,
			RuleName: r.Name,
			Action:   notify.Action{Kind: a.Kind, Target: a.Target},
			Insight:  toNotify(in),
			FiredAt:  now,
		}
		if err := e.notifier.Notify(ctx, n); err != nil {
			ne := &NotificationError{RuleID: r.ID, InsightID: in.ID, Action: a.Kind, Err: err}
			rep.Errors = append(rep.Errors, ne)
			e.logger.WarnContext(ctx, "rules: notification failed", "rule_id", r.ID, "insight_id", in.ID, "kind", a.Kind, "error", err)
		}
	}
	return true, nil
}

// Sweep evaluates every insight not yet consumed by Consumer, tenant by
// tenant. It catches up after a crash between commit and evaluation.
func (e *Evaluator) Sweep(ctx context.Context) (*Report, error) {
	total := &Report{}
	tenants, err := e.db.TenantsWithUnconsumed(ctx, Consumer)
	if err != nil {
		return nil, fmt.Errorf("rules: sweep: %w", err)
	}
	for _, t := range tenants {
		pending, err := e.db.Unconsumed(ctx, t, Consumer, store.InsightFilter{Limit: 1000})
		if err != nil {
			return nil, fmt.Errorf("rules: sweep %s: %w", t, err)
		}
		rep, err := e.Evaluate(ctx, t, pending)
		if err != nil {
			return nil, err
		}
		total.Evaluated += rep.Evaluated
		total.Fired += rep.Fired
		total.Debounced += rep.Debounced
		total.Errors = append(total.Errors, rep.Errors...)
	}
	return total, nil
}

func toNotify(in *store.Insight) notify.Insight {
	return notify.Insight{
		ID:              in.ID,
		Type:            in.Type,
		Severity:        in.Severity,
		CompetitorID:    in.CompetitorID,
		SourceID:        in.SourceID,
		ProductID:       in.ProductID,
		ProductName:     in.ProductName,
		Brand:           in.Brand,
		Category:        in.Category,
		PreviousValue:   in.PreviousValue,
		CurrentValue:    in.CurrentValue,
		DeltaPercentage: in.DeltaPercentage,
		CreatedAt:       in.CreatedAt,
	}
}
