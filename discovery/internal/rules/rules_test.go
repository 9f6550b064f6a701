package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/pricewatch/dbopen"
	"github.com/hazyhaar/pricewatch/discovery/internal/store"
	"github.com/hazyhaar/pricewatch/notify"
)

func ptr(f float64) *float64 { return &f }

func setup(t *testing.T) *store.Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	return store.NewStore(db)
}

type recorder struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  map[string]error
}

func (r *recorder) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.err[n.Action.Kind]; err != nil {
		return err
	}
	r.sent = append(r.sent, n)
	return nil
}

func dropInsight(id string, delta float64) *store.Insight {
	return &store.Insight{ID: id, TenantID: "t1", CompetitorID: "c1", SourceID: "s1", ProductID: "p-" + id,
		RunID: "r-" + id, Type: "price_drop", Severity: "high", Brand: "Kiva", DeltaPercentage: ptr(delta), CreatedAt: 1}
}

func TestValidate(t *testing.T) {
	// WHAT: Invalid rules are rejected with ErrInvalidRule; a valid one gets the default debounce.
	// WHY: A rule that can never fire or cannot be delivered must fail at creation.
	valid := func() *store.WatchRule {
		return &store.WatchRule{Name: "r", Actions: []store.Action{{Kind: "automation"}}}
	}
	cases := map[string]func(r *store.WatchRule){
		"no actions":    func(r *store.WatchRule) { r.Actions = nil },
		"unknown kind":  func(r *store.WatchRule) { r.Actions = []store.Action{{Kind: "pigeon"}} },
		"empty target":  func(r *store.WatchRule) { r.Actions = []store.Action{{Kind: "email"}} },
		"min over max":  func(r *store.WatchRule) { r.MinDeltaPct, r.MaxDeltaPct = ptr(20), ptr(10) },
		"negative":      func(r *store.WatchRule) { r.MinDeltaPct = ptr(-1) },
		"debounce":      func(r *store.WatchRule) { r.DebounceMinutes = -5 },
		"unknown type":  func(r *store.WatchRule) { r.InsightTypes = []string{"gossip"} },
		"severity":      func(r *store.WatchRule) { r.MinSeverity = "urgent" },
		"undercut type": func(r *store.WatchRule) { r.UndercutPct, r.InsightTypes = ptr(5), []string{"out_of_stock"} },
		"no name":       func(r *store.WatchRule) { r.Name = " " },
	}
	for name, mutate := range cases {
		r := valid()
		mutate(r)
		if err := Validate(r); !errors.Is(err, ErrInvalidRule) {
			t.Errorf("%s: got %v", name, err)
		}
	}
	r := valid()
	r.UndercutPct, r.InsightTypes = ptr(5), []string{"price_gap"}
	if err := Validate(r); err != nil {
		t.Fatal(err)
	}
	if r.DebounceMinutes != DefaultDebounceMinutes {
		t.Fatalf("debounce: %d", r.DebounceMinutes)
	}
}

func TestMatches(t *testing.T) {
	// WHAT: Filters, severity floor, delta thresholds and undercut all gate a match.
	// WHY: Rules are tenant intent; a false positive is an unwanted alert.
	base := func() *store.WatchRule {
		return &store.WatchRule{TenantID: "t1", Active: true}
	}
	in := dropInsight("i1", -15)
	if !Matches(base(), in) {
		t.Fatal("empty rule should match")
	}
	checks := []struct {
		name   string
		mutate func(r *store.WatchRule)
		want   bool
	}{
		{"inactive", func(r *store.WatchRule) { r.Active = false }, false},
		{"other tenant", func(r *store.WatchRule) { r.TenantID = "t2" }, false},
		{"brand case", func(r *store.WatchRule) { r.Brands = []string{"KIVA"} }, true},
		{"brand miss", func(r *store.WatchRule) { r.Brands = []string{"Other"} }, false},
		{"competitor", func(r *store.WatchRule) { r.CompetitorIDs = []string{"c2"} }, false},
		{"type", func(r *store.WatchRule) { r.InsightTypes = []string{"price_increase"} }, false},
		{"severity ok", func(r *store.WatchRule) { r.MinSeverity = "medium" }, true},
		{"severity floor", func(r *store.WatchRule) { r.MinSeverity = "critical" }, false},
		{"min delta", func(r *store.WatchRule) { r.MinDeltaPct = ptr(10) }, true},
		{"min delta miss", func(r *store.WatchRule) { r.MinDeltaPct = ptr(20) }, false},
		{"max delta miss", func(r *store.WatchRule) { r.MaxDeltaPct = ptr(10) }, false},
		{"undercut", func(r *store.WatchRule) { r.UndercutPct = ptr(15) }, true},
		{"undercut miss", func(r *store.WatchRule) { r.UndercutPct = ptr(16) }, false},
	}
	for _, c := range checks {
		r := base()
		c.mutate(r)
		if got := Matches(r, in); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestEvaluate_Debounce(t *testing.T) {
	// WHAT: With a 60 minute debounce a rule fires at t=0, not at 30m, again at 61m.
	// WHY: Tenants must not be flooded by a flapping price.
	s := setup(t)
	ctx := context.Background()
	rule := &store.WatchRule{ID: "w1", TenantID: "t1", Name: "drops", Active: true, DebounceMinutes: 60,
		Actions: []store.Action{{Kind: "automation", Target: "a1"}}}
	if err := s.InsertRule(ctx, rule); err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	ev := New(s, rec, nil)
	t0 := time.UnixMilli(1_000_000_000)
	steps := []struct {
		at   time.Duration
		want int
	}{{0, 1}, {30 * time.Minute, 1}, {61 * time.Minute, 2}}
	for i, st := range steps {
		ev.SetClock(func() time.Time { return t0.Add(st.at) })
		in := dropInsight(string(rune('a'+i)), -15)
		if _, err := s.InsertInsight(ctx, in); err != nil {
			t.Fatal(err)
		}
		if _, err := ev.Evaluate(ctx, "t1", []*store.Insight{in}); err != nil {
			t.Fatal(err)
		}
		if len(rec.sent) != st.want {
			t.Fatalf("at %v: sent %d, want %d", st.at, len(rec.sent), st.want)
		}
	}
	got, _ := s.GetRule(ctx, "t1", "w1")
	if got.TriggerCount != 2 {
		t.Fatalf("trigger_count: %d", got.TriggerCount)
	}
}

func TestEvaluate_NotificationErrorsIsolated(t *testing.T) {
	// WHAT: A failing action is reported; the other action still goes out and the insight is consumed.
	// WHY: One broken gateway must not swallow every alert or cause re-delivery loops.
	s := setup(t)
	ctx := context.Background()
	s.InsertRule(ctx, &store.WatchRule{ID: "w1", TenantID: "t1", Name: "r", Active: true, DebounceMinutes: 60,
		Actions: []store.Action{{Kind: "email", Target: "ops@example.com"}, {Kind: "automation"}}})
	in := dropInsight("i1", -15)
	s.InsertInsight(ctx, in)

	rec := &recorder{err: map[string]error{"email": errors.New("smtp down")}}
	rep, err := New(s, rec, nil).Evaluate(ctx, "t1", []*store.Insight{in})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Fired != 1 || len(rep.Errors) != 1 || rep.Errors[0].Action != "email" || len(rec.sent) != 1 {
		t.Fatalf("report: %+v sent=%d", rep, len(rec.sent))
	}
	pending, _ := s.Unconsumed(ctx, "t1", Consumer, store.InsightFilter{})
	if len(pending) != 0 {
		t.Fatalf("pending: %d", len(pending))
	}
}

func TestSweep_CatchesUp(t *testing.T) {
	// WHAT: Sweep evaluates insights left unconsumed and leaves nothing pending.
	// WHY: A crash between commit and evaluation must not lose alerts.
	s := setup(t)
	ctx := context.Background()
	s.InsertRule(ctx, &store.WatchRule{ID: "w1", TenantID: "t1", Name: "r", Active: true, DebounceMinutes: 60,
		Actions: []store.Action{{Kind: "automation"}}})
	s.InsertInsight(ctx, dropInsight("i1", -15))
	s.InsertInsight(ctx, dropInsight("i2", -30))

	rec := &recorder{}
	rep, err := New(s, rec, nil).Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Evaluated != 2 || rep.Fired != 1 || rep.Debounced != 1 {
		t.Fatalf("report: %+v", rep)
	}
	again, _ := New(s, rec, nil).Sweep(ctx)
	if again.Evaluated != 0 {
		t.Fatalf("second sweep evaluated %d", again.Evaluated)
	}
}
