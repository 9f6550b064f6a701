package store

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/pricewatch/dbopen"
)

func setupTestDB(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := ApplySchema(db); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return NewStore(db)
}

// seed creates competitor c1, profile p1 v1 and source s1 for tenant t1.
func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	if err := s.InsertCompetitor(ctx, &Competitor{ID: "c1", TenantID: "t1", Name: "Green Leaf", Geo: "ca-sf", Active: true}); err != nil {
		t.Fatalf("insert competitor: %v", err)
	}
	if _, err := s.InsertProfileVersion(ctx, &Profile{ID: "p1", TenantID: "t1", Name: "menu", SourceType: SourceMarkup,
		Definition: `{"container":".product"}`, ContentHash: "h1"}); err != nil {
		t.Fatalf("insert profile: %v", err)
	}
	if err := s.InsertSource(ctx, &Source{ID: "s1", TenantID: "t1", CompetitorID: "c1",
		BaseURL: "https://shop.example.com/menu", Active: true, RobotsAllowed: true,
		ProfileID: "p1", ProfileVersion: 1}); err != nil {
		t.Fatalf("insert source: %v", err)
	}
}

func TestApplySchema_Idempotent(t *testing.T) {
	// WHAT: ApplySchema can run twice and the warnings migration column exists.
	// WHY: The binary applies the schema at every start.
	s := setupTestDB(t)
	if err := ApplySchema(s.DB); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	var n int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('runs') WHERE name = 'warnings'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("warnings column: got %d", n)
	}
}

func TestGetters_TenantScoped(t *testing.T) {
	// WHAT: Tenant-facing getters return nil for another tenant's rows.
	// WHY: Every table is partitioned by tenant.
	s := setupTestDB(t)
	seed(t, s)
	ctx := context.Background()

	c, err := s.GetCompetitor(ctx, "t2", "c1")
	if err != nil || c != nil {
		t.Fatalf("competitor leak: %v %v", c, err)
	}
	src, err := s.GetSource(ctx, "t2", "s1")
	if err != nil || src != nil {
		t.Fatalf("source leak: %v %v", src, err)
	}
	src, err = s.GetSource(ctx, "t1", "s1")
	if err != nil || src == nil {
		t.Fatalf("own source: %v %v", src, err)
	}
	if src.Kind != "menu" || src.FrequencyMinutes != 60 || src.Priority != 5 {
		t.Fatalf("defaults: %+v", src)
	}
}

func TestProfileVersions_ImmutableAndDeduplicated(t *testing.T) {
	// WHAT: A new edit becomes version 2; the same content yields no new version.
	// WHY: Sources pin profiles by id+version, so historical runs stay reproducible.
	s := setupTestDB(t)
	seed(t, s)
	ctx := context.Background()

	same := &Profile{ID: "p1", TenantID: "t1", Name: "menu", SourceType: SourceMarkup, Definition: `{"container":".product"}`, ContentHash: "h1"}
	created, err := s.InsertProfileVersion(ctx, same)
	if err != nil {
		t.Fatal(err)
	}
	if created || same.Version != 1 {
		t.Fatalf("duplicate content: created=%v version=%d", created, same.Version)
	}

	edit := &Profile{ID: "p1", TenantID: "t1", Name: "menu", SourceType: SourceMarkup, Definition: `{"container":".card"}`, ContentHash: "h2"}
	created, err = s.InsertProfileVersion(ctx, edit)
	if err != nil {
		t.Fatal(err)
	}
	if !created || edit.Version != 2 {
		t.Fatalf("edit: created=%v version=%d", created, edit.Version)
	}

	v1, err := s.GetProfile(ctx, "t1", "p1", 1)
	if err != nil || v1 == nil || v1.ContentHash != "h1" {
		t.Fatalf("v1: %+v %v", v1, err)
	}
	latest, err := s.GetProfile(ctx, "t1", "p1", 0)
	if err != nil || latest.Version != 2 {
		t.Fatalf("latest: %+v %v", latest, err)
	}
	list, _ := s.ListProfiles(ctx, "t1")
	if len(list) != 1 || list[0].Version != 2 {
		t.Fatalf("list: %+v", list)
	}

	_, err = s.InsertProfileVersion(ctx, &Profile{ID: "p1", TenantID: "t2", Name: "x", SourceType: SourceMarkup, Definition: "{}", ContentHash: "h3"})
	if !errors.Is(err, ErrProfileOwner) {
		t.Fatalf("cross-tenant id: got %v", err)
	}
}

func TestCreateJob_OneInFlight(t *testing.T) {
	// WHAT: A second queued job for the same source fails with ErrJobInFlight.
	// WHY: A source never has two jobs in flight, enforced by the database.
	s := setupTestDB(t)
	seed(t, s)
	ctx := context.Background()

	if err := s.CreateJob(ctx, &Job{ID: "j1", TenantID: "t1", SourceID: "s1", DueAt: 1, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	err := s.CreateJob(ctx, &Job{ID: "j2", TenantID: "t1", SourceID: "s1", DueAt: 1, CreatedAt: 1})
	if !errors.Is(err, ErrJobInFlight) {
		t.Fatalf("second job: got %v", err)
	}

	ok, err := s.MarkJobRunning(ctx, "j1", 5)
	if err != nil || !ok {
		t.Fatalf("mark running: %v %v", ok, err)
	}
	ok, _ = s.MarkJobRunning(ctx, "j1", 6)
	if ok {
		t.Fatal("running job marked running twice")
	}
	if err := s.FinishJob(ctx, "j1", JobDone, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateJob(ctx, &Job{ID: "j3", TenantID: "t1", SourceID: "s1", DueAt: 11, CreatedAt: 11}); err != nil {
		t.Fatalf("job after done: %v", err)
	}
}

func TestRecoverRunningJobs(t *testing.T) {
	// WHAT: Jobs left running are cancelled and their open runs time out.
	// WHY: A crashed process must not leave a source blocked forever.
	s := setupTestDB(t)
	seed(t, s)
	ctx := context.Background()

	s.CreateJob(ctx, &Job{ID: "j1", TenantID: "t1", SourceID: "s1", DueAt: 1, CreatedAt: 1})
	s.MarkJobRunning(ctx, "j1", 2)
	s.InsertRun(ctx, &Run{ID: "r1", TenantID: "t1", SourceID: "s1", JobID: "j1", ProfileID: "p1", ProfileVersion: 1, StartedAt: 2})
	s.SetJobRun(ctx, "j1", "r1")

	n, err := s.RecoverRunningJobs(ctx, 100)
	if err != nil || n != 1 {
		t.Fatalf("recover: %d %v", n, err)
	}
	j, _ := s.GetJob(ctx, "j1")
	if j.Status != JobCancelled {
		t.Fatalf("job status: %s", j.Status)
	}
	r, _ := s.GetRun(ctx, "r1")
	if r.Status != RunTimeout || r.FinishedAt == nil {
		t.Fatalf("run: %+v", r)
	}
}

func TestCancelStaleJobs(t *testing.T) {
	// WHAT: Only running jobs started before the cutoff are cancelled.
	// WHY: The periodic sweep must not kill healthy in-progress work.
	s := setupTestDB(t)
	seed(t, s)
	ctx := context.Background()
	s.InsertSource(ctx, &Source{ID: "s2", TenantID: "t1", CompetitorID: "c1", BaseURL: "https://b.example.com/",
		Active: true, ProfileID: "p1", ProfileVersion: 1})

	s.CreateJob(ctx, &Job{ID: "old", TenantID: "t1", SourceID: "s1", CreatedAt: 1})
	s.MarkJobRunning(ctx, "old", 10)
	s.CreateJob(ctx, &Job{ID: "fresh", TenantID: "t1", SourceID: "s2", CreatedAt: 1})
	s.MarkJobRunning(ctx, "fresh", 500)

	n, err := s.CancelStaleJobs(ctx, 100, 600)
	if err != nil || n != 1 {
		t.Fatalf("cancel: %d %v", n, err)
	}
	if j, _ := s.GetJob(ctx, "old"); j.Status != JobCancelled {
		t.Fatalf("old: %s", j.Status)
	}
	if j, _ := s.GetJob(ctx, "fresh"); j.Status != JobRunning {
		t.Fatalf("fresh: %s", j.Status)
	}
}

func TestFinishRun_Once(t *testing.T) {
	// WHAT: A finished run cannot be finished again.
	// WHY: Runs are append-only once finished_at is set.
	s := setupTestDB(t)
	seed(t, s)
	ctx := context.Background()

	r := &Run{ID: "r1", TenantID: "t1", SourceID: "s1", ProfileID: "p1", ProfileVersion: 1, StartedAt: 1}
	if err := s.InsertRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	r.Status = RunSuccess
	r.ProductsParsed = 4
	if err := s.FinishRun(ctx, r, 10); err != nil {
		t.Fatal(err)
	}
	r.Status = RunError
	if err := s.FinishRun(ctx, r, 20); !errors.Is(err, ErrRunFinished) {
		t.Fatalf("second finish: got %v", err)
	}
	got, _ := s.GetRun(ctx, "r1")
	if got.Status != RunSuccess || got.ProductsParsed != 4 || *got.FinishedAt != 10 {
		t.Fatalf("run mutated: %+v", got)
	}
}

func TestDueSources_Order(t *testing.T) {
	// WHAT: Due sources come by priority desc then next_due_at asc; inactive ones are skipped.
	// WHY: The scheduler dispatches in this order.
	s := setupTestDB(t)
	seed(t, s)
	ctx := context.Background()

	s.InsertSource(ctx, &Source{ID: "s2", TenantID: "t1", CompetitorID: "c1", BaseURL: "https://a.example.com", Active: true, Priority: 9, NextDueAt: 50, ProfileID: "p1", ProfileVersion: 1})
	s.InsertSource(ctx, &Source{ID: "s3", TenantID: "t1", CompetitorID: "c1", BaseURL: "https://b.example.com", Active: true, Priority: 9, NextDueAt: 10, ProfileID: "p1", ProfileVersion: 1})
	s.InsertSource(ctx, &Source{ID: "s4", TenantID: "t1", CompetitorID: "c1", BaseURL: "https://c.example.com", Active: false, Priority: 10, ProfileID: "p1", ProfileVersion: 1})
	s.InsertSource(ctx, &Source{ID: "s5", TenantID: "t1", CompetitorID: "c1", BaseURL: "https://d.example.com", Active: true, Priority: 10, NextDueAt: 1000, ProfileID: "p1", ProfileVersion: 1})

	due, err := s.DueSources(ctx, 100, 0)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, d := range due {
		ids = append(ids, d.ID)
	}
	want := []string{"s3", "s2", "s1"}
	if len(ids) != len(want) {
		t.Fatalf("due: got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("due: got %v, want %v", ids, want)
		}
	}
}

func TestPricePoints_AppendOnlyPerRun(t *testing.T) {
	// WHAT: A second point for the same (product, run) is ignored; seq increments across runs.
	// WHY: Replaying a run must not double-append the price series.
	s := setupTestDB(t)
	seed(t, s)
	ctx := context.Background()

	price := int64(4000)
	if err := s.InsertProduct(ctx, &Product{ID: "pr1", TenantID: "t1", CompetitorID: "c1", SourceID: "s1",
		ExternalID: "x1", Name: "Blue Dream", Category: "flower", PriceCents: &price, InStock: true,
		FirstSeenAt: 1, LastSeenAt: 1, LastRunID: "r1"}); err != nil {
		t.Fatal(err)
	}
	ok, err := s.AppendPricePoint(ctx, &PricePoint{ID: "pp1", TenantID: "t1", ProductID: "pr1", RunID: "r1", PriceCents: &price, InStock: true, ObservedAt: 1})
	if err != nil || !ok {
		t.Fatalf("first: %v %v", ok, err)
	}
	ok, _ = s.AppendPricePoint(ctx, &PricePoint{ID: "pp2", TenantID: "t1", ProductID: "pr1", RunID: "r1", PriceCents: &price, InStock: true, ObservedAt: 1})
	if ok {
		t.Fatal("duplicate run point written")
	}
	newPrice := int64(3400)
	s.AppendPricePoint(ctx, &PricePoint{ID: "pp3", TenantID: "t1", ProductID: "pr1", RunID: "r2", PriceCents: &newPrice, InStock: true, ObservedAt: 2})

	pts, err := s.ListPricePoints(ctx, "t1", "pr1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(pts) != 2 || pts[0].Seq != 1 || pts[1].Seq != 2 || *pts[1].PriceCents != 3400 {
		t.Fatalf("points: %+v", pts)
	}
}

func TestUpdateProduct_LastSeenMonotonic(t *testing.T) {
	// WHAT: An older last_seen_at never overwrites a newer one.
	// WHY: lastSeenAt only moves forward.
	s := setupTestDB(t)
	seed(t, s)
	ctx := context.Background()

	p := &Product{ID: "pr1", TenantID: "t1", CompetitorID: "c1", SourceID: "s1", ExternalID: "x1",
		Name: "A", Category: "other", InStock: true, FirstSeenAt: 1, LastSeenAt: 100}
	s.InsertProduct(ctx, p)
	p.LastSeenAt = 50
	if err := s.UpdateProduct(ctx, p); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetProduct(ctx, "t1", "pr1")
	if got.LastSeenAt != 100 {
		t.Fatalf("last_seen_at moved back: %d", got.LastSeenAt)
	}
}

func TestInsights_ConsumeIdempotent(t *testing.T) {
	// WHAT: Replayed insights are ignored, marking is idempotent and per consumer.
	// WHY: Consumption is at-least-once through the consumedBy set.
	s := setupTestDB(t)
	seed(t, s)
	ctx := context.Background()

	delta := -15.0
	in := &Insight{ID: "i1", TenantID: "t1", CompetitorID: "c1", SourceID: "s1", ProductID: "pr1",
		RunID: "r1", Type: "price_drop", Severity: "high", Category: "flower", DeltaPercentage: &delta, CreatedAt: 10}
	ok, err := s.InsertInsight(ctx, in)
	if err != nil || !ok {
		t.Fatalf("insert: %v %v", ok, err)
	}
	dup := *in
	dup.ID = "i2"
	ok, _ = s.InsertInsight(ctx, &dup)
	if ok {
		t.Fatal("replayed insight written")
	}

	un, err := s.Unconsumed(ctx, "t1", "dashboard", InsightFilter{Category: "flower"})
	if err != nil || len(un) != 1 {
		t.Fatalf("unconsumed: %v %v", un, err)
	}
	for i := 0; i < 2; i++ {
		if _, err := s.MarkConsumed(ctx, "t1", "dashboard", []string{"i1"}, 20); err != nil {
			t.Fatal(err)
		}
	}
	n, _ := s.MarkConsumed(ctx, "t2", "dashboard", []string{"i1"}, 20)
	if n != 0 {
		t.Fatal("other tenant marked insight")
	}
	un, _ = s.Unconsumed(ctx, "t1", "dashboard", InsightFilter{})
	if len(un) != 0 {
		t.Fatalf("still unconsumed: %d", len(un))
	}
	un, _ = s.Unconsumed(ctx, "t1", "pricing", InsightFilter{Types: []string{"price_drop"}})
	if len(un) != 1 {
		t.Fatalf("other consumer: %d", len(un))
	}
	got, _ := s.GetInsight(ctx, "t1", "i1")
	if len(got.ConsumedBy) != 1 || got.ConsumedBy[0] != "dashboard" {
		t.Fatalf("consumed_by: %v", got.ConsumedBy)
	}
}

func TestRecordTrigger_Conditional(t *testing.T) {
	// WHAT: Only the evaluator holding the current last_triggered_at records a trigger.
	// WHY: Concurrent evaluations must fire a rule once per debounce window.
	s := setupTestDB(t)
	ctx := context.Background()

	r := &WatchRule{ID: "w1", TenantID: "t1", Name: "drops", Active: true, DebounceMinutes: 60,
		InsightTypes: []string{"price_drop"}, Actions: []Action{{Kind: "email", Target: "ops@example.com"}}}
	if err := s.InsertRule(ctx, r); err != nil {
		t.Fatal(err)
	}
	ok, err := s.RecordTrigger(ctx, "w1", 0, 1000)
	if err != nil || !ok {
		t.Fatalf("first: %v %v", ok, err)
	}
	ok, _ = s.RecordTrigger(ctx, "w1", 0, 1001)
	if ok {
		t.Fatal("stale trigger recorded")
	}
	got, _ := s.GetRule(ctx, "t1", "w1")
	if got.LastTriggeredAt != 1000 || got.TriggerCount != 1 {
		t.Fatalf("rule: %+v", got)
	}
	if len(got.Actions) != 1 || got.Actions[0].Target != "ops@example.com" || got.InsightTypes[0] != "price_drop" {
		t.Fatalf("decoded rule: %+v", got)
	}
}

func TestReferencePrices_Upsert(t *testing.T) {
	// WHAT: Upserting the same match key replaces the price.
	// WHY: Tenants re-upload their price list.
	s := setupTestDB(t)
	ctx := context.Background()

	s.UpsertReferencePrice(ctx, &ReferencePrice{TenantID: "t1", MatchKey: "k", Name: "A", PriceCents: 1000, UpdatedAt: 1})
	s.UpsertReferencePrice(ctx, &ReferencePrice{TenantID: "t1", MatchKey: "k", Name: "A", PriceCents: 900, UpdatedAt: 2})
	rp, err := s.GetReferencePrice(ctx, "t1", "k")
	if err != nil || rp.PriceCents != 900 {
		t.Fatalf("reference: %+v %v", rp, err)
	}
	list, _ := s.ListReferencePrices(ctx, "t1")
	if len(list) != 1 {
		t.Fatalf("list: %d", len(list))
	}
}
