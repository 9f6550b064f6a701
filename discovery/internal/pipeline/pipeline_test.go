package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/pricewatch/connectivity"
	"github.com/hazyhaar/pricewatch/dbopen"
	"github.com/hazyhaar/pricewatch/discovery/internal/catalog"
	"github.com/hazyhaar/pricewatch/discovery/internal/fetch"
	"github.com/hazyhaar/pricewatch/discovery/internal/insight"
	"github.com/hazyhaar/pricewatch/discovery/internal/rules"
	"github.com/hazyhaar/pricewatch/discovery/internal/snapshot"
	"github.com/hazyhaar/pricewatch/discovery/internal/store"
	"github.com/hazyhaar/pricewatch/idgen"
	"github.com/hazyhaar/pricewatch/notify"
)

const profileDef = `{"source_type":"markup","container":".product",
"fields":{"id":"@data-sku","name":".name","brand":".brand","price":".price"}}`

func menu(price string) string {
	return fmt.Sprintf(`<html><body>
<div class="product" data-sku="bd-1"><h3 class="name">Blue Dream</h3><span class="brand">Kiva</span><span class="price">%s</span></div>
</body></html>`, price)
}

// site serves a mutable body.
type site struct {
	mu     sync.Mutex
	body   string
	status int
}

func (s *site) set(body string, status int) {
	s.mu.Lock()
	s.body, s.status = body, status
	s.mu.Unlock()
}

func (s *site) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(s.status)
	w.Write([]byte(s.body))
}

type harness struct {
	db    *store.Store
	pipe  *Pipeline
	site  *site
	sent  []notify.Notification
	clock time.Time
	jobs  idgen.Generator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	s := store.NewStore(db)
	h := &harness{db: s, site: &site{status: http.StatusOK}, clock: time.UnixMilli(1_700_000_000_000), jobs: idgen.Sequence("job")}
	srv := httptest.NewServer(h.site)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	must(t, s.InsertCompetitor(ctx, &store.Competitor{ID: "c1", TenantID: "t1", Name: "Green Leaf", Geo: "ca-sf", Active: true, Priority: 5}))
	if _, err := s.InsertProfileVersion(ctx, &store.Profile{ID: "p1", TenantID: "t1", Name: "menu",
		SourceType: store.SourceMarkup, Definition: profileDef, ContentHash: "h1"}); err != nil {
		t.Fatal(err)
	}
	must(t, s.InsertSource(ctx, &store.Source{ID: "s1", TenantID: "t1", CompetitorID: "c1", BaseURL: srv.URL + "/menu",
		RobotsAllowed: true, Active: true, ProfileID: "p1", ProfileVersion: 1}))
	must(t, s.InsertRule(ctx, &store.WatchRule{ID: "w1", TenantID: "t1", Name: "big drops", Active: true,
		InsightTypes: []string{insight.TypePriceDrop}, MinDeltaPct: ptr(10), DebounceMinutes: 60,
		Actions: []store.Action{{Kind: notify.KindAutomation, Target: "reprice"}}}))

	fsb, err := snapshot.NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fetcher := fetch.New(fetch.Config{
		URLValidator:      func(string) error { return nil },
		RequestsPerSecond: 1000,
		Burst:             100,
		Retry:             connectivity.Policy{MaxRetries: 1, BaseBackoff: time.Millisecond},
	}, nil)
	ev := rules.New(s, notify.Func(func(_ context.Context, n notify.Notification) error {
		h.sent = append(h.sent, n)
		return nil
	}), nil)
	ev.SetClock(h.now)
	h.pipe = New(Deps{
		DB:        s,
		Fetcher:   fetcher,
		Snapshots: snapshot.New(fsb, s),
		Catalog:   catalog.New(s, catalog.Config{}, nil),
		Insights:  insight.New(insight.Config{}, nil),
		Rules:     ev,
	}, nil)
	h.pipe.SetClock(h.now)
	return h
}

func (h *harness) now() time.Time { return h.clock }

// execute runs one job for s1 and returns its finished run.
func (h *harness) execute(t *testing.T) (*store.Run, error) {
	t.Helper()
	ctx := context.Background()
	h.clock = h.clock.Add(time.Hour)
	job := &store.Job{ID: h.jobs(), TenantID: "t1", SourceID: "s1", CreatedAt: h.clock.UnixMilli()}
	must(t, h.db.CreateJob(ctx, job))
	execErr := h.pipe.Execute(ctx, job)
	must(t, h.db.FinishJob(ctx, job.ID, store.JobDone, h.clock.UnixMilli()))
	j, _ := h.db.GetJob(ctx, job.ID)
	run, err := h.db.GetRun(ctx, j.RunID)
	if err != nil || run == nil || run.FinishedAt == nil {
		t.Fatalf("run not finished: %+v %v", run, err)
	}
	return run, execErr
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func ptr(f float64) *float64 { return &f }

func TestScenario_PriceDropFiresRule(t *testing.T) {
	// WHAT: $40 then unchanged then $34 yields new_product, an unchanged run, then price_drop -15 high and one notification.
	// WHY: This is the end-to-end promise of the service.
	h := newHarness(t)
	ctx := context.Background()

	h.site.set(menu("$40.00"), http.StatusOK)
	r1, err := h.execute(t)
	if err != nil || r1.Status != store.RunSuccess || r1.ProductsNew != 1 || r1.SnapshotRef == "" {
		t.Fatalf("run 1: %+v %v", r1, err)
	}
	ins1, _ := h.db.InsightsForRun(ctx, r1.ID)
	if len(ins1) != 1 || ins1[0].Type != insight.TypeNewProduct {
		t.Fatalf("run 1 insights: %+v", ins1)
	}

	r2, err := h.execute(t)
	if err != nil || r2.Status != store.RunSuccess || !r2.Unchanged {
		t.Fatalf("run 2: %+v %v", r2, err)
	}

	h.site.set(menu("$34.00"), http.StatusOK)
	r3, err := h.execute(t)
	if err != nil || r3.Status != store.RunSuccess || r3.ProductsChanged != 1 {
		t.Fatalf("run 3: %+v %v", r3, err)
	}
	ins3, _ := h.db.InsightsForRun(ctx, r3.ID)
	if len(ins3) != 1 {
		t.Fatalf("run 3 insights: %+v", ins3)
	}
	drop := ins3[0]
	if drop.Type != insight.TypePriceDrop || *drop.DeltaPercentage != -15 || drop.Severity != insight.SeverityHigh ||
		*drop.PreviousValue != 40 || *drop.CurrentValue != 34 {
		t.Fatalf("drop: %+v", drop)
	}
	if len(h.sent) != 1 || h.sent[0].Insight.ID != drop.ID || h.sent[0].Action.Target != "reprice" {
		t.Fatalf("notifications: %+v", h.sent)
	}
	src, _ := h.db.SourceByID(ctx, "s1")
	if src.LastSuccessHash != r3.ContentHash {
		t.Fatal("last_success_hash not advanced")
	}
	pending, _ := h.db.Unconsumed(ctx, "t1", rules.Consumer, store.InsightFilter{})
	if len(pending) != 0 {
		t.Fatalf("unconsumed by rules: %d", len(pending))
	}
}

func TestReparseSameContent_NoDuplicates(t *testing.T) {
	// WHAT: Parsing identical content again writes no insights and no price points.
	// WHY: Re-processing must be idempotent even when the unchanged short-circuit is bypassed.
	h := newHarness(t)
	ctx := context.Background()
	h.site.set(menu("$40.00"), http.StatusOK)
	h.execute(t)

	must(t, h.db.SetLastSuccessHash(ctx, "s1", ""))
	r2, err := h.execute(t)
	if err != nil || r2.Unchanged || r2.ProductsChanged != 0 || r2.ProductsNew != 0 {
		t.Fatalf("run 2: %+v %v", r2, err)
	}
	if ins, _ := h.db.InsightsForRun(ctx, r2.ID); len(ins) != 0 {
		t.Fatalf("insights: %+v", ins)
	}
	prods, _ := h.db.ListProducts(ctx, "t1", "c1", 0)
	points, _ := h.db.ListPricePoints(ctx, "t1", prods[0].ID, 0)
	if len(points) != 1 {
		t.Fatalf("price points: %d", len(points))
	}
}

func TestParseError_LeavesHash(t *testing.T) {
	// WHAT: A page with no container fails the run as a parse error and keeps the previous success hash.
	// WHY: A changed layout must be flagged, not read as an empty catalog.
	h := newHarness(t)
	ctx := context.Background()
	h.site.set(menu("$40.00"), http.StatusOK)
	r1, _ := h.execute(t)

	h.site.set("<html><body><p>new layout</p></body></html>", http.StatusOK)
	r2, err := h.execute(t)
	var pe *ParseError
	if !errors.As(err, &pe) || r2.Status != store.RunError || r2.ErrorKind != "parse" {
		t.Fatalf("run 2: %+v %v", r2, err)
	}
	src, _ := h.db.SourceByID(ctx, "s1")
	if src.LastSuccessHash != r1.ContentHash {
		t.Fatal("hash changed on failed run")
	}
	prods, _ := h.db.ListProducts(ctx, "t1", "c1", 0)
	if len(prods) != 1 || prods[0].MissedRuns != 0 {
		t.Fatalf("catalog touched by failed run: %+v", prods)
	}
}

func TestFetchError_RecordsStatus(t *testing.T) {
	// WHAT: A 404 finishes the run as fetch_http with the status recorded.
	// WHY: Operators need the HTTP status to diagnose a dead source.
	h := newHarness(t)
	h.site.set("gone", http.StatusNotFound)
	r, err := h.execute(t)
	var fe *FetchError
	if !errors.As(err, &fe) || fe.StatusCode != 404 {
		t.Fatalf("error: %v", err)
	}
	if r.Status != store.RunError || r.ErrorKind != "fetch_http" || r.HTTPStatus != 404 {
		t.Fatalf("run: %+v", r)
	}
}

func TestStatus_Taxonomy(t *testing.T) {
	// WHAT: Each taxonomy error maps to its run status.
	// WHY: The scheduler and the run history depend on this mapping.
	cases := []struct {
		err    error
		status string
	}{
		{nil, store.RunSuccess},
		{&FetchError{Kind: KindTimeout, Err: context.DeadlineExceeded}, store.RunTimeout},
		{&FetchError{Kind: KindHTTP, StatusCode: 500}, store.RunError},
		{&ParseError{Reason: "x"}, store.RunError},
		{&PartialParseError{Reason: "max_pages"}, store.RunPartial},
		{&DiffConflict{SourceID: "s", RunID: "r"}, store.RunError},
		{&NotificationError{RuleID: "w", Err: errors.New("x")}, store.RunSuccess},
		{fmt.Errorf("apply: %w", context.DeadlineExceeded), store.RunTimeout},
	}
	for _, c := range cases {
		if got, _ := Status(c.err); got != c.status {
			t.Errorf("Status(%v) = %s, want %s", c.err, got, c.status)
		}
	}
}
