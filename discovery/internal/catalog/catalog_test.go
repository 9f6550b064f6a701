package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/hazyhaar/pricewatch/dbopen"
	"github.com/hazyhaar/pricewatch/discovery/internal/parse"
	"github.com/hazyhaar/pricewatch/discovery/internal/store"
)

type fixture struct {
	db   *store.Store
	eng  *Engine
	src  *store.Source
	comp *store.Competitor
	runs int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := dbopen.OpenMemory(t)
	if err := store.ApplySchema(db); err != nil {
		t.Fatal(err)
	}
	s := store.NewStore(db)
	ctx := context.Background()
	comp := &store.Competitor{ID: "c1", TenantID: "t1", Name: "Green Leaf", Active: true}
	if err := s.InsertCompetitor(ctx, comp); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertProfileVersion(ctx, &store.Profile{ID: "p1", TenantID: "t1", Name: "m", SourceType: "markup", Definition: "{}", ContentHash: "h"}); err != nil {
		t.Fatal(err)
	}
	src := &store.Source{ID: "s1", TenantID: "t1", CompetitorID: "c1", BaseURL: "https://x.example.com", Active: true, RobotsAllowed: true, ProfileID: "p1", ProfileVersion: 1}
	if err := s.InsertSource(ctx, src); err != nil {
		t.Fatal(err)
	}
	return &fixture{db: s, eng: New(s, Config{}, nil), src: src, comp: comp}
}

// run applies records as a new finished run.
func (f *fixture) run(t *testing.T, complete bool, recs ...parse.Record) *Result {
	t.Helper()
	ctx := context.Background()
	f.runs++
	at := int64(f.runs * 1000)
	r := &store.Run{ID: fmt.Sprintf("r%d", f.runs), TenantID: "t1", SourceID: "s1", ProfileID: "p1", ProfileVersion: 1, StartedAt: at}
	if err := f.db.InsertRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	res, err := f.eng.Apply(ctx, ApplyInput{Run: r, Source: f.src, Competitor: f.comp, Records: recs, Complete: complete, At: at})
	if err != nil {
		t.Fatalf("apply run %d: %v", f.runs, err)
	}
	r.Status = store.RunSuccess
	if err := f.db.FinishRun(ctx, r, at+1); err != nil {
		t.Fatal(err)
	}
	return res
}

func rec(name string, cents int64) parse.Record {
	return parse.Record{Name: name, Brand: "Kiva", Category: "flower", PriceCents: &cents}
}

func types(res *Result) []string {
	var out []string
	for _, c := range res.Changes {
		out = append(out, c.Type)
	}
	return out
}

func count(res *Result, typ string) int {
	n := 0
	for _, c := range res.Changes {
		if c.Type == typ {
			n++
		}
	}
	return n
}

func TestApply_NewAndPriceDrop(t *testing.T) {
	// WHAT: A first sighting is new_product; $40 -> $34 is a price_drop with a price point.
	// WHY: These are the core catalog transitions behind price insights.
	f := newFixture(t)
	res := f.run(t, true, rec("Blue Dream", 4000))
	if res.New != 1 || count(res, ChangeNew) != 1 || res.PricePoints != 1 {
		t.Fatalf("first run: %+v", types(res))
	}
	res = f.run(t, true, rec("Blue Dream", 3400))
	if count(res, ChangePriceDrop) != 1 || res.PricePoints != 1 || res.Changed != 1 {
		t.Fatalf("second run: %+v", types(res))
	}
	c := res.Changes[0]
	if *c.PreviousPrice != 4000 || *c.CurrentPrice != 3400 {
		t.Fatalf("prices: %d -> %d", *c.PreviousPrice, *c.CurrentPrice)
	}
	res = f.run(t, true, rec("Blue Dream", 3400))
	if len(res.Changes) != 0 || res.PricePoints != 0 {
		t.Fatalf("unchanged run: %+v", types(res))
	}
}

func TestApply_GraceWindow(t *testing.T) {
	// WHAT: Absent for K-1 runs stays in stock; the K-th miss emits exactly one out_of_stock;
	// K+3 misses emit one discontinued; reappearance brings it back.
	// WHY: Transient parse gaps must not flap the catalog.
	f := newFixture(t)
	keep := rec("Always", 1000)
	f.run(t, true, keep, rec("Flaky", 2000))

	for i := 1; i < 3; i++ {
		res := f.run(t, true, keep)
		if len(res.Changes) != 0 {
			t.Fatalf("miss %d: %v", i, types(res))
		}
	}
	res := f.run(t, true, keep)
	if count(res, ChangeOutOfStock) != 1 {
		t.Fatalf("miss 3: %v", types(res))
	}
	res = f.run(t, true, keep)
	res2 := f.run(t, true, keep)
	if len(res.Changes)+len(res2.Changes) != 0 {
		t.Fatalf("misses 4-5: %v %v", types(res), types(res2))
	}
	res = f.run(t, true, keep)
	if count(res, ChangeDiscontinued) != 1 {
		t.Fatalf("miss 6: %v", types(res))
	}
	res = f.run(t, true, keep)
	if len(res.Changes) != 0 {
		t.Fatalf("after discontinued: %v", types(res))
	}

	res = f.run(t, true, keep, rec("Flaky", 2000))
	if count(res, ChangeBackInStock) != 1 {
		t.Fatalf("reappear: %v", types(res))
	}
	products, _ := f.db.ListProducts(context.Background(), "t1", "", 0)
	for _, p := range products {
		if p.Discontinued || !p.InStock || p.MissedRuns != 0 {
			t.Fatalf("product state: %+v", p)
		}
	}
}

// touch records an unchanged-content run.
func (f *fixture) touch(t *testing.T) *Result {
	t.Helper()
	ctx := context.Background()
	f.runs++
	at := int64(f.runs * 1000)
	r := &store.Run{ID: fmt.Sprintf("r%d", f.runs), TenantID: "t1", SourceID: "s1", ProfileID: "p1", ProfileVersion: 1, StartedAt: at, Unchanged: true}
	if err := f.db.InsertRun(ctx, r); err != nil {
		t.Fatal(err)
	}
	res, err := f.eng.Touch(ctx, ApplyInput{Run: r, Source: f.src, Competitor: f.comp, Complete: true, At: at})
	if err != nil {
		t.Fatalf("touch run %d: %v", f.runs, err)
	}
	r.Status = store.RunSuccess
	if err := f.db.FinishRun(ctx, r, at+1); err != nil {
		t.Fatal(err)
	}
	return res
}

func TestTouch_AdvancesGraceWindow(t *testing.T) {
	// WHAT: Unchanged runs keep counting misses for products already absent, through out_of_stock and discontinued.
	// WHY: A menu that drops a product and then stops changing must still retire it.
	f := newFixture(t)
	keep := rec("Always", 1000)
	f.run(t, true, keep, rec("Flaky", 2000))
	f.run(t, true, keep)

	want := map[int]string{3: ChangeOutOfStock, 6: ChangeDiscontinued}
	for miss := 2; miss <= 7; miss++ {
		res := f.touch(t)
		if typ, ok := want[miss]; ok {
			if len(res.Changes) != 1 || res.Changes[0].Type != typ {
				t.Fatalf("miss %d: %v", miss, types(res))
			}
		} else if len(res.Changes) != 0 {
			t.Fatalf("miss %d: %v", miss, types(res))
		}
	}

	products, _ := f.db.ListProducts(context.Background(), "t1", "", 0)
	for _, p := range products {
		switch p.Name {
		case "Always":
			if !p.InStock || p.MissedRuns != 0 || p.LastRunID != fmt.Sprintf("r%d", f.runs) {
				t.Fatalf("present product: %+v", p)
			}
		case "Flaky":
			if !p.Discontinued || p.InStock || p.MissedRuns != 6 {
				t.Fatalf("absent product: %+v", p)
			}
		}
	}
}

func TestApply_PartialRunsDoNotCountMisses(t *testing.T) {
	// WHAT: Partial runs never increment missed_runs.
	// WHY: A truncated listing says nothing about absent products.
	f := newFixture(t)
	f.run(t, true, rec("A", 100), rec("B", 200))
	for i := 0; i < 5; i++ {
		if res := f.run(t, false, rec("A", 100)); res.Missed != 0 || len(res.Changes) != 0 {
			t.Fatalf("partial run %d: %+v", i, res)
		}
	}
}

func TestApply_ConflictDiscardsLaterRun(t *testing.T) {
	// WHAT: A run applied while an earlier run of the same source is unfinished fails with ErrConflict.
	// WHY: Overlapping runs would tear the catalog.
	f := newFixture(t)
	ctx := context.Background()
	early := &store.Run{ID: "early", TenantID: "t1", SourceID: "s1", ProfileID: "p1", ProfileVersion: 1, StartedAt: 10}
	late := &store.Run{ID: "late", TenantID: "t1", SourceID: "s1", ProfileID: "p1", ProfileVersion: 1, StartedAt: 20}
	f.db.InsertRun(ctx, early)
	f.db.InsertRun(ctx, late)

	_, err := f.eng.Apply(ctx, ApplyInput{Run: late, Source: f.src, Competitor: f.comp, Records: []parse.Record{rec("A", 1)}, Complete: true, At: 20})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v", err)
	}
	products, _ := f.db.ListProducts(ctx, "t1", "", 0)
	if len(products) != 0 {
		t.Fatalf("conflicting run wrote %d products", len(products))
	}
}

func TestApply_ThenRollsBackEverything(t *testing.T) {
	// WHAT: An error from the Then hook rolls back the catalog writes.
	// WHY: Catalog changes and their insights commit together.
	f := newFixture(t)
	ctx := context.Background()
	r := &store.Run{ID: "r", TenantID: "t1", SourceID: "s1", ProfileID: "p1", ProfileVersion: 1, StartedAt: 5}
	f.db.InsertRun(ctx, r)
	boom := errors.New("boom")
	_, err := f.eng.Apply(ctx, ApplyInput{Run: r, Source: f.src, Competitor: f.comp, Records: []parse.Record{rec("A", 1)}, Complete: true, At: 5,
		Then: func(context.Context, *store.Store, *Result) error { return boom }})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	products, _ := f.db.ListProducts(ctx, "t1", "", 0)
	if len(products) != 0 {
		t.Fatal("rolled back run left products")
	}
}

func TestExternalID_Normalization(t *testing.T) {
	// WHAT: Case, accents and spacing do not change the identity; a source id wins.
	// WHY: Retailers re-render names between runs.
	a := ExternalID(parse.Record{Brand: "Café  Kiva", Name: "Blue DREAM"})
	b := ExternalID(parse.Record{Brand: "cafe kiva", Name: " blue dream "})
	if a != b || len(a) != 24 {
		t.Fatalf("ids differ: %s %s", a, b)
	}
	if got := ExternalID(parse.Record{SourceID: "sku-9", Name: "x"}); got != "id:sku-9" {
		t.Fatalf("source id: %s", got)
	}
}

func TestExternalID_DeterministicProperty(t *testing.T) {
	// WHAT: ExternalID is a pure function of the identity fields.
	// WHY: Product identity must survive process restarts.
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)
	properties.Property("same fields give same id", prop.ForAll(
		func(brand, name, size string) bool {
			r1 := parse.Record{Brand: brand, Name: name, Size: size}
			r2 := parse.Record{Brand: brand, Name: name, Size: size, Category: "other"}
			return ExternalID(r1) == ExternalID(r2)
		},
		gen.AnyString(), gen.AnyString(), gen.AlphaString(),
	))
	properties.Property("case does not matter", prop.ForAll(
		func(name string) bool {
			return ExternalID(parse.Record{Name: name}) == ExternalID(parse.Record{Name: toUpperASCII(name)})
		},
		gen.AlphaString(),
	))
	properties.TestingRun(t)
}

func toUpperASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 32
		}
	}
	return string(b)
}
