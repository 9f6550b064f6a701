package parse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
)

func page(u, body string) *Page {
	sum := sha256.Sum256([]byte(body))
	return &Page{URL: u, Body: []byte(body), Hash: hex.EncodeToString(sum[:])}
}

const menuHTML = `<html><body>
<div class="product" data-sku="bd-1">
  <h3 class="name">Blue <b>Dream</b> &amp; Co</h3>
  <span class="brand">Kiva</span>
  <span class="cat">FLOWER</span>
  <span class="price">$40.00</span>
  <span class="thc">THC 23.5%</span>
  <a class="link" href="/p/bd-1">view</a>
</div>
<div class="product" data-sku="gg-4">
  <h3 class="name">Gorilla Glue</h3>
  <span class="price">1.234,50 €</span>
  <span class="soldout">Sold out</span>
</div>
</body></html>`

func markupProfile() *Profile {
	return &Profile{
		SourceType: TypeMarkup,
		Container:  ".product",
		Fields: Fields{
			ID:       "@data-sku",
			Name:     ".name",
			Brand:    ".brand",
			Category: ".cat",
			Price:    ".price",
			THC:      ".thc",
			URL:      "a.link@href",
			InStock:  StockSpec{Selector: ".soldout", Mode: StockAbsent},
		},
		Categories: map[string]string{"Flower": "flower"},
	}
}

func TestMarkupExtraction(t *testing.T) {
	// WHAT: Selectors, attributes, category mapping, stock presence and price formats are extracted.
	// WHY: Markup profiles are the common case for retailer menus.
	e, err := NewEngine(markupProfile())
	if err != nil {
		t.Fatal(err)
	}
	out, err := e.Run(context.Background(), page("https://shop.example.com/menu", menuHTML), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Pages != 1 || len(out.Records) != 2 || out.Partial {
		t.Fatalf("output: %+v", out)
	}
	a, b := out.Records[0], out.Records[1]
	if a.SourceID != "bd-1" || a.Name != "Blue Dream & Co" || a.Brand != "Kiva" || a.Category != "flower" {
		t.Fatalf("record a: %+v", a)
	}
	if *a.PriceCents != 4000 || *a.THCPct != 23.5 || !*a.InStock || a.URL != "/p/bd-1" {
		t.Fatalf("record a values: %+v", a)
	}
	if *b.PriceCents != 123450 || *b.InStock || b.Category != "other" {
		t.Fatalf("record b: %+v", b)
	}
}

func TestContainerZeroMatch_IsError(t *testing.T) {
	// WHAT: A first page with no container matches fails with ErrNoContainer.
	// WHY: A broken parser must not look like an empty catalog.
	e, _ := NewEngine(markupProfile())
	_, err := e.Run(context.Background(), page("https://x.example.com", "<html><div class='card'>x</div></html>"), nil)
	if !errors.Is(err, ErrNoContainer) {
		t.Fatalf("got %v", err)
	}
}

func TestFieldWarnings_Partial(t *testing.T) {
	// WHAT: An unparseable price leaves the field nil, keeps the record and marks the output partial.
	// WHY: Per-field failures degrade a record instead of aborting the run.
	html := `<div class="product"><h3 class="name">Haze</h3><span class="price">call us</span></div>
<div class="product"><span class="brand">nobody</span></div>`
	e, _ := NewEngine(markupProfile())
	out, err := e.Run(context.Background(), page("https://x.example.com", html), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Records) != 1 || out.Records[0].PriceCents != nil {
		t.Fatalf("records: %+v", out.Records)
	}
	if out.Dropped != 1 || !out.Partial || out.Warnings == 0 {
		t.Fatalf("output: %+v", out)
	}
}

const apiPage = `{"data":{"items":[
 {"id":"a1","name":"Blue Dream","brand":"<i>Kiva</i>","price":40,"is_available":true,"category":"Flower","potency":{"thc":"235 mg/g"}},
 {"id":"a2","name":"Sour Diesel","price":"34.00","is_available":"sold out"}
]},"next":"c2"}`

func apiProfile(max int) *Profile {
	return &Profile{
		SourceType: TypeAPI,
		Container:  "data.items",
		Fields: Fields{
			ID: "id", Name: "name", Brand: "brand", Price: "price", Category: "category", THC: "potency.thc",
			InStock: StockSpec{Selector: "is_available"},
		},
		Categories: map[string]string{"flower": "flower"},
		Pagination: Pagination{Strategy: PageCursor, NextPath: "next", MaxPages: max},
	}
}

func TestStructuredExtraction(t *testing.T) {
	// WHAT: JSON paths, numeric and string prices, nested paths and stock phrases are read.
	// WHY: API sources share the same record contract as markup.
	p := apiProfile(1)
	p.Pagination = Pagination{}
	e, err := NewEngine(p)
	if err != nil {
		t.Fatal(err)
	}
	out, err := e.Run(context.Background(), page("https://api.example.com/menu", apiPage), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Records) != 2 {
		t.Fatalf("records: %+v", out.Records)
	}
	a, b := out.Records[0], out.Records[1]
	if a.Brand != "Kiva" || *a.PriceCents != 4000 || !*a.InStock || *a.THCPct != 23.5 || a.Category != "flower" {
		t.Fatalf("a: %+v", a)
	}
	if *b.PriceCents != 3400 || *b.InStock {
		t.Fatalf("b: %+v", b)
	}
}

func TestPagination_InfiniteCursorBounded(t *testing.T) {
	// WHAT: With max_pages=5 and a cursor that never ends, exactly 5 pages are parsed and the output is partial.
	// WHY: Pagination must terminate against hostile or buggy sources.
	fetches := 0
	fetch := func(ctx context.Context, u string) (*Page, error) {
		fetches++
		cursor, _ := url.Parse(u)
		n := cursor.Query().Get("cursor")
		body := fmt.Sprintf(`{"data":{"items":[{"id":"%s","name":"P %s","price":10}]},"next":"%s-x"}`, n, n, n)
		return page(u, body), nil
	}
	e, err := NewEngine(apiProfile(5))
	if err != nil {
		t.Fatal(err)
	}
	out, err := e.Run(context.Background(), page("https://api.example.com/menu", apiPage), fetch)
	if err != nil {
		t.Fatal(err)
	}
	if out.Pages != 5 || fetches != 4 {
		t.Fatalf("pages=%d fetches=%d", out.Pages, fetches)
	}
	if !out.Partial || !strings.Contains(out.Reason, "max_pages") {
		t.Fatalf("partial: %v %q", out.Partial, out.Reason)
	}
}

func TestPagination_StopsOnEmptyAndRepeat(t *testing.T) {
	// WHAT: page_param stops on an empty page; a repeated page body also stops.
	// WHY: Natural ends of a listing are not partial runs.
	pages := map[string]string{
		"2": `<div class="product"><h3 class="name">B</h3><span class="price">$2</span></div>`,
		"3": `<div class="other"></div>`,
	}
	fetch := func(ctx context.Context, u string) (*Page, error) {
		pu, _ := url.Parse(u)
		return page(u, pages[pu.Query().Get("page")]), nil
	}
	p := markupProfile()
	p.Pagination = Pagination{Strategy: PageParam}
	e, _ := NewEngine(p)
	out, err := e.Run(context.Background(), page("https://x.example.com/menu", menuHTML), fetch)
	if err != nil {
		t.Fatal(err)
	}
	if out.Pages != 2 || len(out.Records) != 3 || out.Partial {
		t.Fatalf("empty stop: %+v", out)
	}

	repeat := func(ctx context.Context, u string) (*Page, error) { return page(u, menuHTML), nil }
	out, err = e.Run(context.Background(), page("https://x.example.com/menu", menuHTML), repeat)
	if err != nil {
		t.Fatal(err)
	}
	if out.Pages != 1 || out.Partial {
		t.Fatalf("repeat stop: %+v", out)
	}
}

func TestPagination_LaterFetchFailureIsPartial(t *testing.T) {
	// WHAT: A failing second page keeps the first page's records and marks partial.
	// WHY: Partial data beats none; the run status reports the gap.
	fetch := func(ctx context.Context, u string) (*Page, error) { return nil, errors.New("boom") }
	p := markupProfile()
	p.Pagination = Pagination{Strategy: PageOffset, PageSize: 2, LimitParam: "limit"}
	e, _ := NewEngine(p)
	out, err := e.Run(context.Background(), page("https://x.example.com/menu", menuHTML), fetch)
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Records) != 2 || !out.Partial || out.PageErr == nil {
		t.Fatalf("output: %+v", out)
	}
}

func TestValidate(t *testing.T) {
	// WHAT: Invalid profiles are rejected and defaults are filled.
	// WHY: Profiles are tenant input stored as immutable versions.
	bad := []*Profile{
		{Container: ""},
		{Container: ".p", Fields: Fields{}},
		{Container: ".p", Fields: Fields{Name: ".n"}, Pagination: Pagination{MaxPages: 101}},
		{Container: ".p", Fields: Fields{Name: ".n"}, Pagination: Pagination{Strategy: PageCursor}},
		{Container: ".p", Fields: Fields{Name: ".n"}, Pagination: Pagination{Strategy: "spiral"}},
		{Container: ".p", Fields: Fields{Name: ".n", InStock: StockSpec{Selector: ".s", Mode: StockText}}},
		{SourceType: "pdf", Container: ".p", Fields: Fields{Name: ".n"}},
	}
	for i, p := range bad {
		if err := p.Validate(); !errors.Is(err, ErrInvalidProfile) {
			t.Errorf("case %d: got %v", i, err)
		}
	}
	p := &Profile{Container: ".p", Fields: Fields{Name: ".n"}, Pagination: Pagination{Strategy: PageParam}}
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
	if p.SourceType != TypeMarkup || p.Pagination.Param != "page" || p.Pagination.Start != 1 || p.Pagination.MaxPages != DefaultMaxPages {
		t.Fatalf("defaults: %+v", p)
	}
}

func TestCanonical_StableHash(t *testing.T) {
	// WHAT: The same profile always canonicalizes to the same hash and survives ParseDefinition.
	// WHY: Re-seeding identical profiles must not mint new versions.
	def1, h1, err := Canonical(markupProfile())
	if err != nil {
		t.Fatal(err)
	}
	_, h2, _ := Canonical(markupProfile())
	if h1 != h2 {
		t.Fatalf("hash unstable: %s %s", h1, h2)
	}
	p, err := ParseDefinition([]byte(def1))
	if err != nil {
		t.Fatalf("parse definition: %v", err)
	}
	if p.Container != ".product" || p.Categories["flower"] != "flower" {
		t.Fatalf("decoded: %+v", p)
	}
}

func TestNormalizers(t *testing.T) {
	// WHAT: Price, percent and boolean parsing across common retail formats.
	// WHY: Every insight is computed from these values.
	prices := map[string]int64{"$40": 4000, "$1,234.50": 123450, "1.234,50 €": 123450, "12,5": 1250, "1,234": 123400, "€ 12 345,00": 1234500}
	for in, want := range prices {
		got, err := ParsePrice(in, "")
		if err != nil || got != want {
			t.Errorf("ParsePrice(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if got, _ := ParsePrice("4000", "cents"); got != 4000 {
		t.Errorf("cents: %d", got)
	}
	if _, err := ParsePrice("ask", ""); !errors.Is(err, ErrUnparseable) {
		t.Errorf("no digits: %v", err)
	}
	if f, _ := ParsePercent("THC: 21,456 %"); f != 21.46 {
		t.Errorf("percent: %v", f)
	}
	for in, want := range map[string]bool{"In Stock": true, "SOLD OUT": false, "yes": true, "0": false} {
		got, err := ParseBool(in)
		if err != nil || got != want {
			t.Errorf("ParseBool(%q) = %v, %v", in, got, err)
		}
	}
}
