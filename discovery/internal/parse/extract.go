package parse

import (
	"errors"
	"fmt"
)

var (
	// ErrNoContainer means the container matched nothing on the first page:
	// the markup or API changed, not an empty catalog.
	ErrNoContainer = errors.New("parse: container matched no elements")
	// ErrMalformed means the page body could not be decoded at all.
	ErrMalformed = errors.New("parse: malformed page")
)

// Page is one fetched page handed to an extractor.
type Page struct {
	URL  string
	Body []byte
	Hash string
}

// Record is one candidate product. Nil pointers are fields that were absent
// or could not be extracted.
type Record struct {
	SourceID          string   `json:"source_id,omitempty"`
	Name              string   `json:"name,omitempty"`
	Brand             string   `json:"brand,omitempty"`
	RawCategory       string   `json:"raw_category,omitempty"`
	Category          string   `json:"category"`
	Strain            string   `json:"strain,omitempty"`
	Size              string   `json:"size,omitempty"`
	PriceCents        *int64   `json:"price_cents,omitempty"`
	RegularPriceCents *int64   `json:"regular_price_cents,omitempty"`
	InStock           *bool    `json:"in_stock,omitempty"`
	THCPct            *float64 `json:"thc_pct,omitempty"`
	CBDPct            *float64 `json:"cbd_pct,omitempty"`
	ImageURL          string   `json:"image_url,omitempty"`
	URL               string   `json:"url,omitempty"`
}

// PageResult is what one page yields.
type PageResult struct {
	Records []Record
	// Matched is the number of container matches, including dropped ones.
	Matched int
	// Next is the cursor or next link, if the profile declares one.
	Next     string
	Warnings int
	Dropped  int
}

// Extractor extracts records from one page.
type Extractor interface {
	Extract(page *Page) (*PageResult, error)
}

// NewExtractor selects the implementation for the profile's source type.
func NewExtractor(p *Profile) (Extractor, error) {
	switch p.SourceType {
	case TypeMarkup, "":
		return &markupExtractor{p: p}, nil
	case TypeAPI:
		return &structuredExtractor{p: p}, nil
	}
	return nil, fmt.Errorf("%w: unknown source_type %q", ErrInvalidProfile, p.SourceType)
}

// raw holds field values as found, before normalization.
type raw struct {
	id, name, brand, category, price, regular, thc, cbd, strain, size, image, url string
	priceNum, regularNum                                                          *float64
	stock                                                                         *bool
	stockFailed                                                                   bool
}

// build normalizes raw values into a Record. ok is false when the record
// has neither name nor price and must be dropped.
func build(p *Profile, r raw) (rec Record, warnings int, ok bool) {
	rec.SourceID = CleanText(r.id)
	rec.Name = CleanText(r.name)
	rec.Brand = CleanText(r.brand)
	rec.RawCategory = CleanText(r.category)
	rec.Category = MapCategory(p.Categories, rec.RawCategory)
	rec.Strain = CleanText(r.strain)
	rec.Size = CleanText(r.size)
	rec.ImageURL = CleanText(r.image)
	rec.URL = CleanText(r.url)

	price := func(text string, num *float64) (*int64, bool) {
		if num != nil {
			c, err := PriceFromNumber(*num, p.PriceUnit)
			if err != nil {
				return nil, false
			}
			return &c, true
		}
		if CleanText(text) == "" {
			return nil, true
		}
		c, err := ParsePrice(text, p.PriceUnit)
		if err != nil {
			return nil, false
		}
		return &c, true
	}
	var good bool
	if rec.PriceCents, good = price(r.price, r.priceNum); !good {
		warnings++
	}
	if rec.RegularPriceCents, good = price(r.regular, r.regularNum); !good {
		warnings++
	}
	percent := func(text string) *float64 {
		if CleanText(text) == "" {
			return nil
		}
		f, err := ParsePercent(text)
		if err != nil {
			warnings++
			return nil
		}
		return &f
	}
	rec.THCPct = percent(r.thc)
	rec.CBDPct = percent(r.cbd)
	rec.InStock = r.stock
	if r.stockFailed {
		warnings++
	}

	if rec.Name == "" && rec.PriceCents == nil {
		return rec, warnings, false
	}
	if p.Fields.Name != "" && rec.Name == "" {
		warnings++
	}
	if p.Fields.Price != "" && rec.PriceCents == nil && CleanText(r.price) == "" && r.priceNum == nil {
		warnings++
	}
	return rec, warnings, true
}
