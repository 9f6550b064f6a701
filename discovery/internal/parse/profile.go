// Package parse turns fetched pages into candidate product records using a
// data-driven profile: CSS selectors for markup sources, dot paths for JSON
// APIs. The engine follows the profile's pagination strategy up to a hard
// page bound.
package parse

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Source types.
const (
	TypeMarkup = "markup"
	TypeAPI    = "api"
)

// Pagination strategies.
const (
	PageNone   = "none"
	PageParam  = "page_param"
	PageOffset = "offset"
	PageCursor = "cursor"
	PageScroll = "scroll"
)

// Stock modes.
const (
	StockValue   = "value"
	StockPresent = "present"
	StockAbsent  = "absent"
	StockText    = "text"
)

// DefaultMaxPages applies when a profile leaves max_pages unset; MaxPagesLimit
// is the hard ceiling.
const (
	DefaultMaxPages = 10
	MaxPagesLimit   = 100
)

// ErrInvalidProfile wraps every validation failure.
var ErrInvalidProfile = errors.New("parse: invalid profile")

// Profile describes how to extract records from one kind of source.
type Profile struct {
	SourceType string `json:"source_type" yaml:"source_type"`
	// Container selects one element (markup) or the array (api) per product.
	Container string `json:"container" yaml:"container"`
	Fields    Fields `json:"fields" yaml:"fields"`
	// PriceUnit is "" for major units ("$12.50") or "cents" for integer minor units.
	PriceUnit  string            `json:"price_unit,omitempty" yaml:"price_unit,omitempty"`
	Categories map[string]string `json:"categories,omitempty" yaml:"categories,omitempty"`
	Pagination Pagination        `json:"pagination" yaml:"pagination"`
}

// Fields maps record fields to selectors ("sel" or "sel@attr") or paths.
type Fields struct {
	ID           string    `json:"id,omitempty" yaml:"id,omitempty"`
	Name         string    `json:"name,omitempty" yaml:"name,omitempty"`
	Brand        string    `json:"brand,omitempty" yaml:"brand,omitempty"`
	Category     string    `json:"category,omitempty" yaml:"category,omitempty"`
	Price        string    `json:"price,omitempty" yaml:"price,omitempty"`
	RegularPrice string    `json:"regular_price,omitempty" yaml:"regular_price,omitempty"`
	InStock      StockSpec `json:"in_stock,omitempty" yaml:"in_stock,omitempty"`
	THC          string    `json:"thc,omitempty" yaml:"thc,omitempty"`
	CBD          string    `json:"cbd,omitempty" yaml:"cbd,omitempty"`
	Strain       string    `json:"strain,omitempty" yaml:"strain,omitempty"`
	Size         string    `json:"size,omitempty" yaml:"size,omitempty"`
	Image        string    `json:"image,omitempty" yaml:"image,omitempty"`
	URL          string    `json:"url,omitempty" yaml:"url,omitempty"`
}

// StockSpec configures stock detection. Mode "value" parses a boolean or a
// phrase such as "sold out"; "present"/"absent" test whether the selector
// matches; "text" compares against OutOfStockText.
type StockSpec struct {
	Selector       string `json:"selector,omitempty" yaml:"selector,omitempty"`
	Mode           string `json:"mode,omitempty" yaml:"mode,omitempty"`
	OutOfStockText string `json:"out_of_stock_text,omitempty" yaml:"out_of_stock_text,omitempty"`
}

// Pagination configures how further pages are requested.
type Pagination struct {
	Strategy     string `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Param        string `json:"param,omitempty" yaml:"param,omitempty"`
	Start        int    `json:"start,omitempty" yaml:"start,omitempty"`
	LimitParam   string `json:"limit_param,omitempty" yaml:"limit_param,omitempty"`
	PageSize     int    `json:"page_size,omitempty" yaml:"page_size,omitempty"`
	NextPath     string `json:"next_path,omitempty" yaml:"next_path,omitempty"`
	NextSelector string `json:"next_selector,omitempty" yaml:"next_selector,omitempty"`
	MaxPages     int    `json:"max_pages,omitempty" yaml:"max_pages,omitempty"`
}

// ParseDefinition decodes and validates a stored JSON profile definition.
func ParseDefinition(raw []byte) (*Profile, error) {
	var p Profile
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the profile and fills defaults in place.
func (p *Profile) Validate() error {
	if p.SourceType == "" {
		p.SourceType = TypeMarkup
	}
	if p.SourceType != TypeMarkup && p.SourceType != TypeAPI {
		return fmt.Errorf("%w: unknown source_type %q", ErrInvalidProfile, p.SourceType)
	}
	if strings.TrimSpace(p.Container) == "" {
		return fmt.Errorf("%w: container is required", ErrInvalidProfile)
	}
	if p.Fields.Name == "" && p.Fields.Price == "" {
		return fmt.Errorf("%w: at least one of fields.name and fields.price is required", ErrInvalidProfile)
	}
	if p.PriceUnit != "" && p.PriceUnit != "cents" {
		return fmt.Errorf("%w: unknown price_unit %q", ErrInvalidProfile, p.PriceUnit)
	}
	switch p.Fields.InStock.Mode {
	case "":
		if p.Fields.InStock.Selector != "" {
			p.Fields.InStock.Mode = StockValue
		}
	case StockValue, StockPresent, StockAbsent:
	case StockText:
		if p.Fields.InStock.OutOfStockText == "" {
			return fmt.Errorf("%w: in_stock mode text needs out_of_stock_text", ErrInvalidProfile)
		}
	default:
		return fmt.Errorf("%w: unknown in_stock mode %q", ErrInvalidProfile, p.Fields.InStock.Mode)
	}
	if p.Fields.InStock.Mode != "" && p.Fields.InStock.Selector == "" {
		return fmt.Errorf("%w: in_stock needs a selector", ErrInvalidProfile)
	}
	if len(p.Categories) > 0 {
		norm := make(map[string]string, len(p.Categories))
		for k, v := range p.Categories {
			norm[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
		p.Categories = norm
	}
	return p.Pagination.validate(p.SourceType)
}

func (pg *Pagination) validate(sourceType string) error {
	if pg.Strategy == "" {
		pg.Strategy = PageNone
	}
	if pg.MaxPages == 0 {
		pg.MaxPages = DefaultMaxPages
	}
	if pg.MaxPages < 1 || pg.MaxPages > MaxPagesLimit {
		return fmt.Errorf("%w: max_pages must be within 1..%d", ErrInvalidProfile, MaxPagesLimit)
	}
	if pg.PageSize < 0 || pg.Start < 0 {
		return fmt.Errorf("%w: negative pagination values", ErrInvalidProfile)
	}
	switch pg.Strategy {
	case PageNone:
	case PageParam:
		if pg.Param == "" {
			pg.Param = "page"
		}
		if pg.Start == 0 {
			pg.Start = 1
		}
	case PageOffset:
		if pg.Param == "" {
			pg.Param = "offset"
		}
		if pg.PageSize == 0 {
			return fmt.Errorf("%w: offset pagination needs page_size", ErrInvalidProfile)
		}
	case PageCursor:
		if pg.Param == "" {
			pg.Param = "cursor"
		}
		if sourceType == TypeAPI && pg.NextPath == "" {
			return fmt.Errorf("%w: cursor pagination needs next_path", ErrInvalidProfile)
		}
		if sourceType == TypeMarkup && pg.NextSelector == "" {
			return fmt.Errorf("%w: cursor pagination needs next_selector", ErrInvalidProfile)
		}
	case PageScroll:
		if pg.Param == "" {
			pg.Param = "after"
		}
	default:
		return fmt.Errorf("%w: unknown pagination strategy %q", ErrInvalidProfile, pg.Strategy)
	}
	return nil
}

// Canonical returns the validated profile as JSON and its sha256 hash, the
// form stored as a profile version.
func Canonical(p *Profile) (string, string, error) {
	if err := p.Validate(); err != nil {
		return "", "", err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(data)
	return string(data), "sha256:" + hex.EncodeToString(sum[:]), nil
}
