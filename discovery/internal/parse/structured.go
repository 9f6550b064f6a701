package parse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type structuredExtractor struct {
	p *Profile
}

func (s *structuredExtractor) Extract(page *Page) (*PageResult, error) {
	dec := json.NewDecoder(bytes.NewReader(page.Body))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	res := &PageResult{}
	items, _ := walkPath(root, s.p.Container).([]any)
	f := s.p.Fields
	for _, item := range items {
		res.Matched++
		r := raw{
			id:       str(walkPath(item, f.ID)),
			name:     str(walkPath(item, f.Name)),
			brand:    str(walkPath(item, f.Brand)),
			category: str(walkPath(item, f.Category)),
			thc:      str(walkPath(item, f.THC)),
			cbd:      str(walkPath(item, f.CBD)),
			strain:   str(walkPath(item, f.Strain)),
			size:     str(walkPath(item, f.Size)),
			image:    str(walkPath(item, f.Image)),
			url:      str(walkPath(item, f.URL)),
		}
		r.price, r.priceNum = priceValue(walkPath(item, f.Price))
		r.regular, r.regularNum = priceValue(walkPath(item, f.RegularPrice))
		r.stock, r.stockFailed = structuredStock(item, f.InStock)
		rec, warnings, ok := build(s.p, r)
		res.Warnings += warnings
		if !ok {
			res.Dropped++
			continue
		}
		res.Records = append(res.Records, rec)
	}
	if s.p.Pagination.Strategy == PageCursor {
		res.Next = str(walkPath(root, s.p.Pagination.NextPath))
	}
	return res, nil
}

// walkPath follows a dot path ("data.items", "images.0.url") through decoded
// JSON. "" or "." is the value itself; a missing step yields nil.
func walkPath(v any, path string) any {
	if path == "" {
		return nil
	}
	if path == "." {
		return v
	}
	for _, step := range strings.Split(path, ".") {
		switch node := v.(type) {
		case map[string]any:
			v = node[step]
		case []any:
			i, err := strconv.Atoi(step)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			v = node[i]
		default:
			return nil
		}
	}
	return v
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func priceValue(v any) (string, *float64) {
	if n, ok := v.(json.Number); ok {
		f, err := n.Float64()
		if err == nil {
			return "", &f
		}
		return n.String(), nil
	}
	return str(v), nil
}

func structuredStock(item any, spec StockSpec) (*bool, bool) {
	if spec.Selector == "" {
		return nil, false
	}
	v := walkPath(item, spec.Selector)
	var b bool
	switch spec.Mode {
	case StockPresent:
		b = v != nil
	case StockAbsent:
		b = v == nil
	case StockText:
		b = !strings.Contains(strings.ToLower(str(v)), strings.ToLower(spec.OutOfStockText))
	default:
		switch t := v.(type) {
		case nil:
			return nil, false
		case bool:
			b = t
		case json.Number:
			n, err := t.Float64()
			if err != nil {
				return nil, true
			}
			b = n > 0
		default:
			parsed, err := ParseBool(str(v))
			if err != nil {
				return nil, true
			}
			b = parsed
		}
	}
	return &b, false
}
