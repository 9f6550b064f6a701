package parse

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type markupExtractor struct {
	p *Profile
}

func (m *markupExtractor) Extract(page *Page) (*PageResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	res := &PageResult{}
	f := m.p.Fields
	doc.Find(m.p.Container).Each(func(_ int, sel *goquery.Selection) {
		res.Matched++
		r := raw{
			id:       pick(sel, f.ID),
			name:     pick(sel, f.Name),
			brand:    pick(sel, f.Brand),
			category: pick(sel, f.Category),
			price:    pick(sel, f.Price),
			regular:  pick(sel, f.RegularPrice),
			thc:      pick(sel, f.THC),
			cbd:      pick(sel, f.CBD),
			strain:   pick(sel, f.Strain),
			size:     pick(sel, f.Size),
			image:    pick(sel, f.Image),
			url:      pick(sel, f.URL),
		}
		r.stock, r.stockFailed = markupStock(sel, f.InStock)
		rec, warnings, ok := build(m.p, r)
		res.Warnings += warnings
		if !ok {
			res.Dropped++
			return
		}
		res.Records = append(res.Records, rec)
	})
	if m.p.Pagination.Strategy == PageCursor {
		res.Next = pick(doc.Selection, m.p.Pagination.NextSelector)
	}
	return res, nil
}

// splitSelector splits "sel@attr". An empty sel means the current element.
func splitSelector(spec string) (sel, attr string) {
	i := strings.LastIndex(spec, "@")
	if i < 0 {
		return strings.TrimSpace(spec), ""
	}
	attr = strings.TrimSpace(spec[i+1:])
	if attr == "" || strings.ContainsAny(attr, " []=>") {
		return strings.TrimSpace(spec), ""
	}
	return strings.TrimSpace(spec[:i]), attr
}

// pick returns the text or attribute of the first match of spec under sel.
func pick(sel *goquery.Selection, spec string) string {
	if spec == "" {
		return ""
	}
	s, attr := splitSelector(spec)
	target := sel
	if s != "" {
		target = sel.Find(s).First()
	}
	if target.Length() == 0 {
		return ""
	}
	if attr != "" {
		v, _ := target.Attr(attr)
		return v
	}
	return target.Text()
}

func markupStock(sel *goquery.Selection, spec StockSpec) (*bool, bool) {
	if spec.Selector == "" {
		return nil, false
	}
	s, _ := splitSelector(spec.Selector)
	found := s == "" || sel.Find(s).Length() > 0
	var v bool
	switch spec.Mode {
	case StockPresent:
		v = found
	case StockAbsent:
		v = !found
	case StockText:
		text := strings.ToLower(CleanText(pick(sel, spec.Selector)))
		v = !strings.Contains(text, strings.ToLower(spec.OutOfStockText))
	default:
		text := pick(sel, spec.Selector)
		if CleanText(text) == "" {
			return nil, false
		}
		b, err := ParseBool(text)
		if err != nil {
			return nil, true
		}
		v = b
	}
	return &v, false
}
