package parse

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// FetchFunc retrieves a further page.
type FetchFunc func(ctx context.Context, pageURL string) (*Page, error)

// Output is the result of a paginated parse.
type Output struct {
	Records  []Record
	Pages    int
	Partial  bool
	Reason   string
	Warnings int
	Dropped  int
	// PageErr is the error that ended pagination early, if any.
	PageErr error
}

// Engine runs one profile over a source.
type Engine struct {
	profile   *Profile
	extractor Extractor
}

// NewEngine validates the profile and selects its extractor.
func NewEngine(p *Profile) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ex, err := NewExtractor(p)
	if err != nil {
		return nil, err
	}
	return &Engine{profile: p, extractor: ex}, nil
}

// Profile returns the validated profile.
func (e *Engine) Profile() *Profile { return e.profile }

// Run parses first, then follows pagination through fetch until an empty
// page, a repeated page or cursor, or max_pages. ErrNoContainer and
// ErrMalformed on the first page are returned as errors; any later trouble
// makes the output partial.
func (e *Engine) Run(ctx context.Context, first *Page, fetch FetchFunc) (*Output, error) {
	pg := e.profile.Pagination
	out := &Output{}
	seenHash := map[string]bool{}
	seenCursor := map[string]bool{}
	page := first
	loaded := 0

	for n := 1; ; n++ {
		res, err := e.extractor.Extract(page)
		if err != nil {
			if n == 1 {
				return nil, err
			}
			out.markPartial(fmt.Sprintf("page %d: %v", n, err))
			break
		}
		if res.Matched == 0 {
			if n == 1 {
				return nil, ErrNoContainer
			}
			break
		}
		if page.Hash != "" {
			seenHash[page.Hash] = true
		}
		out.Pages++
		out.Records = append(out.Records, res.Records...)
		out.Warnings += res.Warnings
		out.Dropped += res.Dropped
		loaded += res.Matched

		next, more := e.nextURL(first.URL, page.URL, n, loaded, res, seenCursor)
		if !more {
			break
		}
		if n >= pg.MaxPages {
			out.markPartial(fmt.Sprintf("stopped at max_pages=%d with more pages indicated", pg.MaxPages))
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := fetch(ctx, next)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			out.PageErr = err
			out.markPartial(fmt.Sprintf("page %d fetch: %v", n+1, err))
			break
		}
		if p.Hash != "" && seenHash[p.Hash] {
			break
		}
		page = p
	}
	if out.Warnings > 0 || out.Dropped > 0 {
		out.markPartial(fmt.Sprintf("%d field warnings, %d records dropped", out.Warnings, out.Dropped))
	}
	return out, nil
}

func (o *Output) markPartial(reason string) {
	if !o.Partial {
		o.Partial = true
		o.Reason = reason
	}
}

// nextURL computes the URL of page n+1. more is false when the strategy
// says the listing is exhausted.
func (e *Engine) nextURL(base, current string, n, loaded int, res *PageResult, seenCursor map[string]bool) (string, bool) {
	pg := e.profile.Pagination
	short := pg.PageSize > 0 && res.Matched < pg.PageSize
	switch pg.Strategy {
	case PageParam:
		if short {
			return "", false
		}
		return withQuery(base, map[string]string{pg.Param: strconv.Itoa(pg.Start + n)}, pg, 0), true
	case PageOffset:
		if short {
			return "", false
		}
		return withQuery(base, map[string]string{pg.Param: strconv.Itoa(n * pg.PageSize)}, pg, pg.PageSize), true
	case PageScroll:
		if short {
			return "", false
		}
		return withQuery(base, map[string]string{pg.Param: strconv.Itoa(loaded)}, pg, pg.PageSize), true
	case PageCursor:
		c := strings.TrimSpace(res.Next)
		if c == "" || seenCursor[c] {
			return "", false
		}
		seenCursor[c] = true
		if looksLikeURL(c) {
			return resolve(current, c), true
		}
		return withQuery(base, map[string]string{pg.Param: c}, pg, 0), true
	}
	return "", false
}

func looksLikeURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "/") || strings.HasPrefix(s, "?")
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func withQuery(base string, set map[string]string, pg Pagination, limit int) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, v := range set {
		q.Set(k, v)
	}
	if pg.LimitParam != "" && limit > 0 {
		q.Set(pg.LimitParam, strconv.Itoa(limit))
	}
	u.RawQuery = q.Encode()
	return u.String()
}
