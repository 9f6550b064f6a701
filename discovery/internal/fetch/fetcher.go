// Package fetch retrieves one source page: SSRF-validated, robots-aware,
// rate limited per registrable domain, retried on transient failures only,
// and hashed over a normalized body for change detection.
package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/pricewatch/connectivity"
	"github.com/hazyhaar/pricewatch/horosafe"
)

var (
	// ErrRobotsDisallowed is returned without any request when the source
	// or the site's robots.txt forbids fetching.
	ErrRobotsDisallowed = errors.New("fetch: disallowed by robots policy")
	// ErrBlocked is returned when the URL fails SSRF validation.
	ErrBlocked = errors.New("fetch: url blocked")
)

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string { return fmt.Sprintf("fetch: http %d", e.StatusCode) }

// Transient reports whether the status is worth retrying.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config configures the Fetcher.
type Config struct {
	// Timeout bounds one HTTP attempt. Default: 30s.
	Timeout time.Duration
	// MaxBytes caps the body. Default: 10MB.
	MaxBytes  int64
	UserAgent string
	// URLValidator runs on the URL and every redirect. Default: horosafe.ValidateURL.
	URLValidator func(string) error
	// Retry applies to transport errors, 429 and 5xx. Default: 2 retries, 500ms base.
	Retry connectivity.Policy
	// RequestsPerSecond per registrable domain. Default: 1.
	RequestsPerSecond float64
	Burst             int
	// CheckRobotsTxt fetches /robots.txt once per host and honours it.
	CheckRobotsTxt bool
	RobotsTTL      time.Duration
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 10 << 20
	}
	if c.UserAgent == "" {
		c.UserAgent = "pricewatch/1.0"
	}
	if c.URLValidator == nil {
		c.URLValidator = horosafe.ValidateURL
	}
	if c.Retry.MaxRetries == 0 && c.Retry.BaseBackoff == 0 {
		c.Retry = connectivity.Policy{MaxRetries: 2, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.RobotsTTL <= 0 {
		c.RobotsTTL = time.Hour
	}
}

// Request is one retrieval.
type Request struct {
	URL string
	// RobotsAllowed is the operator's per-source flag.
	RobotsAllowed bool
	Headers       map[string]string
	// PrevHash is the hash of the last successful run; equal means unchanged.
	PrevHash string
}

// Result is a successful retrieval.
type Result struct {
	URL         string
	Body        []byte
	StatusCode  int
	ContentType string
	Hash        string
	Unchanged   bool
	Attempts    int
	Duration    time.Duration
}

// Fetcher performs politeness-bounded HTTP retrievals. Safe for concurrent use.
type Fetcher struct {
	client *http.Client
	cfg    Config
	logger *slog.Logger
	robots *robotsCache

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Fetcher.
func New(cfg Config, logger *slog.Logger) *Fetcher {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	validate := cfg.URLValidator
	client := &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("too many redirects (%d)", len(via))
			}
			if err := validate(req.URL.String()); err != nil {
				return fmt.Errorf("%w: redirect: %v", ErrBlocked, err)
			}
			return nil
		},
	}
	f := &Fetcher{
		client:   client,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
	f.robots = newRobotsCache(client, cfg.UserAgent, cfg.RobotsTTL, time.Now)
	return f
}

// Fetch retrieves req.URL.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	if !req.RobotsAllowed {
		return nil, ErrRobotsDisallowed
	}
	if err := f.cfg.URLValidator(req.URL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlocked, err)
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlocked, err)
	}
	if f.cfg.CheckRobotsTxt {
		if err := f.wait(ctx, u); err != nil {
			return nil, err
		}
		if !f.robots.allowed(ctx, u) {
			return nil, ErrRobotsDisallowed
		}
	}

	start := time.Now()
	var res *Result
	attempts, err := connectivity.Retry(ctx, f.cfg.Retry, f.logger, func(ctx context.Context, attempt int) error {
		if err := f.wait(ctx, u); err != nil {
			return connectivity.Permanent(err)
		}
		r, err := f.do(ctx, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Attempts = attempts
	res.Duration = time.Since(start)
	res.Hash = ContentHash(res.Body)
	res.Unchanged = req.PrevHash != "" && res.Hash == req.PrevHash
	return res, nil
}

func (f *Fetcher) do(ctx context.Context, req Request) (*Result, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, connectivity.Permanent(fmt.Errorf("new request: %w", err))
	}
	hreq.Header.Set("User-Agent", f.cfg.UserAgent)
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}
	resp, err := f.client.Do(hreq)
	if err != nil {
		if errors.Is(err, ErrBlocked) || ctx.Err() != nil {
			return nil, connectivity.Permanent(err)
		}
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		se := &StatusError{StatusCode: resp.StatusCode}
		if se.Transient() {
			return nil, se
		}
		return nil, connectivity.Permanent(se)
	}
	body, err := horosafe.LimitedReadAll(resp.Body, f.cfg.MaxBytes)
	if err != nil {
		if errors.Is(err, horosafe.ErrTooLarge) {
			return nil, connectivity.Permanent(err)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &Result{
		URL:         resp.Request.URL.String(),
		Body:        body,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (f *Fetcher) wait(ctx context.Context, u *url.URL) error {
	key := DomainKey(u.Hostname())
	f.mu.Lock()
	lim, ok := f.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(f.cfg.RequestsPerSecond), f.cfg.Burst)
		f.limiters[key] = lim
	}
	f.mu.Unlock()
	return lim.Wait(ctx)
}

// DomainKey returns the registrable domain (eTLD+1) of host, or host itself
// for IPs and single-label names.
func DomainKey(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if net.ParseIP(host) != nil {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// DomainOf parses rawURL and returns its DomainKey. Unparseable input is
// returned unchanged.
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return DomainKey(u.Hostname())
}

// Normalize strips the noise that differs between otherwise identical
// responses: CRLF line endings, trailing whitespace on each line and
// surrounding blank lines.
func Normalize(body []byte) []byte {
	body = bytes.ReplaceAll(body, []byte("\r\n"), []byte("\n"))
	lines := bytes.Split(body, []byte("\n"))
	for i, l := range lines {
		lines[i] = bytes.TrimRight(l, " \t\r")
	}
	return bytes.Trim(bytes.Join(lines, []byte("\n")), "\n")
}

// ContentHash is the sha256:<hex> digest of the normalized body.
func ContentHash(body []byte) string {
	sum := sha256.Sum256(Normalize(body))
	return "sha256:" + hex.EncodeToString(sum[:])
}
