package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

type robotsEntry struct {
	data    *robotstxt.RobotsData
	fetched time.Time
}

// robotsCache keeps one parsed robots.txt per scheme+host.
type robotsCache struct {
	client *http.Client
	agent  string
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]robotsEntry
}

func newRobotsCache(client *http.Client, agent string, ttl time.Duration, now func() time.Time) *robotsCache {
	return &robotsCache{client: client, agent: agent, ttl: ttl, now: now, entries: make(map[string]robotsEntry)}
}

// allowed reports whether the agent may fetch u. A robots.txt that cannot be
// retrieved allows everything, except 5xx which disallows (robotstxt semantics).
func (c *robotsCache) allowed(ctx context.Context, u *url.URL) bool {
	key := u.Scheme + "://" + u.Host
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok || c.now().Sub(e.fetched) > c.ttl {
		e = robotsEntry{data: c.load(ctx, key), fetched: c.now()}
		c.mu.Lock()
		c.entries[key] = e
		c.mu.Unlock()
	}
	if e.data == nil {
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return e.data.TestAgent(path, c.agent)
}

func (c *robotsCache) load(ctx context.Context, base string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", c.agent)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512<<10))
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil
	}
	return data
}
