package shield

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/pricewatch/kit"
)

// RateLimiter is a per-caller token bucket. Callers are keyed by tenant id
// when the request is authenticated, else by remote IP.
type RateLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	idle    time.Duration
	now     func() time.Time
	buckets map[string]*limiterEntry
	exclude []string
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps requests per second with the given burst.
// Requests whose path starts with one of exclude are never limited.
func NewRateLimiter(rps float64, burst int, exclude ...string) *RateLimiter {
	return &RateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*limiterEntry),
		exclude: exclude,
	}
}

// Allow reports whether key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	e, ok := rl.buckets[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[key] = e
	}
	e.lastSeen = now
	return e.lim.AllowN(now, 1)
}

// GC drops buckets idle for longer than ten minutes.
func (rl *RateLimiter) GC() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-rl.idle)
	for k, e := range rl.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(rl.buckets, k)
		}
	}
}

// Middleware answers 429 with Retry-After once a caller's bucket is empty.
// It must run after auth.Middleware to key by tenant.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range rl.exclude {
			if len(r.URL.Path) >= len(p) && r.URL.Path[:len(p)] == p {
				next.ServeHTTP(w, r)
				return
			}
		}
		key := kit.GetTenantID(r.Context())
		if key == "" {
			key, _, _ = net.SplitHostPort(r.RemoteAddr)
			if key == "" {
				key = r.RemoteAddr
			}
			key = "ip:" + key
		}
		if !rl.Allow(key) {
			retry := 1
			if rl.rps > 0 {
				retry = max(1, int(1/float64(rl.rps)))
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
