package shield

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/pricewatch/kit"
)

func TestSecurityHeaders(t *testing.T) {
	// WHAT: Default headers are present on every response.
	// WHY: API responses carry tenant pricing data.
	h := SecurityHeaders(DefaultHeaders())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options: got %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control: got %q", got)
	}
}

func TestTraceID_PropagatesInbound(t *testing.T) {
	// WHAT: An inbound X-Trace-ID is reused and placed in context.
	// WHY: Dashboards correlate their calls with our logs.
	var seen string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.GetTraceID(r.Context())
		if GetLogger(r.Context()) == nil {
			t.Error("nil logger")
		}
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Trace-ID", "abc123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if seen != "abc123" || rec.Header().Get("X-Trace-ID") != "abc123" {
		t.Fatalf("trace: ctx=%q header=%q", seen, rec.Header().Get("X-Trace-ID"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if len(rec.Header().Get("X-Trace-ID")) != 10 {
		t.Fatalf("generated trace id: got %q", rec.Header().Get("X-Trace-ID"))
	}
}

func TestMaxBody(t *testing.T) {
	// WHAT: Bodies beyond the cap fail to read.
	// WHY: Bulk reference price uploads are bounded.
	var readErr error
	h := MaxBody(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		for readErr == nil {
			_, readErr = r.Body.Read(buf)
		}
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 64))))
	if readErr == nil || readErr.Error() == "EOF" {
		t.Fatalf("expected max bytes error, got %v", readErr)
	}
}

func TestRateLimiter_PerTenant(t *testing.T) {
	// WHAT: Each tenant has its own bucket; exhausted buckets answer 429.
	// WHY: One noisy consumer must not starve the others.
	rl := NewRateLimiter(1, 2, "/healthz")
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	h := rl.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	call := func(tenant, path string) int {
		req := httptest.NewRequest("GET", path, nil)
		if tenant != "" {
			req = req.WithContext(kit.WithTenantID(req.Context(), tenant))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	for i := 0; i < 2; i++ {
		if code := call("a", "/api/v1/insights"); code != 200 {
			t.Fatalf("call %d: got %d", i, code)
		}
	}
	if code := call("a", "/api/v1/insights"); code != http.StatusTooManyRequests {
		t.Fatalf("third call: got %d, want 429", code)
	}
	if code := call("b", "/api/v1/insights"); code != 200 {
		t.Fatalf("other tenant: got %d", code)
	}
	if code := call("a", "/healthz"); code != 200 {
		t.Fatalf("excluded path: got %d", code)
	}
	now = now.Add(time.Second)
	if code := call("a", "/api/v1/insights"); code != 200 {
		t.Fatalf("after refill: got %d", code)
	}

	now = now.Add(time.Hour)
	rl.GC()
	if len(rl.buckets) != 0 {
		t.Fatalf("buckets after GC: got %d", len(rl.buckets))
	}
}
