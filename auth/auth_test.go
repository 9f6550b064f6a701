package auth

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hazyhaar/pricewatch/kit"
)

var testSecret = bytes.Repeat([]byte("s"), 32)

func TestGenerateValidate_RoundTrip(t *testing.T) {
	// WHAT: A generated token validates back to the same tenant and role.
	// WHY: Tenant scoping depends on the claims surviving the trip.
	tok, err := GenerateToken(testSecret, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "dashboard"},
		TenantID:         "tenant-a",
		Role:             RoleTenant,
	}, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	c, err := ValidateToken(testSecret, tok)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.TenantID != "tenant-a" || c.Role != RoleTenant || c.Subject != "dashboard" {
		t.Fatalf("claims: got %+v", c)
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	// WHAT: Wrong secret, expired token and non-HS256 tokens fail.
	// WHY: Algorithm confusion and replay of stale tokens.
	tok, _ := GenerateToken(testSecret, &Claims{TenantID: "t", Role: RoleTenant}, time.Hour)
	if _, err := ValidateToken(bytes.Repeat([]byte("x"), 32), tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong secret: got %v", err)
	}
	expired, _ := GenerateToken(testSecret, &Claims{TenantID: "t", Role: RoleTenant}, -time.Minute)
	if _, err := ValidateToken(testSecret, expired); err == nil {
		t.Fatal("expired token accepted")
	}
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{TenantID: "t"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := ValidateToken(testSecret, none); err == nil {
		t.Fatal("alg=none accepted")
	}
}

func TestGenerateToken_Guards(t *testing.T) {
	// WHAT: Short secrets and tenant tokens without tenant are refused.
	// WHY: A token without tenant would see nothing, or everything.
	if _, err := GenerateToken([]byte("short"), &Claims{TenantID: "t"}, time.Hour); err == nil {
		t.Fatal("short secret accepted")
	}
	if _, err := GenerateToken(testSecret, &Claims{Role: RoleTenant}, time.Hour); err == nil {
		t.Fatal("missing tenant accepted")
	}
	if _, err := GenerateToken(testSecret, &Claims{Role: RoleAdmin}, time.Hour); err != nil {
		t.Fatalf("admin without tenant: %v", err)
	}
}

func TestMiddleware_RequireTenant(t *testing.T) {
	// WHAT: RequireTenant answers 401 without a token and passes the tenant into kit context.
	// WHY: Handlers read the tenant from kit.GetTenantID.
	var seen string
	h := Middleware(testSecret)(RequireTenant(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = kit.GetTenantID(r.Context())
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/sources", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: got %d, want 401", rec.Code)
	}

	tok, _ := GenerateToken(testSecret, &Claims{TenantID: "tenant-b", Role: RoleTenant}, time.Hour)
	req := httptest.NewRequest("GET", "/api/v1/sources", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen != "tenant-b" {
		t.Fatalf("with token: code=%d tenant=%q", rec.Code, seen)
	}
}

func TestRequireAdmin(t *testing.T) {
	// WHAT: Tenant tokens get 403 on admin routes.
	// WHY: The MCP surface crosses tenants.
	h := Middleware(testSecret)(RequireAdmin(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})))
	tok, _ := GenerateToken(testSecret, &Claims{TenantID: "t", Role: RoleTenant}, time.Hour)
	req := httptest.NewRequest("POST", "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("tenant on admin route: got %d, want 403", rec.Code)
	}
}

func TestCheckPassword(t *testing.T) {
	// WHAT: bcrypt hash verifies the right password only.
	// WHY: Token minting is gated by the admin password.
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckPassword(hash, "correct horse"); err != nil {
		t.Fatalf("good password: %v", err)
	}
	if err := CheckPassword(hash, "wrong"); !errors.Is(err, ErrBadPassword) {
		t.Fatalf("bad password: got %v", err)
	}
}
