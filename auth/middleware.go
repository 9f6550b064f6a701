package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/hazyhaar/pricewatch/kit"
)

type claimsKey struct{}

// Middleware parses an "Authorization: Bearer" token. Valid claims are put in
// the context along with kit's tenant, subject and role keys. Missing or
// invalid tokens pass through untouched; RequireTenant and RequireAdmin enforce.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(h, "Bearer ")
			if !ok || tokenStr == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := ValidateToken(secret, tokenStr)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			ctx = kit.WithTenantID(ctx, claims.TenantID)
			ctx = kit.WithSubject(ctx, claims.Subject)
			ctx = kit.WithRole(ctx, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims returns the claims from ctx, or nil.
func GetClaims(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

// RequireTenant answers 401 unless the request carries a token with a tenant.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c := GetClaims(r.Context()); c == nil || c.TenantID == "" {
			writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin answers 401 without a token and 403 without the admin role.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := GetClaims(r.Context())
		if c == nil {
			writeUnauthorized(w)
			return
		}
		if c.Role != RoleAdmin {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error":"admin role required"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="pricewatch"`)
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized"}`))
}
