package auth

import "github.com/golang-jwt/jwt/v5"

// Roles carried in tokens.
const (
	RoleTenant = "tenant" // scoped to one tenant's data
	RoleAdmin  = "admin"  // may mint tokens and reach the MCP surface
)

// Claims are the pricewatch JWT claims. Subject names the caller (a
// dashboard, a pricing bot); TenantID scopes every query it makes.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}
