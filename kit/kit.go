// Package kit defines the transport-agnostic endpoint shape shared by the
// HTTP and MCP surfaces of pricewatch, plus the context keys that carry the
// caller's tenant and trace id across them.
package kit

import (
	"context"
	"errors"
)

// ErrNoTenant is returned by RequireTenant when the context has no tenant.
var ErrNoTenant = errors.New("kit: no tenant in context")

// Endpoint is one operation, independent of how it is invoked.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one listed is the outermost.
func Chain(outer Middleware, others ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(others) - 1; i >= 0; i-- {
			next = others[i](next)
		}
		return outer(next)
	}
}

// RequireTenant rejects calls whose context carries no tenant id.
func RequireTenant() Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if GetTenantID(ctx) == "" {
				return nil, ErrNoTenant
			}
			return next(ctx, req)
		}
	}
}
