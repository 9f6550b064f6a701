package discovery

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pricewatch/kit"
)

var mcpImpl = &mcp.Implementation{Name: "pricewatch", Version: "1.0.0"}

// MCPHandler serves the MCP tools over streamable HTTP. Each tenant gets its
// own server whose tools are bound to that tenant; requests without a tenant
// in the context are refused. Mount it behind auth.Middleware.
func (svc *Service) MCPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		t := kit.GetTenantID(r.Context())
		if t == "" {
			return nil
		}
		return svc.mcpServer(t)
	}, nil)
}

func (svc *Service) mcpServer(tenantID string) *mcp.Server {
	svc.mcpMu.Lock()
	defer svc.mcpMu.Unlock()
	if srv, ok := svc.mcpServers[tenantID]; ok {
		return srv
	}
	srv := mcp.NewServer(mcpImpl, nil)
	svc.RegisterMCP(srv, tenantID)
	svc.mcpServers[tenantID] = srv
	return srv
}

// RegisterMCP registers the pricewatch tools on srv, scoped to tenantID.
func (svc *Service) RegisterMCP(srv *mcp.Server, tenantID string) {
	svc.registerTriggerSource(srv, tenantID)
	svc.registerListSources(srv, tenantID)
	svc.registerRunHistory(srv, tenantID)
	svc.registerListInsights(srv, tenantID)
	svc.registerConsumeInsights(srv, tenantID)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// decodeFor decodes tool arguments into a *T and binds the call to tenantID.
func decodeFor[T any](tenantID string) func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	return func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		p, err := kit.DecodeArgs[T](r)
		if err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{
			Request: &p,
			EnrichCtx: func(ctx context.Context) context.Context {
				return kit.WithTenantID(ctx, tenantID)
			},
		}, nil
	}
}

func register(srv *mcp.Server, tool *mcp.Tool, endpoint kit.Endpoint, decode func(*mcp.CallToolRequest) (*kit.MCPDecodeResult, error)) {
	kit.RegisterMCPTool(srv, tool, kit.RequireTenant()(endpoint), decode)
}

func (svc *Service) registerTriggerSource(srv *mcp.Server, tenantID string) {
	type req struct {
		SourceID string `json:"source_id"`
	}

	tool := &mcp.Tool{
		Name:        "pricewatch_trigger_source",
		Description: "Queue an immediate discovery run for a source. Fails if the source already has a job in flight.",
		InputSchema: inputSchema(map[string]any{
			"source_id": map[string]any{"type": "string", "description": "Source ID"},
		}, []string{"source_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.TriggerSource(ctx, p.SourceID)
	}

	register(srv, tool, endpoint, decodeFor[req](tenantID))
}

func (svc *Service) registerListSources(srv *mcp.Server, tenantID string) {
	type req struct {
		CompetitorID string `json:"competitor_id"`
	}

	tool := &mcp.Tool{
		Name:        "pricewatch_list_sources",
		Description: "List monitored competitor sources with their schedule and failure state",
		InputSchema: inputSchema(map[string]any{
			"competitor_id": map[string]any{"type": "string", "description": "Only sources of this competitor"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.ListSources(ctx, p.CompetitorID)
	}

	register(srv, tool, endpoint, decodeFor[req](tenantID))
}

func (svc *Service) registerRunHistory(srv *mcp.Server, tenantID string) {
	type req struct {
		SourceID string `json:"source_id"`
		Limit    int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "pricewatch_run_history",
		Description: "Show recent runs of a source: status, HTTP outcome, product counts and error detail",
		InputSchema: inputSchema(map[string]any{
			"source_id": map[string]any{"type": "string", "description": "Source ID"},
			"limit":     map[string]any{"type": "integer", "description": "Max runs (default 50)"},
		}, []string{"source_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.RunHistory(ctx, p.SourceID, p.Limit)
	}

	register(srv, tool, endpoint, decodeFor[req](tenantID))
}

func (svc *Service) registerListInsights(srv *mcp.Server, tenantID string) {
	type req struct {
		Consumer string   `json:"consumer"`
		Category string   `json:"category"`
		Types    []string `json:"types"`
		Since    int64    `json:"since"`
		Limit    int      `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "pricewatch_list_insights",
		Description: "List insights (price drops, gaps, stock changes, new and discontinued products) not yet consumed by a consumer",
		InputSchema: inputSchema(map[string]any{
			"consumer": map[string]any{"type": "string", "description": "Consumer name; empty lists all insights"},
			"category": map[string]any{"type": "string", "description": "Canonical product category"},
			"types":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Insight types"},
			"since":    map[string]any{"type": "integer", "description": "Only insights created at or after this Unix ms time"},
			"limit":    map[string]any{"type": "integer", "description": "Max results (default 100)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.ListInsights(ctx, p.Consumer, InsightFilter{
			Category: p.Category,
			Types:    p.Types,
			Since:    p.Since,
			Limit:    p.Limit,
		})
	}

	register(srv, tool, endpoint, decodeFor[req](tenantID))
}

func (svc *Service) registerConsumeInsights(srv *mcp.Server, tenantID string) {
	type req struct {
		Consumer string   `json:"consumer"`
		IDs      []string `json:"ids"`
	}

	tool := &mcp.Tool{
		Name:        "pricewatch_consume_insights",
		Description: "Mark insights as processed by a consumer. Idempotent.",
		InputSchema: inputSchema(map[string]any{
			"consumer": map[string]any{"type": "string", "description": "Consumer name"},
			"ids":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Insight IDs"},
		}, []string{"consumer", "ids"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		n, err := svc.ConsumeInsights(ctx, p.Consumer, p.IDs)
		if err != nil {
			return nil, err
		}
		return map[string]int{"consumed": n}, nil
	}

	register(srv, tool, endpoint, decodeFor[req](tenantID))
}
