package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"github.com/hazyhaar/pricewatch/auth"
	"github.com/hazyhaar/pricewatch/kit"
	"github.com/hazyhaar/pricewatch/shield"
)

// HTTPConfig configures the HTTP surface.
type HTTPConfig struct {
	// Secret signs and verifies tenant tokens (HS256).
	Secret []byte
	// AdminPasswordHash is the bcrypt hash checked by POST /api/v1/token.
	// Empty disables token minting.
	AdminPasswordHash string
}

// Handler returns the HTTP API: /healthz, the tenant API under /api/v1 and
// the MCP endpoint at /mcp. Bearer tokens are parsed on every route; the
// API and MCP routes require a tenant.
func (svc *Service) Handler(cfg HTTPConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.Middleware(cfg.Secret))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Post("/api/v1/token", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Password string `json:"password"`
			TenantID string `json:"tenant_id"`
			Subject  string `json:"subject"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, 400, err)
			return
		}
		if cfg.AdminPasswordHash == "" {
			writeError(w, 403, errors.New("token minting is disabled"))
			return
		}
		if err := auth.CheckPassword(cfg.AdminPasswordHash, req.Password); err != nil {
			writeJSON(w, 401, map[string]string{"error": "invalid credentials"})
			return
		}
		if req.TenantID == "" {
			writeError(w, 400, errors.New("tenant_id is required"))
			return
		}
		if req.Subject == "" {
			req.Subject = "api"
		}
		claims := &auth.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: req.Subject},
			TenantID:         req.TenantID,
			Role:             auth.RoleTenant,
		}
		token, err := auth.GenerateToken(cfg.Secret, claims, svc.config.TokenTTL)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		shield.GetLogger(r.Context()).Info("discovery: token minted", "tenant_id", req.TenantID, "subject", req.Subject)
		writeJSON(w, 200, map[string]any{"token": token, "expires_in": int(svc.config.TokenTTL.Seconds())})
	})

	r.With(auth.RequireTenant).Handle("/mcp", svc.MCPHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.RequireTenant)
		svc.competitorRoutes(r)
		svc.sourceRoutes(r)
		svc.profileRoutes(r)
		svc.ruleRoutes(r)
		svc.insightRoutes(r)
		svc.productRoutes(r)
	})
	return r
}

func (svc *Service) competitorRoutes(r chi.Router) {
	r.Route("/competitors", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			c := Competitor{Active: true}
			if err := decodeJSON(r, &c); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := svc.CreateCompetitor(r.Context(), &c); err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 201, c)
		})
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			list, err := svc.ListCompetitors(r.Context())
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, list)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			c, err := svc.GetCompetitor(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, c)
		})
		r.Patch("/{id}", func(w http.ResponseWriter, r *http.Request) {
			var p CompetitorPatch
			if err := decodeJSON(r, &p); err != nil {
				writeError(w, 400, err)
				return
			}
			c, err := svc.UpdateCompetitor(r.Context(), chi.URLParam(r, "id"), p)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, c)
		})
	})
}

func (svc *Service) sourceRoutes(r chi.Router) {
	r.Route("/sources", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			s := Source{Active: true, RobotsAllowed: true}
			if err := decodeJSON(r, &s); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := svc.CreateSource(r.Context(), &s); err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 201, s)
		})
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			list, err := svc.ListSources(r.Context(), r.URL.Query().Get("competitor_id"))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, list)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			s, err := svc.GetSource(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, s)
		})
		r.Patch("/{id}", func(w http.ResponseWriter, r *http.Request) {
			var p SourcePatch
			if err := decodeJSON(r, &p); err != nil {
				writeError(w, 400, err)
				return
			}
			s, err := svc.UpdateSource(r.Context(), chi.URLParam(r, "id"), p)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, s)
		})
		r.Post("/{id}/trigger", func(w http.ResponseWriter, r *http.Request) {
			job, err := svc.TriggerSource(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 202, job)
		})
		r.Get("/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
			runs, err := svc.RunHistory(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 50))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, runs)
		})
	})
}

func (svc *Service) profileRoutes(r chi.Router) {
	r.Route("/profiles", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			var in ProfileInput
			if err := decodeJSON(r, &in); err != nil {
				writeError(w, 400, err)
				return
			}
			p, err := svc.CreateProfile(r.Context(), in)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 201, p)
		})
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			list, err := svc.ListProfiles(r.Context())
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, list)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			p, err := svc.GetProfile(r.Context(), chi.URLParam(r, "id"), 0)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, p)
		})
		r.Put("/{id}", func(w http.ResponseWriter, r *http.Request) {
			var in ProfileInput
			if err := decodeJSON(r, &in); err != nil {
				writeError(w, 400, err)
				return
			}
			p, err := svc.UpdateProfile(r.Context(), chi.URLParam(r, "id"), in)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, p)
		})
		r.Get("/{id}/versions", func(w http.ResponseWriter, r *http.Request) {
			list, err := svc.ProfileVersions(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, list)
		})
		r.Get("/{id}/versions/{version}", func(w http.ResponseWriter, r *http.Request) {
			v, err := strconv.Atoi(chi.URLParam(r, "version"))
			if err != nil || v < 1 {
				writeError(w, 400, fmt.Errorf("invalid version %q", chi.URLParam(r, "version")))
				return
			}
			p, err := svc.GetProfile(r.Context(), chi.URLParam(r, "id"), v)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, p)
		})
	})
}

func (svc *Service) ruleRoutes(r chi.Router) {
	r.Route("/rules", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			rule := WatchRule{Active: true}
			if err := decodeJSON(r, &rule); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := svc.CreateRule(r.Context(), &rule); err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 201, rule)
		})
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			list, err := svc.ListRules(r.Context())
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, list)
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			rule, err := svc.GetRule(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, rule)
		})
		r.Put("/{id}", func(w http.ResponseWriter, r *http.Request) {
			rule := WatchRule{Active: true}
			if err := decodeJSON(r, &rule); err != nil {
				writeError(w, 400, err)
				return
			}
			updated, err := svc.UpdateRule(r.Context(), chi.URLParam(r, "id"), &rule)
			if err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, updated)
		})
		r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
				writeServiceError(w, r, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "deleted"})
		})
	})
}

func (svc *Service) insightRoutes(r chi.Router) {
	r.Get("/insights", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := InsightFilter{
			Category: q.Get("category"),
			Since:    int64(queryInt(r, "since", 0)),
			Limit:    queryInt(r, "limit", 100),
		}
		if t := q.Get("type"); t != "" {
			f.Types = strings.Split(t, ",")
		}
		list, err := svc.ListInsights(r.Context(), q.Get("consumer"), f)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, 200, list)
	})
	r.Post("/insights/consume", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Consumer string   `json:"consumer"`
			IDs      []string `json:"ids"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, 400, err)
			return
		}
		n, err := svc.ConsumeInsights(r.Context(), req.Consumer, req.IDs)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, 200, map[string]int{"consumed": n})
	})
}

func (svc *Service) productRoutes(r chi.Router) {
	r.Get("/products", func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.ListProducts(r.Context(), r.URL.Query().Get("competitor_id"), queryInt(r, "limit", 500))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, 200, list)
	})
	r.Get("/products/{id}/prices", func(w http.ResponseWriter, r *http.Request) {
		points, err := svc.PriceHistory(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 1000))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, 200, points)
	})
	r.Get("/reference-prices", func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.ListReferencePrices(r.Context())
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, 200, list)
	})
	r.Put("/reference-prices", func(w http.ResponseWriter, r *http.Request) {
		var prices []*ReferencePrice
		if err := decodeJSON(r, &prices); err != nil {
			writeError(w, 400, err)
			return
		}
		n, err := svc.UpsertReferencePrices(r.Context(), prices)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, 200, map[string]int{"upserted": n})
	})
}

// statusOf maps service errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidRule), errors.Is(err, ErrInvalidProfile):
		return 400
	case errors.Is(err, ErrJobInFlight):
		return 409
	case errors.Is(err, ErrForbidden):
		return 403
	case errors.Is(err, kit.ErrNoTenant):
		return 401
	default:
		return 500
	}
}

// writeServiceError answers with the mapped status. Internal errors are
// logged with the request's trace id and not echoed to the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	if code == 500 {
		shield.GetLogger(r.Context()).Error("discovery: request failed", "path", r.URL.Path, "error", err)
		writeError(w, 500, errors.New("internal error"))
		return
	}
	writeError(w, code, err)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
