// Package api assembles the gateway's northbound HTTP surface: the
// OpenAI-compatible chat/completions/embeddings/generate/responses routes,
// the Anthropic Messages adapter, and the operator-facing worker and MCP
// management endpoints (SPEC_FULL.md §6).
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/smg/model-gateway/internal/api/handlers"
	"github.com/smg/model-gateway/internal/api/middleware"
	"github.com/smg/model-gateway/internal/config"
)

// NewRouter builds the HTTP router with every northbound route wired to h.
// authMW is nil when no API keys are configured (single-operator/dev mode).
func NewRouter(cfg *config.Config, h *handlers.Handlers, authMW *middleware.APIKeyAuth) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(middleware.TenantExtractor)

	if authMW != nil {
		r.Use(authMW.Middleware)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID", "X-Request-Id", "X-API-Key"},
		ExposedHeaders:   []string{"X-Request-Id", "X-SMG-Error-Code"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/version", h.Version)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", h.ChatCompletions)
		r.Post("/completions", h.Completions)
		r.Post("/embeddings", h.Embeddings)
		r.Post("/rerank", h.Rerank)
		r.Post("/responses", h.Responses)
		r.Post("/messages", h.Messages)

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", h.ListWorkers)
			r.Post("/", h.RegisterWorker)
			r.Delete("/", h.DeregisterWorker)
		})

		r.Route("/mcp", func(r chi.Router) {
			r.Post("/servers", h.RegisterMCPServer)
			r.Post("/approvals/resolve", h.ResolveApproval)
		})
	})

	// SGLang-native raw-token entry point; lives outside /v1 to match the
	// backend's own route (SPEC_FULL.md §6).
	r.Post("/generate", h.Generate)

	return r
}
