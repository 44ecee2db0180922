// Package server provides the public entry point for initializing the
// model gateway's HTTP server: load configuration, build the AppContext
// (worker registry, policies, MCP orchestrator, storage), wire the
// northbound router, and start telemetry.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/smg/model-gateway/internal/api"
	"github.com/smg/model-gateway/internal/api/handlers"
	"github.com/smg/model-gateway/internal/api/middleware"
	"github.com/smg/model-gateway/internal/app"
	"github.com/smg/model-gateway/internal/config"
	"github.com/smg/model-gateway/internal/telemetry"
)

// Server holds the initialized gateway: the assembled AppContext plus the
// HTTP handler ready to be served.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// App is the assembled dependency graph (registry, policies, MCP
	// orchestrator, storage) every handler is built against.
	App *app.AppContext

	// Config is the loaded gateway configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New builds a ready-to-serve Server from environment-derived configuration.
func New(ctx context.Context) (*Server, error) {
	cfg := config.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.Logger

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	appCtx, err := app.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init app context: %w", err)
	}

	h := handlers.New(appCtx)

	var authMW *middleware.APIKeyAuth
	if len(cfg.Auth.APIKeys) > 0 {
		authMW = middleware.NewAPIKeyAuth(cfg.Auth.APIKeys)
	}

	handler := api.NewRouter(cfg, h, authMW)

	return &Server{
		Handler:      handler,
		App:          appCtx,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: func(c context.Context) error {
			appCtx.Shutdown()
			return shutdown(c)
		},
	}, nil
}
