// Package app wires the gateway's standalone engine packages (worker
// registry, policies, pipeline stages, MCP orchestration, discovery,
// storage) into one AppContext that the HTTP layer drives, the Go
// equivalent of the teacher's pkg/server buildServer step.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/smg/model-gateway/internal/config"
	"github.com/smg/model-gateway/internal/discovery"
	"github.com/smg/model-gateway/internal/dispatch"
	"github.com/smg/model-gateway/internal/grpcclient"
	"github.com/smg/model-gateway/internal/mcp"
	"github.com/smg/model-gateway/internal/policy"
	"github.com/smg/model-gateway/internal/prep"
	"github.com/smg/model-gateway/internal/storage"
	"github.com/smg/model-gateway/internal/worker"
)

// AppContext is the gateway's assembled dependency graph: one instance is
// built at startup and threaded through every HTTP handler.
type AppContext struct {
	Config *config.Config
	Log    zerolog.Logger

	Registry *worker.Registry
	Policies *policy.Registry

	Tokenizer  prep.Tokenizer
	Template   prep.ChatTemplate
	Multimodal prep.MultimodalExpander

	HTTPProbe discovery.HTTPProbe

	MCP *mcp.Orchestrator

	Store storage.Store

	janitorCancel context.CancelFunc
}

// New builds an AppContext from configuration. Discovery's HTTP prober is
// always discovery.NewDefaultHTTPProbe().
func New(cfg *config.Config, log zerolog.Logger) (*AppContext, error) {
	reg := worker.NewRegistry()
	policies := policy.NewRegistry()

	audit := mcp.NewAuditLog()
	policyEngine := mcp.NewPolicyEngine(audit)
	approval := mcp.NewApprovalManager(policyEngine, audit)
	approval.WithTimeout(cfg.MCP.ApprovalTimeout)

	limiter := mcp.NewRateLimiter(mcp.RateLimits{
		MaxCallsPerMinute: cfg.RateLimit.PerMinute,
		MaxCallsPerHour:   cfg.RateLimit.PerHour,
		MaxConcurrent:     cfg.RateLimit.Concurrency,
	})

	pool := mcp.NewConnectionPool(cfg.MCP.PoolCapacity)
	builtin := mcp.NewBuiltinRegistry()

	orch := mcp.NewOrchestrator(approval, limiter, pool, builtin)
	orch.MaxIterations = cfg.MCP.MaxIterations

	var store storage.Store
	if cfg.Database.URL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pg, err := storage.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			log.Warn().Err(err).Msg("postgres store unavailable, falling back to in-memory store")
			store = storage.NewMemoryStore()
		} else {
			store = pg
		}
	} else {
		store = storage.NewMemoryStore()
	}

	janitorCtx, cancel := context.WithCancel(context.Background())
	janitor := mcp.NewJanitor(approval, pool, log).WithPoolIdleTimeout(cfg.MCP.PoolIdleTimeout)
	go janitor.Run(janitorCtx)

	return &AppContext{
		Config:        cfg,
		Log:           log,
		Registry:      reg,
		Policies:      policies,
		Tokenizer:     WhitespaceTokenizer{},
		Template:      SimpleChatTemplate{},
		Multimodal:    NoopMultimodalExpander{},
		HTTPProbe:     discovery.NewDefaultHTTPProbe(),
		MCP:           orch,
		Store:         store,
		janitorCancel: cancel,
	}, nil
}

// Shutdown stops the background MCP janitor goroutine. Safe to call once
// during graceful shutdown.
func (a *AppContext) Shutdown() {
	if a.janitorCancel != nil {
		a.janitorCancel()
	}
}

// ClientFor resolves the dispatch.Client for a worker, lazily connecting a
// gRPC client through the worker's once-cell on first use.
func (a *AppContext) ClientFor(w *worker.Worker) (dispatch.Client, error) {
	raw, err := w.ClientOnce(func() (any, error) {
		return grpcclient.Dial(w.URL)
	})
	if err != nil {
		return nil, fmt.Errorf("connect worker %s: %w", w.URL, err)
	}
	client, ok := raw.(*grpcclient.Client)
	if !ok {
		return nil, fmt.Errorf("worker %s: unexpected client type", w.URL)
	}
	return client, nil
}

// Discover runs the discovery workflow for a freshly registered worker URL
// and inserts every worker it produces into the registry. A gRPC client is
// dialed against req.URL up front since discovery.GRPCProbe isn't
// URL-parameterized (*grpcclient.Client already satisfies it directly); the
// dial is best-effort, so HTTP-only backends still discover normally.
func (a *AppContext) Discover(ctx context.Context, req discovery.Request) (*discovery.Result, error) {
	var grpcProbe discovery.GRPCProbe
	if client, err := grpcclient.Dial(req.URL); err == nil {
		grpcProbe = client
		defer client.Close()
	}

	workflow := discovery.New(a.HTTPProbe, grpcProbe)
	result, err := workflow.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, w := range result.Workers {
		if err := a.Registry.Insert(w); err != nil && err != worker.ErrAlreadyExists {
			return result, err
		}
	}
	return result, nil
}
