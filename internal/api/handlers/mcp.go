package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/smg/model-gateway/internal/gwerrors"
	"github.com/smg/model-gateway/internal/mcp"
)

// registerMCPServerRequest onboards a remote MCP tool server: the
// orchestrator connects, lists its tools, and makes it available to the
// tool loop under serverKey (SPEC_FULL.md §4.10).
type registerMCPServerRequest struct {
	ServerKey string            `json:"server_key"`
	URL       string            `json:"url"`
	Token     string            `json:"token"`
	Headers   map[string]string `json:"headers"`
	Trust     string            `json:"trust"` // "standard" | "trusted" | "untrusted" | "sandboxed"
}

func parseTrustLevel(s string) mcp.TrustLevel {
	switch s {
	case "trusted":
		return mcp.TrustTrusted
	case "untrusted":
		return mcp.TrustUntrusted
	case "sandboxed":
		return mcp.TrustSandboxed
	default:
		return mcp.TrustStandard
	}
}

// RegisterMCPServer serves POST /v1/mcp/servers.
func (h *Handlers) RegisterMCPServer(w http.ResponseWriter, r *http.Request) {
	var req registerMCPServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.InvalidArgument, "invalid_request_body", "could not decode request body", err))
		return
	}
	if req.ServerKey == "" || req.URL == "" {
		writeError(w, gwerrors.New(gwerrors.InvalidArgument, "missing_fields", "server_key and url are required"))
		return
	}

	transport := mcp.NewHTTPTransport(req.URL, req.Token, req.Headers)
	ctx := r.Context()
	if err := transport.Initialize(ctx); err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.BadGateway, "mcp_initialize_failed", "could not initialize MCP server", err))
		return
	}
	tools, err := transport.ListTools(ctx)
	if err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.BadGateway, "mcp_list_tools_failed", "could not list MCP server tools", err))
		return
	}

	h.App.MCP.RegisterServer(&mcp.Server{
		Key:       req.ServerKey,
		Transport: transport,
		Tools:     tools,
		Trust:     parseTrustLevel(req.Trust),
	})
	writeJSON(w, http.StatusCreated, map[string]any{"server_key": req.ServerKey, "tool_count": len(tools)})
}

// resolveApprovalRequest answers a pending interactive approval raised
// during a tool loop (SPEC_FULL.md §4.10/§6).
type resolveApprovalRequest struct {
	RequestID     string `json:"request_id"`
	ServerKey     string `json:"server_key"`
	ElicitationID string `json:"elicitation_id"`
	Approve       bool   `json:"approve"`
	Reason        string `json:"reason"`
	TenantID      string `json:"tenant_id"`
}

// ResolveApproval serves POST /v1/mcp/approvals/resolve.
func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.InvalidArgument, "invalid_request_body", "could not decode request body", err))
		return
	}
	err := h.App.MCP.Approval.Resolve(req.RequestID, req.ServerKey, req.ElicitationID, req.Approve, req.Reason, req.TenantID)
	if err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.NotFound, "approval_not_found", "no matching pending approval", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
