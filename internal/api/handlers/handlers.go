// Package handlers implements the gateway's northbound HTTP surface: an
// OpenAI-compatible chat/completions/embeddings API backed by the pipeline
// stages in internal/app, plus the operator-facing worker-discovery and MCP
// approval endpoints.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/smg/model-gateway/internal/app"
	"github.com/smg/model-gateway/internal/gwerrors"
)

// Handlers bundles the AppContext every HTTP handler needs.
type Handlers struct {
	App *app.AppContext
}

// New builds a Handlers collection.
func New(a *app.AppContext) *Handlers {
	return &Handlers{App: a}
}

// Health reports process liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "model-gateway"})
}

// Version reports the running build version.
func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.App.Config.Version, "service": "model-gateway"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders an error onto the wire using gwerrors' closed kind
// taxonomy (SPEC_FULL.md §7): the HTTP status and X-SMG-Error-Code header
// come from the error's Kind, falling back to Internal for anything that
// isn't already a *gwerrors.Error.
func writeError(w http.ResponseWriter, err error) {
	gerr, ok := err.(*gwerrors.Error)
	if !ok {
		gerr = gwerrors.Wrap(gwerrors.Internal, "internal_error", "unexpected error", err)
	}
	w.Header().Set("X-SMG-Error-Code", gerr.Code)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gerr.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"type":    string(gerr.Kind),
			"code":    gerr.Code,
			"message": gerr.Message,
			"param":   gerr.Param,
		},
	})
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
