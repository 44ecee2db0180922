package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/smg/model-gateway/internal/discovery"
	"github.com/smg/model-gateway/internal/gwerrors"
	"github.com/smg/model-gateway/internal/worker"
)

// registerWorkerRequest is the operator-supplied input for onboarding a new
// inference backend (SPEC_FULL.md §4.11).
type registerWorkerRequest struct {
	URL             string            `json:"url"`
	RuntimeHint     string            `json:"runtime_hint"`
	ConfiguredModel string            `json:"configured_model"`
	OperatorLabels  map[string]string `json:"operator_labels"`
	DPAware         bool              `json:"dp_aware"`
	DPSize          int               `json:"dp_size"`
}

func parseRuntimeHint(s string) worker.RuntimeType {
	switch s {
	case "sglang":
		return worker.RuntimeSGLang
	case "vllm":
		return worker.RuntimeVLLM
	case "trtllm":
		return worker.RuntimeTRTLLM
	case "external":
		return worker.RuntimeExternal
	default:
		return worker.RuntimeUnknown
	}
}

type workerOut struct {
	URL       string `json:"url"`
	ModelID   string `json:"model_id"`
	Type      string `json:"type"`
	Runtime   string `json:"runtime"`
	Conn      string `json:"conn"`
	Healthy   bool   `json:"healthy"`
	Load      int64  `json:"load"`
	Circuit   string `json:"circuit_state"`
}

func toWorkerOut(w *worker.Worker) workerOut {
	return workerOut{
		URL:     w.URL,
		ModelID: w.ModelCard.ID,
		Type:    w.Type.String(),
		Runtime: w.Runtime.String(),
		Conn:    w.Conn.String(),
		Healthy: w.IsHealthy(),
		Load:    w.Load(),
		Circuit: w.CircuitState().String(),
	}
}

// RegisterWorker serves POST /v1/workers, running the discovery workflow
// against the supplied URL and inserting every resulting worker into the
// registry.
func (h *Handlers) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.InvalidArgument, "invalid_request_body", "could not decode request body", err))
		return
	}
	if req.URL == "" {
		writeError(w, gwerrors.New(gwerrors.InvalidArgument, "missing_url", "url is required"))
		return
	}

	result, err := h.App.Discover(r.Context(), discovery.Request{
		URL:             req.URL,
		OperatorLabels:  req.OperatorLabels,
		RuntimeHint:     parseRuntimeHint(req.RuntimeHint),
		ConfiguredModel: req.ConfiguredModel,
		DPAware:         req.DPAware,
		DPSize:          req.DPSize,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]workerOut, len(result.Workers))
	for i, wk := range result.Workers {
		out[i] = toWorkerOut(wk)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"mode":    result.Mode.String(),
		"runtime": result.Runtime.String(),
		"workers": out,
	})
}

// ListWorkers serves GET /v1/workers, optionally filtered by ?model=.
func (h *Handlers) ListWorkers(w http.ResponseWriter, r *http.Request) {
	model := r.URL.Query().Get("model")
	workers := h.App.Registry.GetWorkersFiltered(worker.Filter{ModelID: model})
	out := make([]workerOut, len(workers))
	for i, wk := range workers {
		out[i] = toWorkerOut(wk)
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": out})
}

// DeregisterWorker serves DELETE /v1/workers?url=... (the worker URL itself
// may contain characters unsafe for a path segment, so it travels as a
// query parameter rather than a chi route param).
func (h *Handlers) DeregisterWorker(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, gwerrors.New(gwerrors.InvalidArgument, "missing_url", "url query parameter is required"))
		return
	}
	h.App.Registry.Remove(url)
	w.WriteHeader(http.StatusNoContent)
}
