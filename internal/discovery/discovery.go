// Package discovery implements the worker-discovery workflow that runs
// when an operator registers a new worker URL (SPEC_FULL.md §4.11):
// connection-mode detection, backend detection, metadata discovery, and
// worker assembly. Adapted from the teacher's recipe-engine numbered-step
// shape (each step runs in order, any step's failure aborts the run) and
// its process-probing style.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/smg/model-gateway/internal/gwerrors"
	"github.com/smg/model-gateway/internal/worker"
)

// HTTPProbe is the minimal HTTP-client contract discovery needs; kept
// narrow so tests can fake specific endpoint responses without a full
// server.
type HTTPProbe interface {
	Get(ctx context.Context, url string) (status int, body []byte, err error)
}

// DefaultHTTPProbe issues real GET requests with a short per-probe timeout.
type DefaultHTTPProbe struct {
	Client *http.Client
}

func NewDefaultHTTPProbe() *DefaultHTTPProbe {
	return &DefaultHTTPProbe{Client: &http.Client{Timeout: 5 * time.Second}}
}

func (p *DefaultHTTPProbe) Get(ctx context.Context, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// GRPCProbe is the minimal gRPC-client contract for runtime health/info
// calls, kept as an interface per spec.md's Non-goals around the generated
// southbound client.
type GRPCProbe interface {
	HealthCheck(ctx context.Context, runtimeHint worker.RuntimeType) (worker.RuntimeType, bool, error)
	GetModelInfo(ctx context.Context) (map[string]string, error)
	GetServerInfo(ctx context.Context) (map[string]string, error)
}

// Request is the operator-supplied input to a discovery run: the worker
// URL plus any labels/hints the operator already knows.
type Request struct {
	URL             string
	OperatorLabels  map[string]string
	RuntimeHint     worker.RuntimeType
	ConfiguredModel string // config.models entry, highest model_id precedence
	DPAware         bool
	DPSize          int
}

// Result is what the workflow produces once it's done: one or more
// ready-to-register workers (DP-aware backends materialize dp_size
// workers sharing discovered metadata).
type Result struct {
	Mode    worker.ConnectionMode
	Runtime worker.RuntimeType
	Workers []*worker.Worker
}

// Workflow runs the four discovery steps in order against one worker URL.
type Workflow struct {
	HTTP HTTPProbe
	GRPC GRPCProbe
}

func New(http HTTPProbe, grpc GRPCProbe) *Workflow {
	return &Workflow{HTTP: http, GRPC: grpc}
}

// Run executes connection-mode detection, backend detection, metadata
// discovery, and worker assembly, in that order, per §4.11.
func (w *Workflow) Run(ctx context.Context, req Request) (*Result, error) {
	mode, err := w.detectConnectionMode(ctx, req.URL)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.Unavailable, "discovery_connect_failed", "could not determine connection mode for worker "+req.URL, err)
	}

	runtime, err := w.detectBackend(ctx, req.URL, mode, req.RuntimeHint)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.Unavailable, "discovery_backend_detect_failed", "could not detect backend runtime for worker "+req.URL, err)
	}

	labels, err := w.discoverMetadata(ctx, req.URL, mode)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.Unavailable, "discovery_metadata_failed", "metadata discovery failed for worker "+req.URL, err)
	}

	workers := w.assembleWorkers(req, mode, runtime, labels)
	return &Result{Mode: mode, Runtime: runtime, Workers: workers}, nil
}

// detectConnectionMode probes HTTP first (most backends expose a health
// endpoint); absence of any HTTP response is treated as gRPC.
func (w *Workflow) detectConnectionMode(ctx context.Context, url string) (worker.ConnectionMode, error) {
	if w.HTTP != nil {
		if status, _, err := w.HTTP.Get(ctx, url+"/v1/models"); err == nil && status > 0 {
			return worker.ConnHTTP, nil
		}
	}
	if w.GRPC != nil {
		return worker.ConnGRPC, nil
	}
	return worker.ConnHTTP, gwerrors.New(gwerrors.Unavailable, "discovery_no_probe_succeeded", "neither HTTP nor gRPC probe reached the worker")
}

// detectBackend inspects /v1/models' owned_by field, falling back to
// /version (vLLM-unique) and /server_info (SGLang-only if /version fails),
// or for gRPC calls runtime-specific health endpoints hint-first then in
// sglang→vllm→trtllm order.
func (w *Workflow) detectBackend(ctx context.Context, url string, mode worker.ConnectionMode, hint worker.RuntimeType) (worker.RuntimeType, error) {
	if mode == worker.ConnGRPC {
		order := runtimeProbeOrder(hint)
		for _, rt := range order {
			if detected, ok, err := w.GRPC.HealthCheck(ctx, rt); err == nil && ok {
				return detected, nil
			}
		}
		return worker.RuntimeUnknown, gwerrors.New(gwerrors.Unavailable, "discovery_grpc_backend_undetected", "no gRPC health endpoint responded")
	}

	if status, body, err := w.HTTP.Get(ctx, url+"/v1/models"); err == nil && status == http.StatusOK {
		var payload struct {
			Data []struct {
				OwnedBy string `json:"owned_by"`
			} `json:"data"`
		}
		if json.Unmarshal(body, &payload) == nil {
			for _, d := range payload.Data {
				switch strings.ToLower(d.OwnedBy) {
				case "sglang":
					return worker.RuntimeSGLang, nil
				case "vllm":
					return worker.RuntimeVLLM, nil
				}
			}
		}
	}

	if status, _, err := w.HTTP.Get(ctx, url+"/version"); err == nil && status == http.StatusOK {
		return worker.RuntimeVLLM, nil
	}
	if status, _, err := w.HTTP.Get(ctx, url+"/server_info"); err == nil && status == http.StatusOK {
		return worker.RuntimeSGLang, nil
	}
	return worker.RuntimeUnknown, gwerrors.New(gwerrors.Unavailable, "discovery_http_backend_undetected", "no backend-identifying endpoint responded")
}

func runtimeProbeOrder(hint worker.RuntimeType) []worker.RuntimeType {
	order := []worker.RuntimeType{worker.RuntimeSGLang, worker.RuntimeVLLM, worker.RuntimeTRTLLM}
	if hint == worker.RuntimeUnknown {
		return order
	}
	out := []worker.RuntimeType{hint}
	for _, rt := range order {
		if rt != hint {
			out = append(out, rt)
		}
	}
	return out
}

// discoverMetadata merges every reachable metadata endpoint into one flat
// label map, normalizing backend-specific keys onto the gateway's own
// vocabulary (tensor_parallel_size -> tp_size, etc.) and stripping
// transient runtime-state labels that would otherwise go stale the moment
// they're cached.
func (w *Workflow) discoverMetadata(ctx context.Context, url string, mode worker.ConnectionMode) (map[string]string, error) {
	labels := make(map[string]string)

	if mode == worker.ConnGRPC {
		modelInfo, err := w.GRPC.GetModelInfo(ctx)
		if err != nil {
			return nil, err
		}
		serverInfo, err := w.GRPC.GetServerInfo(ctx)
		if err != nil {
			return nil, err
		}
		mergeLabels(labels, modelInfo)
		mergeLabels(labels, serverInfo)
		return normalizeLabels(labels), nil
	}

	for _, ep := range []string{"/server_info", "/model_info", "/v1/models", "/version"} {
		status, body, err := w.HTTP.Get(ctx, url+ep)
		if err != nil || status != http.StatusOK {
			continue
		}
		flat := flattenJSON(body)
		mergeLabels(labels, flat)
	}
	return normalizeLabels(labels), nil
}

func mergeLabels(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

var keyNormalization = map[string]string{
	"tensor_parallel_size": "tp_size",
	"pipeline_parallel_size": "pp_size",
	"data_parallel_size":   "dp_size",
}

// transientRuntimeLabels are stripped because they describe point-in-time
// state, not stable worker identity, and would immediately go stale once
// cached on a ModelCard.
var transientRuntimeLabels = map[string]bool{
	"num_requests_running": true,
	"num_requests_waiting": true,
	"gpu_cache_usage":      true,
	"uptime_seconds":       true,
}

func normalizeLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		if transientRuntimeLabels[k] {
			continue
		}
		if normalized, ok := keyNormalization[k]; ok {
			k = normalized
		}
		out[k] = v
	}
	return out
}

// flattenJSON turns a (possibly nested) JSON object into a flat
// string-to-string label map, joining nested keys with ".".
func flattenJSON(body []byte) map[string]string {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil
	}
	out := make(map[string]string)
	flattenInto(out, "", doc)
	return out
}

func flattenInto(out map[string]string, prefix string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, nested := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flattenInto(out, key, nested)
		}
	case []any:
		// arrays aren't flattened into labels; discovery only cares about
		// scalar metadata fields.
	case string:
		out[prefix] = val
	case float64:
		out[prefix] = strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		out[prefix] = strconv.FormatBool(val)
	}
}

// assembleWorkers merges discovered labels with operator-supplied ones
// (operator wins), resolves model_id precedence, extracts kv_connector/
// kv_role, and materializes dp_size workers if DP-aware.
func (w *Workflow) assembleWorkers(req Request, mode worker.ConnectionMode, runtime worker.RuntimeType, discovered map[string]string) []*worker.Worker {
	labels := make(map[string]string, len(discovered)+len(req.OperatorLabels))
	mergeLabels(labels, discovered)
	mergeLabels(labels, req.OperatorLabels) // operator wins

	modelID := resolveModelID(req.ConfiguredModel, labels)

	card := worker.ModelCard{
		ID:            modelID,
		DisplayName:   modelID,
		Aliases:       splitCSV(labels["aliases"]),
		ContextLength: atoiOr(labels["context_length"], 0),
		TokenizerPath: labels["tokenizer_path"],
		ChatTemplate:  labels["chat_template"],
	}

	count := 1
	if req.DPAware && req.DPSize > 1 {
		count = req.DPSize
	}

	workers := make([]*worker.Worker, 0, count)
	for i := 0; i < count; i++ {
		url := req.URL
		if count > 1 {
			url = fmt.Sprintf("%s#dp%d", req.URL, i)
		}
		wk := worker.NewWorker(url, card, worker.KindRegular, mode, runtime, worker.DefaultCircuitBreakerConfig())
		wk.Labels = labels
		wk.KVConnector = labels["kv_connector"]
		wk.KVRole = labels["kv_role"]
		wk.BootstrapHost = labels["bootstrap_host"]
		wk.BootstrapPort = atoiOr(labels["bootstrap_port"], 0)
		if req.DPAware {
			wk.DPRank = i
			wk.DPSize = count
		}
		workers = append(workers, wk)
	}
	return workers
}

// resolveModelID applies the precedence order from §4.11: configured
// model entry, then served_model_name, then model_id, then model_path,
// then an explicit UNKNOWN sentinel.
func resolveModelID(configured string, labels map[string]string) string {
	if configured != "" {
		return configured
	}
	for _, key := range []string{"served_model_name", "model_id", "model_path"} {
		if v := labels[key]; v != "" {
			return v
		}
	}
	return "UNKNOWN"
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
