package discovery_test

import (
	"context"
	"testing"

	"github.com/smg/model-gateway/internal/discovery"
	"github.com/smg/model-gateway/internal/worker"
)

type fakeHTTPProbe struct {
	responses map[string]fakeResponse
}

type fakeResponse struct {
	status int
	body   string
}

func (p *fakeHTTPProbe) Get(ctx context.Context, url string) (int, []byte, error) {
	if r, ok := p.responses[url]; ok {
		return r.status, []byte(r.body), nil
	}
	return 0, nil, nil
}

func TestRunDiscoversHTTPSGLangWorker(t *testing.T) {
	base := "http://worker-1:8000"
	probe := &fakeHTTPProbe{responses: map[string]fakeResponse{
		base + "/v1/models": {200, `{"data":[{"owned_by":"sglang"}]}`},
		base + "/server_info": {200, `{"model_path":"meta/llama-3","context_length":8192,"tensor_parallel_size":2}`},
	}}
	wf := discovery.New(probe, nil)

	result, err := wf.Run(context.Background(), discovery.Request{URL: base})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Mode != worker.ConnHTTP {
		t.Fatalf("Mode = %v, want ConnHTTP", result.Mode)
	}
	if result.Runtime != worker.RuntimeSGLang {
		t.Fatalf("Runtime = %v, want RuntimeSGLang", result.Runtime)
	}
	if len(result.Workers) != 1 {
		t.Fatalf("Workers = %d, want 1", len(result.Workers))
	}
	w := result.Workers[0]
	if w.ModelCard.ID != "meta/llama-3" {
		t.Fatalf("ModelCard.ID = %q, want meta/llama-3", w.ModelCard.ID)
	}
	if w.ModelCard.ContextLength != 8192 {
		t.Fatalf("ContextLength = %d, want 8192", w.ModelCard.ContextLength)
	}
	if w.Labels["tp_size"] != "2" {
		t.Fatalf("tp_size label = %q, want 2 (normalized from tensor_parallel_size)", w.Labels["tp_size"])
	}
	if !w.IsAvailable() {
		t.Fatal("worker constructed via NewWorker should be available (healthy circuit breaker)")
	}
}

func TestRunPrefersConfiguredModelOverDiscoveredLabels(t *testing.T) {
	base := "http://worker-2:8000"
	probe := &fakeHTTPProbe{responses: map[string]fakeResponse{
		base + "/v1/models": {200, `{"data":[{"owned_by":"vllm"}]}`},
		base + "/version":   {200, `{}`},
		base + "/model_info": {200, `{"served_model_name":"discovered-name"}`},
	}}
	wf := discovery.New(probe, nil)

	result, err := wf.Run(context.Background(), discovery.Request{URL: base, ConfiguredModel: "operator-configured"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Workers[0].ModelCard.ID != "operator-configured" {
		t.Fatalf("ModelCard.ID = %q, want operator-configured", result.Workers[0].ModelCard.ID)
	}
}

func TestRunMaterializesOneWorkerPerDPRank(t *testing.T) {
	base := "http://worker-3:8000"
	probe := &fakeHTTPProbe{responses: map[string]fakeResponse{
		base + "/v1/models": {200, `{"data":[{"owned_by":"sglang"}]}`},
		base + "/server_info": {200, `{"model_path":"m"}`},
	}}
	wf := discovery.New(probe, nil)

	result, err := wf.Run(context.Background(), discovery.Request{URL: base, DPAware: true, DPSize: 4})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.Workers) != 4 {
		t.Fatalf("Workers = %d, want 4", len(result.Workers))
	}
	for i, w := range result.Workers {
		if w.DPRank != i || w.DPSize != 4 {
			t.Fatalf("worker %d: DPRank=%d DPSize=%d, want rank=%d size=4", i, w.DPRank, w.DPSize, i)
		}
	}
}

type fakeGRPCProbe struct {
	healthyRuntime worker.RuntimeType
	modelInfo      map[string]string
	serverInfo     map[string]string
}

func (p *fakeGRPCProbe) HealthCheck(ctx context.Context, hint worker.RuntimeType) (worker.RuntimeType, bool, error) {
	if hint == p.healthyRuntime {
		return hint, true, nil
	}
	return worker.RuntimeUnknown, false, nil
}

func (p *fakeGRPCProbe) GetModelInfo(ctx context.Context) (map[string]string, error) {
	return p.modelInfo, nil
}

func (p *fakeGRPCProbe) GetServerInfo(ctx context.Context) (map[string]string, error) {
	return p.serverInfo, nil
}

func TestRunDiscoversGRPCWorkerViaHintedProbeOrder(t *testing.T) {
	grpc := &fakeGRPCProbe{
		healthyRuntime: worker.RuntimeTRTLLM,
		modelInfo:      map[string]string{"model_id": "trt-model"},
		serverInfo:     map[string]string{"data_parallel_size": "2"},
	}
	wf := discovery.New(nil, grpc)

	result, err := wf.Run(context.Background(), discovery.Request{URL: "grpc://worker-4:9000", RuntimeHint: worker.RuntimeSGLang})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Mode != worker.ConnGRPC {
		t.Fatalf("Mode = %v, want ConnGRPC", result.Mode)
	}
	if result.Runtime != worker.RuntimeTRTLLM {
		t.Fatalf("Runtime = %v, want RuntimeTRTLLM", result.Runtime)
	}
	if result.Workers[0].Labels["dp_size"] != "2" {
		t.Fatalf("dp_size label = %q, want 2 (normalized from data_parallel_size)", result.Workers[0].Labels["dp_size"])
	}
}

func TestRunFailsWhenNoProbeReachesWorker(t *testing.T) {
	wf := discovery.New(&fakeHTTPProbe{responses: map[string]fakeResponse{}}, nil)
	if _, err := wf.Run(context.Background(), discovery.Request{URL: "http://unreachable:8000"}); err == nil {
		t.Fatal("expected an error when neither HTTP nor gRPC probe reaches the worker")
	}
}
