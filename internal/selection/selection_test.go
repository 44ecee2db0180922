package selection_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/smg/model-gateway/internal/gwerrors"
	"github.com/smg/model-gateway/internal/pipeline"
	"github.com/smg/model-gateway/internal/policy"
	"github.com/smg/model-gateway/internal/selection"
	"github.com/smg/model-gateway/internal/worker"
)

func newPDWorker(url string, kind worker.Kind, runtime worker.RuntimeType) *worker.Worker {
	return worker.NewWorker(url, worker.ModelCard{ID: "m"}, kind, worker.ConnGRPC, runtime, worker.DefaultCircuitBreakerConfig())
}

func TestSelectPDPairNeverMixesRuntimeTypes(t *testing.T) {
	reg := worker.NewRegistry()
	p1 := newPDWorker("p1", worker.KindPrefill, worker.RuntimeSGLang)
	p2 := newPDWorker("p2", worker.KindPrefill, worker.RuntimeVLLM) // mixed-in, should be filtered out
	d1 := newPDWorker("d1", worker.KindDecode, worker.RuntimeSGLang)
	d2 := newPDWorker("d2", worker.KindDecode, worker.RuntimeSGLang)
	for _, w := range []*worker.Worker{p1, p2, d1, d2} {
		if err := reg.Insert(w); err != nil {
			t.Fatal(err)
		}
	}

	stage := selection.New(reg, policy.NewRegistry(), selection.ModePD, worker.ConnGRPC, "round_robin", zerolog.Nop())
	rc := pipeline.NewContext(pipeline.Input{ModelID: "m"})
	result := stage.Execute(context.Background(), rc)
	if result.Done() {
		t.Fatalf("Execute() = %+v, want Continue", result)
	}

	sel := rc.Selection
	if sel == nil || !sel.IsDual() {
		t.Fatalf("Selection = %+v, want a dual PD pair", sel)
	}
	if sel.Prefill.Runtime != sel.Decode.Runtime {
		t.Fatalf("PD pair runtimes differ: prefill=%v decode=%v", sel.Prefill.Runtime, sel.Decode.Runtime)
	}
	if sel.Prefill.URL != "p1" {
		t.Fatalf("prefill = %s, want p1 (p2's mismatched runtime should be filtered out)", sel.Prefill.URL)
	}
}

func TestSelectPDPairFailsWhenOnePoolEmpty(t *testing.T) {
	reg := worker.NewRegistry()
	p1 := newPDWorker("p1", worker.KindPrefill, worker.RuntimeSGLang)
	_ = reg.Insert(p1) // no decode worker registered

	stage := selection.New(reg, policy.NewRegistry(), selection.ModePD, worker.ConnGRPC, "round_robin", zerolog.Nop())
	rc := pipeline.NewContext(pipeline.Input{ModelID: "m"})
	result := stage.Execute(context.Background(), rc)

	if result.Err == nil {
		t.Fatal("Execute() error = nil, want no_available_workers")
	}
	gwErr, ok := result.Err.(*gwerrors.Error)
	if !ok || gwErr.Code != "no_available_workers" {
		t.Fatalf("Execute() error = %v, want no_available_workers", result.Err)
	}
}

func TestSelectRegularEmptyRegistryFails(t *testing.T) {
	reg := worker.NewRegistry()
	stage := selection.New(reg, policy.NewRegistry(), selection.ModeRegular, worker.ConnHTTP, "round_robin", zerolog.Nop())
	rc := pipeline.NewContext(pipeline.Input{ModelID: "m"})
	result := stage.Execute(context.Background(), rc)
	if result.Err == nil {
		t.Fatal("Execute() on empty registry should fail")
	}
}

func TestAcquireStageAddsGuardsForDualSelection(t *testing.T) {
	p := newPDWorker("p1", worker.KindPrefill, worker.RuntimeSGLang)
	d := newPDWorker("d1", worker.KindDecode, worker.RuntimeSGLang)
	rc := pipeline.NewContext(pipeline.Input{ModelID: "m"})
	rc.Selection = &pipeline.Selection{Prefill: p, Decode: d, Runtime: worker.RuntimeSGLang}

	(selection.AcquireStage{}).Execute(context.Background(), rc)
	if p.Load() != 1 || d.Load() != 1 {
		t.Fatalf("loads after acquire = prefill:%d decode:%d, want 1/1", p.Load(), d.Load())
	}
	rc.Release()
	if p.Load() != 0 || d.Load() != 0 {
		t.Fatalf("loads after release = prefill:%d decode:%d, want 0/0", p.Load(), d.Load())
	}
}
