package worker_test

import (
	"testing"
	"time"

	"github.com/smg/model-gateway/internal/worker"
)

func newRegularHTTPWorker(url, model string) *worker.Worker {
	return worker.NewWorker(url, worker.ModelCard{ID: model}, worker.KindRegular, worker.ConnHTTP, worker.RuntimeSGLang, worker.DefaultCircuitBreakerConfig())
}

func TestRegistryInsertRejectsDuplicateURL(t *testing.T) {
	r := worker.NewRegistry()
	w := newRegularHTTPWorker("http://w1:8000", "m")

	if err := r.Insert(w); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := r.Insert(w); err != worker.ErrAlreadyExists {
		t.Fatalf("Insert() duplicate error = %v, want ErrAlreadyExists", err)
	}
}

func TestRegistryDerivedModelIndexMatchesPrimary(t *testing.T) {
	r := worker.NewRegistry()
	w1 := newRegularHTTPWorker("http://w1:8000", "m")
	w2 := newRegularHTTPWorker("http://w2:8000", "other")
	if err := r.Insert(w1); err != nil {
		t.Fatal(err)
	}
	if err := r.Insert(w2); err != nil {
		t.Fatal(err)
	}

	got := r.GetWorkersFiltered(worker.Filter{ModelID: "m"})
	if len(got) != 1 || got[0].URL != w1.URL {
		t.Fatalf("GetWorkersFiltered(m) = %+v, want only w1", got)
	}

	r.Remove(w1.URL)
	got = r.GetWorkersFiltered(worker.Filter{ModelID: "m"})
	if len(got) != 0 {
		t.Fatalf("GetWorkersFiltered(m) after remove = %+v, want empty", got)
	}
}

func TestRegistryOnlyAvailableExcludesUnhealthyWorker(t *testing.T) {
	r := worker.NewRegistry()
	healthy := newRegularHTTPWorker("http://w1:8000", "m")
	unhealthy := newRegularHTTPWorker("http://w2:8000", "m")
	unhealthy.SetHealthy(false)
	_ = r.Insert(healthy)
	_ = r.Insert(unhealthy)

	got := r.GetWorkersFiltered(worker.Filter{ModelID: "m", OnlyAvailable: true})
	if len(got) != 1 || got[0].URL != healthy.URL {
		t.Fatalf("GetWorkersFiltered(onlyAvailable) = %+v, want only healthy worker", got)
	}
}

func TestLoadGuardRestoresLoadOnRelease(t *testing.T) {
	w := newRegularHTTPWorker("http://w1:8000", "m")
	if w.Load() != 0 {
		t.Fatalf("initial load = %d, want 0", w.Load())
	}

	g := worker.Acquire(w)
	if w.Load() != 1 {
		t.Fatalf("load after acquire = %d, want 1", w.Load())
	}
	g.Release()
	g.Release() // idempotent
	if w.Load() != 0 {
		t.Fatalf("load after release = %d, want 0", w.Load())
	}
}

func TestCircuitBreakerTransitionDAG(t *testing.T) {
	cfg := worker.CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 2, Timeout: 10 * time.Millisecond, Window: time.Second}
	cb := worker.NewCircuitBreaker(cfg)

	if cb.State(time.Now()) != worker.CBClosed {
		t.Fatalf("initial state = %v, want Closed", cb.State(time.Now()))
	}

	now := time.Now()
	cb.RecordOutcome(false, now)
	if cb.State(now) != worker.CBClosed {
		t.Fatalf("state after 1 failure = %v, want still Closed", cb.State(now))
	}
	cb.RecordOutcome(false, now)
	if cb.State(now) != worker.CBOpen {
		t.Fatalf("state after threshold failures = %v, want Open", cb.State(now))
	}

	// Before timeout elapses, still Open.
	if cb.State(now.Add(time.Millisecond)) != worker.CBOpen {
		t.Fatalf("state before timeout = %v, want Open", cb.State(now))
	}

	// After timeout, probing moves to HalfOpen.
	probeTime := now.Add(20 * time.Millisecond)
	if cb.State(probeTime) != worker.CBHalfOpen {
		t.Fatalf("state after timeout = %v, want HalfOpen", cb.State(probeTime))
	}

	// A single failure in HalfOpen reopens immediately.
	cb.RecordOutcome(false, probeTime)
	if cb.State(probeTime) != worker.CBOpen {
		t.Fatalf("state after HalfOpen failure = %v, want Open", cb.State(probeTime))
	}

	// Recover: wait out timeout again, then succeed to threshold.
	probeTime2 := probeTime.Add(20 * time.Millisecond)
	if cb.State(probeTime2) != worker.CBHalfOpen {
		t.Fatalf("state after second timeout = %v, want HalfOpen", cb.State(probeTime2))
	}
	cb.RecordOutcome(true, probeTime2)
	if cb.State(probeTime2) != worker.CBHalfOpen {
		t.Fatalf("state after 1 HalfOpen success = %v, want still HalfOpen", cb.State(probeTime2))
	}
	cb.RecordOutcome(true, probeTime2)
	if cb.State(probeTime2) != worker.CBClosed {
		t.Fatalf("state after success threshold = %v, want Closed", cb.State(probeTime2))
	}
}

func TestModelCardValidateRejectsMismatchedLabels(t *testing.T) {
	card := worker.ModelCard{ID: "classifier", NumLabels: 3, ID2Label: map[int]string{0: "a", 1: "b"}}
	if err := card.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for mismatched num_labels/id2label")
	}
}
