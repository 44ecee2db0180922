// Package worker implements the gateway's worker registry: the authoritative
// map of inference-backend URLs to their health, load, and circuit-breaker
// state, plus the consistent-hash rings used by prefix-aware load balancing.
package worker

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind distinguishes a worker's role in a prefill/decode deployment.
type Kind int

const (
	// KindRegular serves full chat/completion requests end to end.
	KindRegular Kind = iota
	// KindPrefill ingests the prompt and emits a KV cache for a paired Decode worker.
	KindPrefill
	// KindDecode consumes a Prefill worker's KV cache and generates output tokens.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindPrefill:
		return "prefill"
	case KindDecode:
		return "decode"
	default:
		return "regular"
	}
}

// ConnectionMode is the transport used to reach a worker.
type ConnectionMode int

const (
	ConnHTTP ConnectionMode = iota
	ConnGRPC
)

func (c ConnectionMode) String() string {
	if c == ConnGRPC {
		return "grpc"
	}
	return "http"
}

// RuntimeType identifies the inference server implementation behind a worker.
type RuntimeType int

const (
	RuntimeUnknown RuntimeType = iota
	RuntimeSGLang
	RuntimeVLLM
	RuntimeTRTLLM
	RuntimeExternal
)

func (r RuntimeType) String() string {
	switch r {
	case RuntimeSGLang:
		return "sglang"
	case RuntimeVLLM:
		return "vllm"
	case RuntimeTRTLLM:
		return "trtllm"
	case RuntimeExternal:
		return "external"
	default:
		return "unknown"
	}
}

// Capability is a bitflag describing what a model can do. Mirrors the
// OpenAI-compatible surface this gateway terminates (see SPEC_FULL.md §6).
type Capability uint32

const (
	CapChat Capability = 1 << iota
	CapCompletions
	CapResponses
	CapEmbeddings
	CapRerank
	CapGenerate
	CapVision
	CapTools
	CapReasoning
	CapImageGen
	CapAudio
	CapModeration
)

func (c Capability) Has(flag Capability) bool { return c&flag != 0 }

// ModelCard describes a served model's identity and capabilities.
type ModelCard struct {
	ID             string
	DisplayName    string
	Aliases        []string
	Capabilities   Capability
	ContextLength  int
	TokenizerPath  string
	ChatTemplate   string
	ReasoningParser string
	ToolParser     string
	NumLabels      int
	ID2Label       map[int]string
}

// Matches reports whether the given lookup string identifies this card,
// either by exact ID or by one of its aliases.
func (m *ModelCard) Matches(lookup string) bool {
	if lookup == m.ID {
		return true
	}
	for _, a := range m.Aliases {
		if a == lookup {
			return true
		}
	}
	return false
}

// Validate checks the invariant num_labels == len(id2label) when populated.
func (m *ModelCard) Validate() error {
	if m.NumLabels > 0 && len(m.ID2Label) > 0 && m.NumLabels != len(m.ID2Label) {
		return errInvalidModelCard{id: m.ID, numLabels: m.NumLabels, id2label: len(m.ID2Label)}
	}
	return nil
}

type errInvalidModelCard struct {
	id               string
	numLabels, id2label int
}

func (e errInvalidModelCard) Error() string {
	return "model card " + e.id + ": num_labels does not match id2label size"
}

// Worker is one registered inference backend. Fields that change concurrently
// with request handling (load, health, failure counters) are atomics so that
// hot-path reads never take the registry lock.
type Worker struct {
	URL            string
	DPRank         int
	DPSize         int
	ModelCard      ModelCard
	Type           Kind
	Conn           ConnectionMode
	Runtime        RuntimeType
	Priority       int
	Cost           float64
	BootstrapHost  string
	BootstrapPort  int
	KVConnector    string // e.g. "MooncakeConnector"
	KVRole         string
	Labels         map[string]string

	load      atomic.Int64
	healthy   atomic.Bool
	consecFail atomic.Int64
	consecOK   atomic.Int64

	cb *CircuitBreaker

	keyLoadMu sync.Mutex
	keyLoad   map[string]int // per cache-key load, for cache-aware routing

	clientOnce sync.Once
	client     any // lazily connected gRPC client handle; see internal/dispatch
	clientErr  error
}

// NewWorker constructs a Worker with default-open health and a fresh circuit
// breaker using the supplied parameters.
func NewWorker(url string, card ModelCard, kind Kind, conn ConnectionMode, runtime RuntimeType, cb CircuitBreakerConfig) *Worker {
	w := &Worker{
		URL:       url,
		ModelCard: card,
		Type:      kind,
		Conn:      conn,
		Runtime:   runtime,
		Labels:    map[string]string{},
		keyLoad:   map[string]int{},
		cb:        NewCircuitBreaker(cb),
	}
	w.healthy.Store(true)
	return w
}

// Load returns the current in-flight request count.
func (w *Worker) Load() int64 { return w.load.Load() }

// IncrementLoad bumps the load counter; pair with DecrementLoad via a LoadGuard.
func (w *Worker) IncrementLoad() { w.load.Add(1) }

// DecrementLoad lowers the load counter; a decrement at zero is a no-op so the
// counter can never go negative even under guard double-release bugs.
func (w *Worker) DecrementLoad() {
	for {
		cur := w.load.Load()
		if cur <= 0 {
			return
		}
		if w.load.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// LoadForKey returns the tracked load for a cache-affinity key, or 0 if the
// key has never been seen. No policy calls it (CacheAware's tie-break uses
// Load), and the per-key map has no size cap.
func (w *Worker) LoadForKey(key string) int {
	w.keyLoadMu.Lock()
	defer w.keyLoadMu.Unlock()
	return w.keyLoad[key]
}

// TouchKey increments the tracked load for a cache-affinity key.
func (w *Worker) TouchKey(key string) {
	w.keyLoadMu.Lock()
	defer w.keyLoadMu.Unlock()
	w.keyLoad[key]++
}

// IsHealthy reports the last-known health flag, independent of circuit state.
func (w *Worker) IsHealthy() bool { return w.healthy.Load() }

// SetHealthy updates the health flag (set by the discovery/health-check loop).
func (w *Worker) SetHealthy(h bool) { w.healthy.Store(h) }

// IsAvailable reports whether the worker should be offered to load-balancing
// policies: healthy AND the circuit breaker currently allows calls.
func (w *Worker) IsAvailable() bool {
	return w.healthy.Load() && w.cb.Allow()
}

// RecordOutcome updates the consecutive success/failure counters and feeds
// the circuit breaker, per SPEC_FULL.md §4.2.
func (w *Worker) RecordOutcome(success bool) {
	if success {
		w.consecOK.Add(1)
		w.consecFail.Store(0)
	} else {
		w.consecFail.Add(1)
		w.consecOK.Store(0)
	}
	w.cb.RecordOutcome(success, time.Now())
}

// CircuitState exposes the breaker's current state for diagnostics/metrics.
func (w *Worker) CircuitState() CBState { return w.cb.State(time.Now()) }

// ClientOnce lazily connects w's gRPC client cell, running connect at most
// once regardless of concurrent callers (SPEC_FULL.md §5: "gRPC clients are
// stored in once-cells per worker; first use lazily connects; subsequent
// uses are lock-free").
func (w *Worker) ClientOnce(connect func() (any, error)) (any, error) {
	w.clientOnce.Do(func() {
		w.client, w.clientErr = connect()
	})
	return w.client, w.clientErr
}

// LoadGuard is an RAII-style handle: it increments a worker's load on
// creation and decrements it exactly once, on Release, so that a panic or an
// early pipeline return can never leak load. Safe to call Release multiple
// times; only the first call has effect.
type LoadGuard struct {
	w        *Worker
	released atomic.Bool
}

// Acquire increments w's load and returns a guard that must be released.
func Acquire(w *Worker) *LoadGuard {
	w.IncrementLoad()
	return &LoadGuard{w: w}
}

// Release decrements the guarded worker's load. Idempotent.
func (g *LoadGuard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.w.DecrementLoad()
	}
}

// LoadGuards is an owned collection of guards released together, mirroring
// the RequestContext-owned guard set described in SPEC_FULL.md §3.
type LoadGuards struct {
	mu     sync.Mutex
	guards []*LoadGuard
}

// Add acquires a fresh guard for w, registers it in the collection, and
// returns it.
func (g *LoadGuards) Add(w *Worker) *LoadGuard {
	lg := Acquire(w)
	g.mu.Lock()
	g.guards = append(g.guards, lg)
	g.mu.Unlock()
	return lg
}

// ReleaseAll releases every guard in the collection exactly once.
func (g *LoadGuards) ReleaseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, lg := range g.guards {
		lg.Release()
	}
	g.guards = nil
}
