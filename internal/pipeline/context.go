// Package pipeline implements the gateway's stage framework: a fixed,
// ordered sequence of typed stages threading a single RequestContext through
// preparation, worker selection, request building, execution, and response
// processing (SPEC_FULL.md §4.4).
package pipeline

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/smg/model-gateway/internal/worker"
)

// Kind names a pipeline shape, used to pick the stage list.
type Kind int

const (
	KindRegular Kind = iota
	KindPD
	KindHarmony
	KindEmbedding
)

// Input is the immutable request-shaped data a pipeline run starts from.
type Input struct {
	RequestType string // "chat.completions", "completions", "embeddings", "responses", ...
	ModelID     string
	Headers     map[string]string
	IsStreaming bool
	TenantID    string
}

// Selection is the outcome of a worker/client selection stage.
type Selection struct {
	Single   *worker.Worker
	Prefill  *worker.Worker
	Decode   *worker.Worker
	Runtime  worker.RuntimeType
}

// IsDual reports whether this selection is a prefill/decode pair.
func (s Selection) IsDual() bool { return s.Prefill != nil && s.Decode != nil }

// PreparationOutput mirrors SPEC_FULL.md §3's PreparationOutput entity.
type PreparationOutput struct {
	OriginalText       string
	TokenIDs           []int32
	OriginalTokenIDs   []int32
	ProcessedMessages  []ChatMessage
	ToolConstraints    *ToolConstraint
	FilteredRequest    any
	HarmonyMode        bool
	SelectionText      string
	HarmonyMessages    []ChatMessage
	HarmonyStopIDs     []int32
}

// ChatMessage is the minimal message shape stages operate over; the real
// OpenAI schema is consumed as given per spec.md's Non-goals.
type ChatMessage struct {
	Role             string
	Content          string
	MultimodalInputs []byte
}

// ToolConstraint is the (type, value) pair synthesized in §4.5 step f,
// e.g. ("json_schema", <schema JSON>) or ("regex", <pattern>).
type ToolConstraint struct {
	Type  string
	Value string
}

// Context is the single-owner, per-request state threaded through every
// stage. It is created at pipeline entry and released exactly once, which
// drops its LoadGuards (decrementing worker load) regardless of how the
// pipeline exited.
type Context struct {
	RequestID string
	Input     Input
	StartTime time.Time

	Prep      *PreparationOutput
	Selection *Selection
	Guards    worker.LoadGuards
	ProtoReq  any
	Response  any

	// completed is set by MarkCompleted when the backend stream finished
	// naturally. Nothing uses it to decide on a backend Abort RPC: no code
	// in this module sends that RPC for a dropped stream.
	completed bool
}

// NewContext creates a fresh, request-scoped context.
func NewContext(in Input) *Context {
	return &Context{
		RequestID: uuid.NewString(),
		Input:     in,
		StartTime: time.Now(),
	}
}

// MarkCompleted records that the backend stream finished naturally. Only
// Completed reads the flag; Release does not consult it.
func (c *Context) MarkCompleted() { c.completed = true }

// Completed reports whether MarkCompleted was called.
func (c *Context) Completed() bool { return c.completed }

// Release drops the context's resources: load guards are released exactly
// once here, so a panic or an early stage return can never leak load
// (SPEC_FULL.md §3 LoadGuard / §8 RAII invariant).
func (c *Context) Release() {
	c.Guards.ReleaseAll()
}

// Elapsed is a convenience for stage-duration metrics.
func (c *Context) Elapsed() time.Duration { return time.Since(c.StartTime) }

// Response envelope helpers ---------------------------------------------

// StageResult is what a Stage returns: either a short-circuit response, a
// terminal error response, or neither (continue to the next stage), mapping
// onto spec.md §4.4's `Result<Option<Response>, Response>`.
type StageResult struct {
	ShortCircuit *http.Response // non-nil: emit immediately, stop the pipeline
	Err          error          // non-nil: emit as an error response, stop the pipeline
}

// Continue is the zero StageResult: proceed to the next stage.
func Continue() StageResult { return StageResult{} }

// ShortCircuitWith wraps a response that should be emitted without running
// later stages (e.g. a cache hit).
func ShortCircuitWith(resp *http.Response) StageResult { return StageResult{ShortCircuit: resp} }

// Fail wraps a terminal error.
func Fail(err error) StageResult { return StageResult{Err: err} }

// Done reports whether the pipeline should stop after this result.
func (r StageResult) Done() bool { return r.ShortCircuit != nil || r.Err != nil }
