package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smg/model-gateway/internal/gwerrors"
)

// DefaultMaxIterations bounds the tool loop so a model that never stops
// requesting tools can't run the gateway out of backend calls forever
// (SPEC_FULL.md §12, grounded on the original router's fixed iteration
// cap).
const DefaultMaxIterations = 10

// ToolCall is one tool invocation the model asked for in its last turn.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	ServerKey string          `json:"server_key"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is fed back to the model as the outcome of one ToolCall.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ModelTurn is what one round-trip to the backend model produces: either a
// final text response, or a batch of tool calls to execute before looping
// again.
type ModelTurn struct {
	Text      string
	ToolCalls []ToolCall
}

// ModelCaller is the collaborator that actually drives a model turn given
// the running message history; the pipeline package builds requests and
// streams responses, so the orchestrator only needs this narrow seam to
// stay decoupled from the chat wire format.
type ModelCaller interface {
	CallModel(ctx context.Context, history []json.RawMessage) (ModelTurn, error)
}

// Trace records one full tool-loop execution for observability/audit, the
// Go-side equivalent of the control plane's agent ExecutionTrace.
type Trace struct {
	TraceID    string
	Iterations []Iteration
	TotalMs    int64
}

type Iteration struct {
	Number    int
	Response  string
	ToolCalls []ToolCall
	Results   []ToolResult
	LatencyMs int64
}

// Server is a connected MCP server the orchestrator can route tool calls
// to.
type Server struct {
	Key       string
	Transport Transport
	Tools     []ToolDescriptor
	Trust     TrustLevel
}

// Orchestrator drives the bounded agentic tool loop: call the model, and
// while it asks for tools, resolve each against a connected MCP server,
// gate it through approval + rate limiting, execute it, and feed the
// result back, until the model returns text or MaxIterations is hit
// (SPEC_FULL.md §4.10/§12).
type Orchestrator struct {
	Approval     *ApprovalManager
	RateLimiter  *RateLimiter
	Pool         *ConnectionPool
	Builtin      *BuiltinRegistry
	MaxIterations int

	// OnPendingApproval, when set, is invoked synchronously the moment a
	// tool call is gated on an interactive approval, before Run blocks
	// waiting for it to resolve. No HTTP handler in this module sets it, so
	// the Responses stream carries no mcp_approval_request event.
	OnPendingApproval func(PendingOutcome)

	servers map[string]*Server
}

func NewOrchestrator(approval *ApprovalManager, limiter *RateLimiter, pool *ConnectionPool, builtin *BuiltinRegistry) *Orchestrator {
	return &Orchestrator{
		Approval:      approval,
		RateLimiter:   limiter,
		Pool:          pool,
		Builtin:       builtin,
		MaxIterations: DefaultMaxIterations,
		servers:       make(map[string]*Server),
	}
}

// RegisterServer makes a connected MCP server available to the tool loop.
// A non-default trust level is registered with the approval policy engine
// so subsequent calls to this server are evaluated against it (untrusted
// servers can't approve their own destructive tools just because a tool's
// annotations look benign).
func (o *Orchestrator) RegisterServer(s *Server) {
	o.servers[s.Key] = s
	if s.Trust != TrustStandard {
		o.Approval.Policy().WithServerPolicy(s.Key, ServerPolicy{Default: Allow(), TrustLevel: s.Trust})
	}
}

func (o *Orchestrator) ServerKey(s *Server) string { return s.Key }

// Run executes the bounded tool loop for one request, starting from an
// initial message history, and returns the final text response (empty if
// the loop was truncated by MaxIterations) plus the full trace.
func (o *Orchestrator) Run(ctx context.Context, caller ModelCaller, tenantID, requestID string, mode ApprovalMode, history []json.RawMessage) (string, *Trace, error) {
	return o.RunBounded(ctx, caller, tenantID, requestID, mode, history, o.MaxIterations)
}

// RunBounded is Run with an explicit iteration cap, so a caller can narrow
// one request's tool loop (e.g. the Responses API's per-request
// max_tool_calls) without mutating the orchestrator's shared configured
// default. maxIterations <= 0 falls back to DefaultMaxIterations, same as
// Run's zero-value behavior.
func (o *Orchestrator) RunBounded(ctx context.Context, caller ModelCaller, tenantID, requestID string, mode ApprovalMode, history []json.RawMessage, maxIterations int) (string, *Trace, error) {
	trace := &Trace{TraceID: uuid.NewString()}
	start := time.Now()

	max := maxIterations
	if max <= 0 {
		max = DefaultMaxIterations
	}

	for i := 0; i < max; i++ {
		iterStart := time.Now()
		turn, err := caller.CallModel(ctx, history)
		if err != nil {
			return "", trace, gwerrors.Wrap(gwerrors.BadGateway, "mcp_model_call_failed", "model call failed inside the tool loop", err)
		}

		iter := Iteration{Number: i + 1, Response: turn.Text, ToolCalls: turn.ToolCalls}

		if len(turn.ToolCalls) == 0 {
			iter.LatencyMs = time.Since(iterStart).Milliseconds()
			trace.Iterations = append(trace.Iterations, iter)
			trace.TotalMs = time.Since(start).Milliseconds()
			return turn.Text, trace, nil
		}

		// Tool calls within one iteration are dispatched concurrently (each
		// on its own goroutine) but reassembled in the model's original
		// call order before being appended to the conversation
		// (SPEC_FULL.md §5).
		results := make([]ToolResult, len(turn.ToolCalls))
		var wg sync.WaitGroup
		for idx, call := range turn.ToolCalls {
			wg.Add(1)
			go func(idx int, call ToolCall) {
				defer wg.Done()
				results[idx] = o.executeToolCall(ctx, tenantID, requestID, mode, call)
			}(idx, call)
		}
		wg.Wait()
		for _, result := range results {
			encoded, _ := json.Marshal(map[string]any{"role": "tool", "tool_call_id": result.ToolCallID, "content": result.Content})
			history = append(history, encoded)
		}
		iter.Results = results
		iter.LatencyMs = time.Since(iterStart).Milliseconds()
		trace.Iterations = append(trace.Iterations, iter)
	}

	trace.TotalMs = time.Since(start).Milliseconds()
	return "", trace, gwerrors.New(gwerrors.FailedPrecondition, "mcp_max_iterations_exceeded", "tool loop exceeded the maximum number of iterations")
}

func (o *Orchestrator) executeToolCall(ctx context.Context, tenantID, requestID string, mode ApprovalMode, call ToolCall) ToolResult {
	server, ok := o.servers[call.ServerKey]
	if !ok {
		return ToolResult{ToolCallID: call.ID, Content: "unknown MCP server: " + call.ServerKey, IsError: true}
	}

	hints := annotationsFor(server, call.Name)

	outcome, err := o.Approval.HandleApproval(mode, ApprovalParams{
		RequestID:     requestID,
		ServerKey:     call.ServerKey,
		ElicitationID: NewElicitationID(),
		ToolName:      call.Name,
		Hints:         hints,
		Message:       "approve call to " + call.Name + " on " + call.ServerKey + "?",
		TenantID:      tenantID,
	})
	if err != nil {
		return ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}
	if outcome.Pending != nil {
		if o.OnPendingApproval != nil {
			o.OnPendingApproval(*outcome.Pending)
		}
		decision := <-outcome.Pending.Wait
		if !decision.Approved {
			return ToolResult{ToolCallID: call.ID, Content: "tool call denied: " + decision.Reason, IsError: true}
		}
	} else if outcome.Decided != nil && !outcome.Decided.Allow {
		return ToolResult{ToolCallID: call.ID, Content: "tool call denied: " + outcome.Decided.Reason, IsError: true}
	}

	release, err := o.RateLimiter.Acquire(tenantID, QualifiedToolName(call.ServerKey, call.Name), nil)
	if err != nil {
		return ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}
	defer release()

	raw, err := server.Transport.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		return ToolResult{ToolCallID: call.ID, Content: err.Error(), IsError: true}
	}
	return ToolResult{ToolCallID: call.ID, Content: string(raw)}
}

func annotationsFor(server *Server, toolName string) ToolAnnotations {
	for _, t := range server.Tools {
		if t.Name == toolName {
			return t.Annotations
		}
	}
	return ToolAnnotations{}
}
