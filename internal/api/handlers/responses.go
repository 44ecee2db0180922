package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/smg/model-gateway/internal/api/middleware"
	"github.com/smg/model-gateway/internal/app"
	"github.com/smg/model-gateway/internal/dispatch"
	"github.com/smg/model-gateway/internal/gwerrors"
	"github.com/smg/model-gateway/internal/mcp"
	"github.com/smg/model-gateway/internal/pipeline"
	"github.com/smg/model-gateway/internal/prep"
	"github.com/smg/model-gateway/internal/respond"
	"github.com/smg/model-gateway/internal/selection"
	"github.com/smg/model-gateway/internal/storage"
	"github.com/smg/model-gateway/pkg/gwproto"
)

// responsesRequest is the minimal Responses API request shape this gateway
// terminates: a model, an input transcript, and the set of MCP tools the
// tool loop may call (SPEC_FULL.md §4.10/§6).
type responsesRequest struct {
	Model         string     `json:"model"`
	Input         []chatMessage `json:"input"`
	Stream        bool       `json:"stream"`
	Store         bool       `json:"store"`
	MaxToolCalls  int        `json:"max_tool_calls"`
	Tools         []chatTool `json:"tools"`
	RequireApproval bool     `json:"require_approval"`
	Temperature   float32    `json:"temperature"`
	TopP          float32    `json:"top_p"`
	MaxOutputToks int32      `json:"max_output_tokens"`
}

// pipelineModelCaller adapts the gateway's own chat pipeline into the
// mcp.ModelCaller seam the tool loop drives each turn through: every
// iteration re-tokenizes and re-dispatches the full running history
// against a freshly selected worker rather than keeping a persistent
// generation session open, matching how the pipeline's stage chain is
// already built around one RequestContext per dispatch
// (SPEC_FULL.md §4.4/§4.10).
type pipelineModelCaller struct {
	app       *app.AppContext
	modelID   string
	sampling  gwproto.SamplingParams
	headers   map[string]string
	tools     []prep.ToolSpec
}

// CallModel turns the running JSON message history into one pass through
// the Regular pipeline and returns the model's text plus any tool calls
// the tool-call parser extracted from the response.
func (c *pipelineModelCaller) CallModel(ctx context.Context, history []json.RawMessage) (mcp.ModelTurn, error) {
	messages := make([]pipeline.ChatMessage, 0, len(history))
	for _, raw := range history {
		var m struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		messages = append(messages, pipeline.ChatMessage{Role: m.Role, Content: m.Content})
	}

	chatReq := &prep.ChatRequest{
		ModelID:  c.modelID,
		Messages: messages,
		Tools:    c.tools,
	}

	in := pipeline.Input{
		RequestType: "responses",
		ModelID:     c.modelID,
		Headers:     c.headers,
		IsStreaming: false,
	}

	p, rc, respondStage := c.app.ChatPipeline(in, chatReq, c.sampling, selection.ModeRegular, dispatch.ModeSingle, c.app.PolicyNameForModel(c.modelID))
	result := p.Run(ctx, rc)
	if result.Err != nil {
		return mcp.ModelTurn{}, result.Err
	}

	decoder := respond.NewStopDecoder(nil, nil, false, false)
	buf := &bufferEmitter{}
	if err := respondStage.StreamTo(rc, decoder, buf); err != nil {
		return mcp.ModelTurn{}, err
	}

	turn := mcp.ModelTurn{}
	for _, chunk := range buf.chunks {
		for _, choice := range chunk.Choices {
			turn.Text += choice.Delta.Content
			for _, tc := range choice.Delta.ToolCalls {
				serverKey, toolName := splitQualifiedToolName(tc.Name)
				turn.ToolCalls = append(turn.ToolCalls, mcp.ToolCall{
					ID:        tc.ID,
					Name:      toolName,
					ServerKey: serverKey,
					Arguments: json.RawMessage(tc.Arguments),
				})
			}
		}
	}
	return turn, nil
}

// splitQualifiedToolName splits a "server_key:tool_name" qualified name
// (SPEC_FULL.md §3 QualifiedToolName) into its two parts; a tool-call
// parser that emits a bare name with no server prefix can't be routed to
// an MCP server and is returned with an empty server key.
func splitQualifiedToolName(qualified string) (serverKey, toolName string) {
	if i := strings.IndexByte(qualified, ':'); i >= 0 {
		return qualified[:i], qualified[i+1:]
	}
	return "", qualified
}

// Responses serves POST /v1/responses: the Responses API entry point that
// drives the bounded MCP tool loop (SPEC_FULL.md §4.10) instead of a single
// pipeline pass. Streaming starts after the loop completes, since the tool
// loop resolves synchronously per iteration rather than incrementally
// streaming partial tokens back through this handler. It emits
// response.created, response.in_progress, one response.output_item.added per
// tool call recorded in the trace, response.completed, then [DONE]; it emits
// no response.output_item.done, mcp_list_tools or mcp_approval_request events.
func (h *Handlers) Responses(w http.ResponseWriter, r *http.Request) {
	var req responsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.InvalidArgument, "invalid_request_body", "could not decode request body", err))
		return
	}
	if req.Model == "" {
		writeError(w, gwerrors.New(gwerrors.InvalidArgument, "missing_model", "model is required"))
		return
	}

	history := make([]json.RawMessage, 0, len(req.Input))
	for _, m := range req.Input {
		encoded, _ := json.Marshal(map[string]string{"role": m.Role, "content": m.Content})
		history = append(history, encoded)
	}

	tools := make([]prep.ToolSpec, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = prep.ToolSpec{Name: t.Function.Name, JSONSchema: t.Function.Parameters}
	}

	caller := &pipelineModelCaller{
		app:     h.App,
		modelID: req.Model,
		headers: flattenHeaders(r.Header),
		tools:   tools,
		sampling: gwproto.SamplingParams{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxOutputToks,
		},
	}

	mode := mcp.ApprovalPolicyOnly
	if req.RequireApproval {
		mode = mcp.ApprovalInteractive
	}

	maxIterations := h.App.MCP.MaxIterations
	if req.MaxToolCalls > 0 && req.MaxToolCalls < maxIterations {
		maxIterations = req.MaxToolCalls
	}

	tenantID := middleware.GetTenantID(r.Context())
	requestID := uuid.NewString()

	text, trace, err := h.App.MCP.RunBounded(r.Context(), caller, tenantID, requestID, mode, history, maxIterations)

	incomplete := false
	if err != nil {
		if gerr, ok := err.(*gwerrors.Error); ok && gerr.Code == "mcp_max_iterations_exceeded" {
			incomplete = true
		} else {
			writeError(w, err)
			return
		}
	}

	resp := responsesResponse{
		ID:     requestID,
		Object: "response",
		Model:  req.Model,
		Status: "completed",
		Output: []responseOutputText{{Type: "message", Role: "assistant", Content: text}},
	}
	if incomplete {
		resp.Status = "incomplete"
		resp.IncompleteDetails = &incompleteDetails{Reason: "max_tool_calls"}
	}
	if req.Store {
		h.persistResponse(r.Context(), requestID, history, trace, resp)
	}

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		emitter := respond.NewWriterEmitter(w)
		_ = emitter.Emit(respond.SSEEvent{Event: "response.created", Data: resp})
		_ = emitter.Emit(respond.SSEEvent{Event: "response.in_progress", Data: resp})
		for _, it := range trace.Iterations {
			for _, tc := range it.ToolCalls {
				_ = emitter.Emit(respond.SSEEvent{Event: "response.output_item.added", Data: tc})
			}
		}
		_ = emitter.Emit(respond.SSEEvent{Event: "response.completed", Data: resp})
		_ = emitter.Emit(respond.SSEEvent{Raw: "[DONE]"})
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// persistResponse stores the conversation, its message/tool-call items, and
// the final response (SPEC_FULL.md §6: "the gateway persists responses iff
// store=true on the request"). requestID doubles as the conversation ID:
// the Responses API handler drives one pipeline pass per request rather
// than threading a client-supplied conversation ID through the tool loop,
// so there is no earlier point at which a distinct conversation identity
// would exist. input is the original input transcript; RunBounded's own
// tool-call/result history growth is reconstructed from trace instead of
// from the orchestrator's local history slice, since Go passes that slice
// by value and its in-loop appends never become visible to this caller.
// Persistence is best-effort: a storage failure is logged but never fails
// the response already computed for the client.
func (h *Handlers) persistResponse(ctx context.Context, requestID string, input []json.RawMessage, trace *mcp.Trace, resp responsesResponse) {
	now := time.Now().Unix()
	store := h.App.Store

	if err := store.InsertConversation(ctx, storage.Conversation{ID: requestID, CreatedAt: now}); err != nil {
		h.App.Log.Error().Err(err).Str("request_id", requestID).Msg("failed to persist conversation")
		return
	}

	insertItem := func(kind string, payload any) {
		encoded, err := json.Marshal(payload)
		if err != nil {
			h.App.Log.Error().Err(err).Str("request_id", requestID).Msg("failed to marshal conversation item for persistence")
			return
		}
		item := storage.ConversationItem{
			ID:             uuid.NewString(),
			ConversationID: requestID,
			Kind:           kind,
			Payload:        encoded,
			CreatedAt:      now,
		}
		if err := store.InsertItem(ctx, item); err != nil {
			h.App.Log.Error().Err(err).Str("request_id", requestID).Msg("failed to persist conversation item")
		}
	}

	for _, raw := range input {
		item := storage.ConversationItem{
			ID: uuid.NewString(), ConversationID: requestID, Kind: "message", Payload: raw, CreatedAt: now,
		}
		if err := store.InsertItem(ctx, item); err != nil {
			h.App.Log.Error().Err(err).Str("request_id", requestID).Msg("failed to persist conversation item")
		}
	}
	for _, iteration := range trace.Iterations {
		for _, call := range iteration.ToolCalls {
			insertItem("function_call", call)
		}
		for _, result := range iteration.Results {
			insertItem("function_call_output", result)
		}
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		h.App.Log.Error().Err(err).Str("request_id", requestID).Msg("failed to marshal response for persistence")
		return
	}
	if err := store.InsertResponse(ctx, storage.Response{
		ID:             requestID,
		ConversationID: requestID,
		Status:         resp.Status,
		Payload:        payload,
		CreatedAt:      now,
	}); err != nil {
		h.App.Log.Error().Err(err).Str("request_id", requestID).Msg("failed to persist response")
	}
}

type responseOutputText struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

type incompleteDetails struct {
	Reason string `json:"reason"`
}

type responsesResponse struct {
	ID                string               `json:"id"`
	Object            string               `json:"object"`
	Model             string               `json:"model"`
	Status            string               `json:"status"`
	Output            []responseOutputText `json:"output"`
	IncompleteDetails *incompleteDetails   `json:"incomplete_details,omitempty"`
}
