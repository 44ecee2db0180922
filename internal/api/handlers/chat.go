package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/smg/model-gateway/internal/api/middleware"
	"github.com/smg/model-gateway/internal/dispatch"
	"github.com/smg/model-gateway/internal/gwerrors"
	"github.com/smg/model-gateway/internal/pipeline"
	"github.com/smg/model-gateway/internal/prep"
	"github.com/smg/model-gateway/internal/respond"
	"github.com/smg/model-gateway/internal/selection"
	"github.com/smg/model-gateway/pkg/gwproto"
)

// chatMessage is the wire shape of one inbound chat message.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatTool is the OpenAI function-tool wire shape.
type chatTool struct {
	Type     string `json:"type"`
	Function struct {
		Name       string          `json:"name"`
		Parameters json.RawMessage `json:"parameters"`
	} `json:"function"`
}

// chatCompletionRequest is the minimal OpenAI-compatible request shape this
// gateway accepts; fields it doesn't recognize are ignored rather than
// rejected, matching the "consumed as given" framing in spec.md's Non-goals
// for the full wire schema.
type chatCompletionRequest struct {
	Model             string          `json:"model"`
	Messages          []chatMessage   `json:"messages"`
	Stream            bool            `json:"stream"`
	Temperature       float32         `json:"temperature"`
	TopP              float32         `json:"top_p"`
	MaxTokens         int32           `json:"max_tokens"`
	Stop              json.RawMessage `json:"stop"`
	StopTokenIDs      []int32         `json:"stop_token_ids"`
	Tools             []chatTool      `json:"tools"`
	ToolChoice        json.RawMessage `json:"tool_choice"`
	SkipSpecialTokens bool            `json:"skip_special_tokens"`
	NoStopTrim        bool            `json:"no_stop_trim"`
	PD                bool            `json:"pd"`
}

// parseStopField accepts either a single string or a list of strings, the
// two shapes OpenAI clients send for `stop`.
func parseStopField(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil && single != "" {
		return []string{single}
	}
	return nil
}

// parseToolChoice accepts the bare string form ("auto"/"none"/a tool name)
// or the object form {"type":"function","function":{"name":...}}.
func parseToolChoice(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return obj.Function.Name
	}
	return ""
}

// ChatCompletions serves POST /v1/chat/completions, streaming SSE chunks
// when stream=true and otherwise buffering them into one JSON response.
func (h *Handlers) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.InvalidArgument, "invalid_request_body", "could not decode request body", err))
		return
	}
	if req.Model == "" {
		writeError(w, gwerrors.New(gwerrors.InvalidArgument, "missing_model", "model is required"))
		return
	}

	messages := make([]pipeline.ChatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = pipeline.ChatMessage{Role: m.Role, Content: m.Content}
	}

	tools := make([]prep.ToolSpec, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = prep.ToolSpec{Name: t.Function.Name, JSONSchema: t.Function.Parameters}
	}

	chatReq := &prep.ChatRequest{
		ModelID:           req.Model,
		Messages:          messages,
		Tools:             tools,
		ToolChoice:        parseToolChoice(req.ToolChoice),
		Stop:              parseStopField(req.Stop),
		StopTokenIDs:      req.StopTokenIDs,
		SkipSpecialTokens: req.SkipSpecialTokens,
		NoStopTrim:        req.NoStopTrim,
	}

	sampling := gwproto.SamplingParams{
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		MaxTokens:    req.MaxTokens,
		Stream:       req.Stream,
		StopStrings:  chatReq.Stop,
		StopTokenIDs: req.StopTokenIDs,
	}

	selMode := selection.ModeRegular
	dispMode := dispatch.ModeSingle
	if req.PD {
		selMode = selection.ModePD
		mode, err := h.App.PDDispatchMode(req.Model)
		if err != nil {
			writeError(w, gwerrors.Wrap(gwerrors.FailedPrecondition, "no_available_workers", "no PD workers available", err))
			return
		}
		dispMode = mode
	}

	in := pipeline.Input{
		RequestType: "chat.completions",
		ModelID:     req.Model,
		Headers:     flattenHeaders(r.Header),
		IsStreaming: req.Stream,
		TenantID:    middleware.GetTenantID(r.Context()),
	}

	p, rc, respondStage := h.App.ChatPipeline(in, chatReq, sampling, selMode, dispMode, h.App.PolicyNameForModel(req.Model))

	result := p.Run(r.Context(), rc)
	if result.Err != nil {
		writeError(w, result.Err)
		return
	}

	decoder := respond.NewStopDecoder(chatReq.Stop, chatReq.StopTokenIDs, chatReq.SkipSpecialTokens, chatReq.NoStopTrim)

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		emitter := respond.NewWriterEmitter(w)
		if err := respondStage.StreamTo(rc, decoder, emitter); err != nil {
			// headers are already flushed at this point; nothing more to send
			// besides the error event StreamTo itself already emitted.
			return
		}
		return
	}

	buf := &bufferEmitter{}
	if err := respondStage.StreamTo(rc, decoder, buf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buf.toChatCompletion(req.Model, rc.RequestID))
}

// bufferEmitter accumulates streamed ChatChunks instead of writing SSE, so
// the non-streaming response path can reuse the exact same decode/parse
// logic respond.Stage.StreamTo already implements.
type bufferEmitter struct {
	chunks []respond.ChatChunk
}

func (b *bufferEmitter) Emit(ev respond.SSEEvent) error {
	if ev.Raw != "" {
		return nil
	}
	if cc, ok := ev.Data.(respond.ChatChunk); ok {
		b.chunks = append(b.chunks, cc)
	}
	return nil
}

type chatCompletionChoice struct {
	Index        int            `json:"index"`
	Message      chatChoiceBody `json:"message"`
	FinishReason string         `json:"finish_reason"`
}

type toolCallOut struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatChoiceBody struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	Reasoning string        `json:"reasoning_content,omitempty"`
	ToolCalls []toolCallOut `json:"tool_calls,omitempty"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Model   string                 `json:"model"`
	Choices []chatCompletionChoice `json:"choices"`
	Usage   *gwproto.Usage         `json:"usage,omitempty"`
}

// toChatCompletion assembles the final non-streaming response by
// concatenating every buffered delta, mirroring what a client reconstructing
// the stream itself would produce.
func (b *bufferEmitter) toChatCompletion(model, requestID string) chatCompletionResponse {
	body := chatChoiceBody{Role: "assistant"}
	var usage *gwproto.Usage
	for _, c := range b.chunks {
		if c.Usage != nil {
			usage = c.Usage
		}
		for _, choice := range c.Choices {
			body.Content += choice.Delta.Content
			body.Reasoning += choice.Delta.Reasoning
			for _, tc := range choice.Delta.ToolCalls {
				body.ToolCalls = append(body.ToolCalls, toolCallOut{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
			}
		}
	}
	finish := "stop"
	if len(body.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return chatCompletionResponse{
		ID:     requestID,
		Object: "chat.completion",
		Model:  model,
		Choices: []chatCompletionChoice{
			{Index: 0, Message: body, FinishReason: finish},
		},
		Usage: usage,
	}
}
