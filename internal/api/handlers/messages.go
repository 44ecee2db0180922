package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/smg/model-gateway/internal/gwerrors"
)

// anthropicMessage is one turn in the Anthropic Messages API's wire shape;
// content is usually a bare string but may also arrive as a list of typed
// content blocks ({"type":"text","text":"..."}), so it's decoded loosely.
type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicMessagesRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int32              `json:"max_tokens"`
	Temperature float32            `json:"temperature"`
	TopP        float32            `json:"top_p"`
	Stream      bool               `json:"stream"`
	StopSeqs    []string           `json:"stop_sequences"`
}

func anthropicContentToText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return ""
}

// Messages serves POST /v1/messages, the Anthropic Messages API surface
// (SPEC_FULL.md §6). The gateway transforms the Anthropic wire shape into
// its own chat/completions request, runs the same pipeline every other
// northbound surface shares, and transforms the assembled result back into
// Anthropic's {content: [{type:"text",...}]} response envelope.
func (h *Handlers) Messages(w http.ResponseWriter, r *http.Request) {
	var req anthropicMessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.InvalidArgument, "invalid_request_body", "could not decode request body", err))
		return
	}
	if req.Model == "" {
		writeError(w, gwerrors.New(gwerrors.InvalidArgument, "missing_model", "model is required"))
		return
	}

	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: anthropicContentToText(m.Content)})
	}

	stopRaw, _ := json.Marshal(req.StopSeqs)
	adapted := chatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Stream:      false, // Anthropic SSE framing differs from OpenAI's; buffer then re-wrap below
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        stopRaw,
	}
	body, err := json.Marshal(adapted)
	if err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.Internal, "adapt_failed", "could not adapt Anthropic messages request", err))
		return
	}

	rec := &responseRecorder{header: make(http.Header), status: http.StatusOK}
	innerReq := r.Clone(r.Context())
	innerReq.Body = io.NopCloser(bytes.NewReader(body))
	innerReq.ContentLength = int64(len(body))
	h.ChatCompletions(rec, innerReq)

	if rec.status >= 400 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rec.status)
		w.Write(rec.body.Bytes())
		return
	}

	var inner chatCompletionResponse
	if err := json.Unmarshal(rec.body.Bytes(), &inner); err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.Internal, "adapt_response_failed", "could not adapt chat completion response", err))
		return
	}

	stopReason := "end_turn"
	content := []anthropicContentBlock{{Type: "text", Text: ""}}
	if len(inner.Choices) > 0 {
		content[0].Text = inner.Choices[0].Message.Content
		if inner.Choices[0].FinishReason == "tool_calls" {
			stopReason = "tool_use"
		}
	}

	resp := anthropicMessagesResponse{
		ID:         inner.ID,
		Type:       "message",
		Role:       "assistant",
		Model:      req.Model,
		Content:    content,
		StopReason: stopReason,
	}
	if inner.Usage != nil {
		resp.Usage = anthropicUsage{InputTokens: inner.Usage.PromptTokens, OutputTokens: inner.Usage.CompletionTokens}
	}
	writeJSON(w, http.StatusOK, resp)
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicMessagesResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// responseRecorder buffers an inner handler's response so Messages can
// transform the body before writing to the real client, the same pattern
// Completions' request-side adapter uses on the way in.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (rr *responseRecorder) Header() http.Header { return rr.header }

func (rr *responseRecorder) Write(b []byte) (int, error) { return rr.body.Write(b) }

func (rr *responseRecorder) WriteHeader(status int) { rr.status = status }
