package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/smg/model-gateway/internal/gwerrors"
)

// legacyCompletionRequest is the older single-prompt completions shape;
// Completions adapts it into a one-message chat request and delegates to
// ChatCompletions so both endpoints share one pipeline path.
type legacyCompletionRequest struct {
	Model       string          `json:"model"`
	Prompt      string          `json:"prompt"`
	Stream      bool            `json:"stream"`
	Temperature float32         `json:"temperature"`
	TopP        float32         `json:"top_p"`
	MaxTokens   int32           `json:"max_tokens"`
	Stop        json.RawMessage `json:"stop"`
}

// Completions serves POST /v1/completions as a thin adapter over
// /v1/chat/completions, matching how OpenAI-compatible gateways keep the
// legacy completions endpoint as a one-message special case.
func (h *Handlers) Completions(w http.ResponseWriter, r *http.Request) {
	var legacy legacyCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&legacy); err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.InvalidArgument, "invalid_request_body", "could not decode request body", err))
		return
	}
	if legacy.Model == "" {
		writeError(w, gwerrors.New(gwerrors.InvalidArgument, "missing_model", "model is required"))
		return
	}

	adapted := chatCompletionRequest{
		Model:       legacy.Model,
		Messages:    []chatMessage{{Role: "user", Content: legacy.Prompt}},
		Stream:      legacy.Stream,
		Temperature: legacy.Temperature,
		TopP:        legacy.TopP,
		MaxTokens:   legacy.MaxTokens,
		Stop:        legacy.Stop,
	}
	body, err := json.Marshal(adapted)
	if err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.Internal, "adapt_failed", "could not adapt legacy completion request", err))
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	h.ChatCompletions(w, r)
}
