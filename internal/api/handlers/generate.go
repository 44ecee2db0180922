package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/smg/model-gateway/internal/api/middleware"
	"github.com/smg/model-gateway/internal/dispatch"
	"github.com/smg/model-gateway/internal/gwerrors"
	"github.com/smg/model-gateway/internal/pipeline"
	"github.com/smg/model-gateway/internal/respond"
	"github.com/smg/model-gateway/pkg/gwproto"
)

// generateRequest is the raw token-ID request shape: no tokenizer, chat
// template, or tool handling, just InputIDs straight to a selected worker
// (SPEC_FULL.md §4.7's "build stages also serve a raw-token entry point").
type generateRequest struct {
	Model        string  `json:"model"`
	InputIDs     []int32 `json:"input_ids"`
	Temperature  float32 `json:"temperature"`
	TopP         float32 `json:"top_p"`
	MaxTokens    int32   `json:"max_tokens"`
	Stream       bool    `json:"stream"`
	StopStrings  []string `json:"stop"`
	StopTokenIDs []int32  `json:"stop_token_ids"`
}

// Generate serves POST /generate.
func (h *Handlers) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.InvalidArgument, "invalid_request_body", "could not decode request body", err))
		return
	}
	if req.Model == "" || len(req.InputIDs) == 0 {
		writeError(w, gwerrors.New(gwerrors.InvalidArgument, "missing_fields", "model and input_ids are required"))
		return
	}

	worker, err := h.App.SelectWorker(req.Model)
	if err != nil {
		writeError(w, err)
		return
	}

	protoReq := &gwproto.GenerateRequest{
		ModelID:  req.Model,
		InputIDs: req.InputIDs,
		Runtime:  worker.Runtime.String(),
		Sampling: gwproto.SamplingParams{
			Temperature:  req.Temperature,
			TopP:         req.TopP,
			MaxTokens:    req.MaxTokens,
			Stream:       req.Stream,
			StopStrings:  req.StopStrings,
			StopTokenIDs: req.StopTokenIDs,
		},
	}

	in := pipeline.Input{
		RequestType: "generate",
		ModelID:     req.Model,
		Headers:     flattenHeaders(r.Header),
		IsStreaming: req.Stream,
		TenantID:    middleware.GetTenantID(r.Context()),
	}

	p, rc, respondStage := h.App.GeneratePipeline(in, pipeline.Selection{Single: worker}, protoReq, dispatch.ModeSingle)

	result := p.Run(r.Context(), rc)
	if result.Err != nil {
		writeError(w, result.Err)
		return
	}

	decoder := respond.NewStopDecoder(req.StopStrings, req.StopTokenIDs, false, false)

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		_ = respondStage.StreamTo(rc, decoder, respond.NewWriterEmitter(w))
		return
	}

	buf := &bufferEmitter{}
	if err := respondStage.StreamTo(rc, decoder, buf); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buf.toChatCompletion(req.Model, rc.RequestID))
}
