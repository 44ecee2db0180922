package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/smg/model-gateway/internal/dispatch"
	"github.com/smg/model-gateway/internal/gwerrors"
	"github.com/smg/model-gateway/pkg/gwproto"
)

// embeddingsRequest accepts either a single string or a list of strings for
// input, the two shapes OpenAI clients send.
type embeddingsRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

func parseEmbeddingInput(raw json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}
	return nil
}

type embeddingDatum struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingsResponse struct {
	Object string           `json:"object"`
	Model  string           `json:"model"`
	Data   []embeddingDatum `json:"data"`
	Usage  gwproto.Usage    `json:"usage"`
}

// Embeddings serves POST /v1/embeddings. Embeddings are a unary backend
// call, so this handler selects a worker and dispatches directly rather
// than running the full chat pipeline (SPEC_FULL.md §4.8 Embed path).
func (h *Handlers) Embeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.InvalidArgument, "invalid_request_body", "could not decode request body", err))
		return
	}
	texts := parseEmbeddingInput(req.Input)
	if req.Model == "" || len(texts) == 0 {
		writeError(w, gwerrors.New(gwerrors.InvalidArgument, "missing_fields", "model and input are required"))
		return
	}

	w_, err := h.App.SelectWorker(req.Model)
	if err != nil {
		writeError(w, err)
		return
	}

	stage := dispatch.New(h.App.ClientFor, dispatch.ModeSingle, h.App.Log)
	complete, err := stage.ExecuteEmbed(r.Context(), w_, &gwproto.EmbedRequest{ModelID: req.Model, Texts: texts})
	if err != nil {
		writeError(w, err)
		return
	}

	data := make([]embeddingDatum, len(complete.Embeddings))
	for i, e := range complete.Embeddings {
		data[i] = embeddingDatum{Index: i, Embedding: e}
	}
	writeJSON(w, http.StatusOK, embeddingsResponse{Object: "list", Model: req.Model, Data: data, Usage: complete.Usage})
}
