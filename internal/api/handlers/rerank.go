package handlers

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"

	"github.com/smg/model-gateway/internal/dispatch"
	"github.com/smg/model-gateway/internal/gwerrors"
	"github.com/smg/model-gateway/pkg/gwproto"
)

// rerankRequest is the SGLang-native rerank shape: one query scored against
// a list of candidate documents.
type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	Document       string  `json:"document"`
	RelevanceScore float32 `json:"relevance_score"`
}

type rerankResponse struct {
	Object  string         `json:"object"`
	Model   string         `json:"model"`
	Results []rerankResult `json:"results"`
	Usage   gwproto.Usage  `json:"usage"`
}

// Rerank serves POST /v1/rerank. No dedicated rerank backend RPC exists in
// the southbound proto (§6 names Generate/Embed only), so this embeds the
// query and every document through the same unary Embed path as
// /v1/embeddings and scores candidates by cosine similarity against the
// query vector, descending.
func (h *Handlers) Rerank(w http.ResponseWriter, r *http.Request) {
	var req rerankRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.InvalidArgument, "invalid_request_body", "could not decode request body", err))
		return
	}
	if req.Model == "" || req.Query == "" || len(req.Documents) == 0 {
		writeError(w, gwerrors.New(gwerrors.InvalidArgument, "missing_fields", "model, query, and documents are required"))
		return
	}

	wk, err := h.App.SelectWorker(req.Model)
	if err != nil {
		writeError(w, err)
		return
	}

	texts := append([]string{req.Query}, req.Documents...)
	stage := dispatch.New(h.App.ClientFor, dispatch.ModeSingle, h.App.Log)
	complete, err := stage.ExecuteEmbed(r.Context(), wk, &gwproto.EmbedRequest{ModelID: req.Model, Texts: texts})
	if err != nil {
		writeError(w, err)
		return
	}
	if len(complete.Embeddings) != len(texts) {
		writeError(w, gwerrors.New(gwerrors.BadGateway, "embed_count_mismatch", "backend returned a different number of embeddings than requested"))
		return
	}

	queryVec := complete.Embeddings[0]
	results := make([]rerankResult, len(req.Documents))
	for i, doc := range req.Documents {
		results[i] = rerankResult{Index: i, Document: doc, RelevanceScore: cosineSimilarity(queryVec, complete.Embeddings[i+1])}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].RelevanceScore > results[j].RelevanceScore })

	writeJSON(w, http.StatusOK, rerankResponse{Object: "list", Model: req.Model, Results: results, Usage: complete.Usage})
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
