// Package reqbuild implements the request-building stages (SPEC_FULL.md
// §4.7): composing a typed backend Generate/Embed request from prepared
// input and the selected worker(s), with runtime-specific field mapping and
// PD KV-transfer metadata injection.
package reqbuild

import (
	"context"

	"github.com/smg/model-gateway/internal/pipeline"
	"github.com/smg/model-gateway/internal/worker"
	"github.com/smg/model-gateway/pkg/gwproto"
)

// Stage builds the backend request for the pipeline kind it was constructed
// for (Regular, PD, Harmony, Embedding).
type Stage struct {
	Sampling gwproto.SamplingParams // base sampling config (temperature, top_p, ...)
}

func New(sampling gwproto.SamplingParams) *Stage { return &Stage{Sampling: sampling} }

func (s *Stage) Name() string { return "build" }

func (s *Stage) Execute(_ context.Context, rc *pipeline.Context) pipeline.StageResult {
	if rc.Selection == nil || rc.Prep == nil {
		return pipeline.Continue() // embedding/light pipelines may skip one of these
	}

	req := &gwproto.GenerateRequest{
		ModelID:  rc.Input.ModelID,
		InputIDs: rc.Prep.TokenIDs,
		Sampling: s.Sampling,
	}

	if rc.Prep.HarmonyMode {
		// Harmony stop IDs must halt generation on <|return|>/<|call|>; appended
		// rather than replacing any caller-supplied stop IDs.
		req.Sampling.StopTokenIDs = append(append([]int32(nil), req.Sampling.StopTokenIDs...), rc.Prep.HarmonyStopIDs...)
		req.InputIDs = encodeHarmonyTokenIDs(rc.Prep)
	}

	if rc.Selection.IsDual() {
		req.Runtime = rc.Selection.Runtime.String()
		injectPDMetadata(req, rc.Selection.Prefill)
	} else if rc.Selection.Single != nil {
		req.Runtime = rc.Selection.Single.Runtime.String()
		req.DPRank = rc.Selection.Single.DPRank
	}

	rc.ProtoReq = req
	return pipeline.Continue()
}

// injectPDMetadata attaches the prefill worker's bootstrap endpoint to the
// request when its KV transport requires explicit metadata. NIXL needs no
// metadata (it uses prefix matching), matching §4.7/§9's open-question
// resolution (SPEC_FULL.md §13): worker labels are the source of truth, not
// any bootstrap fields a proto response might carry.
func injectPDMetadata(req *gwproto.GenerateRequest, prefill *worker.Worker) {
	if prefill.KVConnector != "MooncakeConnector" {
		return
	}
	req.BootstrapHost = prefill.BootstrapHost
	req.BootstrapPort = prefill.BootstrapPort
}

// encodeHarmonyTokenIDs is a placeholder for the Harmony encoder contract:
// the real encoder (an external collaborator per spec.md §1 Non-goals)
// serializes rc.Prep.HarmonyMessages directly into token IDs. Until that
// collaborator is wired, the already-tokenized selection text stands in.
func encodeHarmonyTokenIDs(prep *pipeline.PreparationOutput) []int32 {
	if len(prep.TokenIDs) > 0 {
		return prep.TokenIDs
	}
	return prep.OriginalTokenIDs
}

// ForEmbed builds an Embed unary request from the prepared input.
func ForEmbed(modelID string, texts []string) *gwproto.EmbedRequest {
	return &gwproto.EmbedRequest{ModelID: modelID, Texts: texts}
}
