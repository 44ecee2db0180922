package app

import (
	"fmt"

	"github.com/smg/model-gateway/internal/dispatch"
	"github.com/smg/model-gateway/internal/gwerrors"
	"github.com/smg/model-gateway/internal/pipeline"
	"github.com/smg/model-gateway/internal/policy"
	"github.com/smg/model-gateway/internal/prep"
	"github.com/smg/model-gateway/internal/reqbuild"
	"github.com/smg/model-gateway/internal/respond"
	"github.com/smg/model-gateway/internal/selection"
	"github.com/smg/model-gateway/internal/worker"
	"github.com/smg/model-gateway/pkg/gwproto"
)

// ChatPipeline builds the stage chain and fresh RequestContext for one
// chat/completions request, per SPEC_FULL.md §4.4's fixed stage ordering:
// prepare, select, acquire, build, execute, process. It returns the
// respond.Stage separately from the pipeline's own stage list since the
// HTTP handler drives StreamTo directly once the pipeline has produced
// rc.Response (respond.Stage.Execute itself only does ordering bookkeeping).
func (a *AppContext) ChatPipeline(in pipeline.Input, req *prep.ChatRequest, sampling gwproto.SamplingParams, selMode selection.Mode, dispMode dispatch.Mode, policyName string) (*pipeline.Pipeline, *pipeline.Context, *respond.Stage) {
	conn := worker.ConnGRPC

	respondStage := respond.New(respond.NoopReasoningParser{}, respond.NoopToolCallParser{})

	stages := []pipeline.Stage{
		prep.New(a.Tokenizer, a.Template, a.Multimodal, req),
		selection.New(a.Registry, a.Policies, selMode, conn, policyName, a.Log),
		selection.AcquireStage{},
		reqbuild.New(sampling),
		dispatch.New(a.ClientFor, dispMode, a.Log),
		respondStage,
	}

	kind := pipeline.KindRegular
	if selMode == selection.ModePD {
		kind = pipeline.KindPD
	}

	p := pipeline.New(kind, a.Log, stages...)
	rc := pipeline.NewContext(in)
	return p, rc, respondStage
}

// GeneratePipeline drives just acquire/execute/process for a request that
// already has its worker selection and backend request built (the raw
// token-ID /generate path, which skips tokenization/templating entirely).
func (a *AppContext) GeneratePipeline(in pipeline.Input, sel pipeline.Selection, req *gwproto.GenerateRequest, dispMode dispatch.Mode) (*pipeline.Pipeline, *pipeline.Context, *respond.Stage) {
	respondStage := respond.New(respond.NoopReasoningParser{}, respond.NoopToolCallParser{})

	stages := []pipeline.Stage{
		selection.AcquireStage{},
		dispatch.New(a.ClientFor, dispMode, a.Log),
		respondStage,
	}

	kind := pipeline.KindRegular
	if sel.IsDual() {
		kind = pipeline.KindPD
	}

	p := pipeline.New(kind, a.Log, stages...)
	rc := pipeline.NewContext(in)
	rc.Selection = &sel
	rc.ProtoReq = req
	return p, rc, respondStage
}

// PDDispatchMode inspects the first available Prefill worker registered for
// modelID and returns the dispatch execution mode matching its runtime
// (SGLang dispatches PD pairs in parallel, vLLM sequentially with
// KV-transfer metadata, per SPEC_FULL.md §4.8).
func (a *AppContext) PDDispatchMode(modelID string) (dispatch.Mode, error) {
	prefillKind := worker.KindPrefill
	conn := worker.ConnGRPC
	prefill := a.Registry.GetWorkersFiltered(worker.Filter{ModelID: modelID, Type: &prefillKind, Conn: &conn, OnlyAvailable: true})
	if len(prefill) == 0 {
		return 0, fmt.Errorf("no prefill workers available for model %s", modelID)
	}
	if prefill[0].Runtime == worker.RuntimeVLLM {
		return dispatch.ModeSequentialVLLM, nil
	}
	return dispatch.ModeDualSGLang, nil
}

// SelectWorker picks one Regular worker for modelID using the configured
// policy, for request shapes (embeddings, raw generate) that don't run the
// full prepare/select pipeline.
func (a *AppContext) SelectWorker(modelID string) (*worker.Worker, error) {
	regular := worker.KindRegular
	conn := worker.ConnGRPC
	candidates := a.Registry.GetWorkersFiltered(worker.Filter{ModelID: modelID, Type: &regular, Conn: &conn, OnlyAvailable: true})
	if len(candidates) == 0 {
		return nil, gwerrors.NoAvailableWorkers(modelID)
	}
	pol := a.Policies.Get(a.PolicyNameForModel(modelID))
	if pol == nil {
		pol = a.Policies.Get("round_robin")
	}
	idx := pol.SelectWorker(candidates, policy.SelectWorkerInfo{})
	if idx < 0 {
		return nil, gwerrors.NoAvailableWorkers(modelID)
	}
	return candidates[idx], nil
}

// PolicyNameForModel picks the configured load-balancing policy; the
// gateway currently applies one policy gateway-wide (round_robin by
// default), matching round_robin's place as the safe default in
// policy.Registry.
func (a *AppContext) PolicyNameForModel(modelID string) string {
	return "round_robin"
}
