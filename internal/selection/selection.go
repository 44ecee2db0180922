// Package selection implements the worker/client selection stages
// (SPEC_FULL.md §4.6): choosing a single Regular worker, or a Prefill/Decode
// pair, from the registry, then handing off to the policy registry for the
// final pick. Ground truth for the PD-pair partitioning logic is
// original_source/model_gateway/src/routers/grpc/common/stages/worker_selection.rs.
package selection

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/smg/model-gateway/internal/gwerrors"
	"github.com/smg/model-gateway/internal/pipeline"
	"github.com/smg/model-gateway/internal/policy"
	"github.com/smg/model-gateway/internal/worker"
)

// Mode distinguishes the two selection stages named in §4.6.
type Mode int

const (
	ModeRegular Mode = iota
	ModePD
)

// Stage implements pipeline.Stage for worker selection.
type Stage struct {
	Registry  *worker.Registry
	Policies  *policy.Registry
	Mode      Mode
	Conn      worker.ConnectionMode
	PolicyName string
	log       zerolog.Logger
}

// New constructs a selection stage.
func New(reg *worker.Registry, policies *policy.Registry, mode Mode, conn worker.ConnectionMode, policyName string, log zerolog.Logger) *Stage {
	return &Stage{Registry: reg, Policies: policies, Mode: mode, Conn: conn, PolicyName: policyName, log: log}
}

func (s *Stage) Name() string {
	if s.Mode == ModePD {
		return "select-pd"
	}
	return "select-regular"
}

func (s *Stage) Execute(_ context.Context, rc *pipeline.Context) pipeline.StageResult {
	info := policy.SelectWorkerInfo{Headers: rc.Input.Headers}
	if rc.Prep != nil {
		info.RequestText = rc.Prep.OriginalText
		info.TokenIDs = rc.Prep.TokenIDs
	}
	if s.PolicyName == "prefix_hash" {
		info.HashRing = s.Registry.GetHashRing(rc.Input.ModelID)
	}

	switch s.Mode {
	case ModePD:
		sel, err := s.selectPDPair(rc.Input.ModelID, info)
		if err != nil {
			return pipeline.Fail(err)
		}
		rc.Selection = sel
	default:
		sel, err := s.selectSingle(rc.Input.ModelID, info)
		if err != nil {
			return pipeline.Fail(err)
		}
		rc.Selection = sel
	}
	return pipeline.Continue()
}

// selectSingle gathers Regular workers for (model, configured conn, any
// runtime), filters to available, and delegates the final pick to the
// configured policy. Empty candidate set fails with no_available_workers
// (§4.6, §8 boundary behavior).
func (s *Stage) selectSingle(modelID string, info policy.SelectWorkerInfo) (*pipeline.Selection, error) {
	regular := worker.KindRegular
	conn := s.Conn
	candidates := s.Registry.GetWorkersFiltered(worker.Filter{
		ModelID: modelID, Type: &regular, Conn: &conn, OnlyAvailable: true,
	})
	if len(candidates) == 0 {
		return nil, gwerrors.NoAvailableWorkers(modelID)
	}

	pol := s.Policies.Get(s.PolicyName)
	if pol == nil {
		pol = s.Policies.Get("round_robin")
	}
	idx := pol.SelectWorker(candidates, info)
	if idx < 0 {
		return nil, gwerrors.NoAvailableWorkers(modelID)
	}

	s.log.Debug().Str("policy", pol.Name()).Str("worker", candidates[idx].URL).Msg("worker selected")
	return &pipeline.Selection{Single: candidates[idx]}, nil
}

// selectPDPair gathers every worker for (model, conn), partitions into
// Prefill/Decode pools, determines the target runtime from the first
// available prefill worker, filters both pools to that runtime (warning on
// mixed pools), and applies the policy independently to each pool.
func (s *Stage) selectPDPair(modelID string, info policy.SelectWorkerInfo) (*pipeline.Selection, error) {
	conn := s.Conn
	all := s.Registry.GetWorkersFiltered(worker.Filter{ModelID: modelID, Conn: &conn, OnlyAvailable: true})

	var prefillPool, decodePool []*worker.Worker
	for _, w := range all {
		switch w.Type {
		case worker.KindPrefill:
			prefillPool = append(prefillPool, w)
		case worker.KindDecode:
			decodePool = append(decodePool, w)
		}
	}
	if len(prefillPool) == 0 || len(decodePool) == 0 {
		return nil, gwerrors.NoAvailableWorkers(modelID)
	}

	targetRuntime := prefillPool[0].Runtime
	mixed := false
	for _, w := range prefillPool {
		if w.Runtime != targetRuntime {
			mixed = true
		}
	}
	for _, w := range decodePool {
		if w.Runtime != targetRuntime {
			mixed = true
		}
	}
	if mixed {
		s.log.Warn().Str("model_id", modelID).Msg("PD pools contain mixed runtime types; filtering to the first prefill worker's runtime")
	}

	prefillPool = filterRuntime(prefillPool, targetRuntime)
	decodePool = filterRuntime(decodePool, targetRuntime)
	if len(prefillPool) == 0 || len(decodePool) == 0 {
		return nil, gwerrors.NoAvailableWorkers(modelID)
	}

	pol := s.Policies.Get(s.PolicyName)
	if pol == nil {
		pol = s.Policies.Get("round_robin")
	}

	pIdx := pol.SelectWorker(prefillPool, info)
	dIdx := pol.SelectWorker(decodePool, info)
	if pIdx < 0 || dIdx < 0 {
		return nil, gwerrors.NoAvailableWorkers(modelID)
	}

	s.log.Debug().
		Str("prefill", prefillPool[pIdx].URL).
		Str("decode", decodePool[dIdx].URL).
		Str("runtime", targetRuntime.String()).
		Msg("PD pair selected")

	return &pipeline.Selection{
		Prefill: prefillPool[pIdx],
		Decode:  decodePool[dIdx],
		Runtime: targetRuntime,
	}, nil
}

func filterRuntime(pool []*worker.Worker, runtime worker.RuntimeType) []*worker.Worker {
	out := pool[:0:0]
	for _, w := range pool {
		if w.Runtime == runtime {
			out = append(out, w)
		}
	}
	return out
}

// AcquireStage creates load guards for the selected worker(s), after
// selection and before dispatch (§4.8: "Load guards: created once, after
// worker selection, before dispatch").
type AcquireStage struct{}

func (AcquireStage) Name() string { return "acquire" }

func (AcquireStage) Execute(_ context.Context, rc *pipeline.Context) pipeline.StageResult {
	if rc.Selection == nil {
		return pipeline.Fail(gwerrors.New(gwerrors.Internal, "missing_selection", "acquire stage ran before selection"))
	}
	if rc.Selection.IsDual() {
		rc.Guards.Add(rc.Selection.Prefill)
		rc.Guards.Add(rc.Selection.Decode)
	} else if rc.Selection.Single != nil {
		rc.Guards.Add(rc.Selection.Single)
	}
	return pipeline.Continue()
}
