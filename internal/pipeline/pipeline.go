package pipeline

import (
	"context"

	"github.com/rs/zerolog"
)

// Stage is one step of a pipeline. It mutates rc in place and returns a
// StageResult telling the runner whether to continue, short-circuit, or
// fail. Implementations must be safe to call with a context whose deadline
// may already be close to expiry (suspension points per SPEC_FULL.md §5).
type Stage interface {
	Name() string
	Execute(ctx context.Context, rc *Context) StageResult
}

// StageFunc adapts a plain function to the Stage interface, for stages with
// no internal state worth a named type.
type StageFunc struct {
	name string
	fn   func(context.Context, *Context) StageResult
}

// NewStageFunc builds a Stage from a closure.
func NewStageFunc(name string, fn func(context.Context, *Context) StageResult) StageFunc {
	return StageFunc{name: name, fn: fn}
}

func (s StageFunc) Name() string { return s.name }
func (s StageFunc) Execute(ctx context.Context, rc *Context) StageResult { return s.fn(ctx, rc) }

// Pipeline is a fixed, ordered stage list for one request kind, per
// SPEC_FULL.md §4.4's named pipelines (Regular / PD / Harmony / Embedding).
type Pipeline struct {
	Kind   Kind
	Stages []Stage
	log    zerolog.Logger
}

// New builds a pipeline from an ordered stage list.
func New(kind Kind, log zerolog.Logger, stages ...Stage) *Pipeline {
	return &Pipeline{Kind: kind, Stages: stages, log: log}
}

// Run executes every stage in order against rc, releasing rc's resources
// exactly once on the way out regardless of how the run ends. It returns the
// terminal StageResult (Done()==true) from whichever stage produced it, or
// the zero value if every stage returned Continue().
func (p *Pipeline) Run(ctx context.Context, rc *Context) StageResult {
	defer rc.Release()

	rlog := p.log.With().Str("request_id", rc.RequestID).Str("model_id", rc.Input.ModelID).Logger()

	for _, stage := range p.Stages {
		select {
		case <-ctx.Done():
			return Fail(ctx.Err())
		default:
		}

		result := stage.Execute(ctx, rc)
		if result.Done() {
			if result.Err != nil {
				rlog.Warn().Str("stage", stage.Name()).Err(result.Err).Msg("pipeline stage failed")
			} else {
				rlog.Debug().Str("stage", stage.Name()).Msg("pipeline short-circuited")
			}
			return result
		}
	}
	return Continue()
}
