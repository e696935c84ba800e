package query

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/adapter"
	"github.com/m-mizutani/tsumugi/pkg/cache"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/m-mizutani/tsumugi/pkg/utils/logging"
)

// Engine wires the query pipeline: decompose, plan, reason, synthesize
type Engine struct {
	decomposer  *Decomposer
	planner     *Planner
	reasoner    *Reasoner
	synthesizer *Synthesizer
	cfg         Config
}

// NewInput bundles engine dependencies
type NewInput struct {
	Backend adapter.Backend
	Cache   cache.Provider // optional
	Config  Config
}

// New creates a query engine after validating the configuration
func New(input NewInput) (*Engine, error) {
	if input.Backend == nil {
		return nil, goerr.Wrap(model.ErrConfiguration, "retrieval backend is required")
	}
	if err := input.Config.Validate(); err != nil {
		return nil, err
	}

	planner := NewPlanner(input.Config)
	return &Engine{
		decomposer:  NewDecomposer(),
		planner:     planner,
		reasoner:    NewReasoner(input.Backend, planner, input.Cache, input.Config),
		synthesizer: NewSynthesizer(input.Config),
		cfg:         input.Config,
	}, nil
}

// Query runs the full pipeline under the configured deadline. Expiry
// mid-run yields the degraded answer built from completed steps, not an
// error. Errors are returned only when no answer can be produced at
// all: invalid query, unplannable DAG, or zero executed steps.
func (e *Engine) Query(ctx context.Context, text string) (*model.SynthesizedAnswer, error) {
	logger := logging.From(ctx)

	if ctx.Err() != nil {
		return nil, goerr.Wrap(model.ErrDeadlineExceeded, "query context already expired")
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancel()

	decomp, err := e.decomposer.Decompose(text)
	if err != nil {
		return nil, err
	}
	logger.Info("query decomposed", "type", decomp.Type, "sub_queries", len(decomp.SubQueries))

	plan, err := e.planner.Plan(decomp.SubQueries)
	if err != nil {
		return nil, err
	}
	logger.Info("retrieval planned", "plan_id", plan.ID, "stages", len(plan.Stages), "estimated_cost", plan.EstimatedCost)

	rc, state, err := e.reasoner.Execute(ctx, plan, decomp)
	if err != nil {
		return nil, err
	}
	logger.Info("reasoning finished", "state", state, "steps", len(rc.Steps))

	answer, err := e.synthesizer.Synthesize(rc)
	if err != nil {
		// No steps at all: nothing to degrade into
		return nil, err
	}
	answer.State = state

	logger.Info("answer synthesized", "state", answer.State, "confidence", answer.Confidence, "sources", len(answer.Sources))
	return answer, nil
}
