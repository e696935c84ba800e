package query

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/adapter"
	"github.com/m-mizutani/tsumugi/pkg/cache"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/m-mizutani/tsumugi/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

// Reasoner executes a retrieval plan stage by stage. Stages run
// strictly in order; sub-queries within a stage run concurrently on a
// bounded worker pool.
type Reasoner struct {
	backend adapter.Backend
	planner *Planner
	cache   cache.Provider
	cfg     Config
}

// NewReasoner creates a new reasoner. cacheProvider may be nil.
func NewReasoner(backend adapter.Backend, planner *Planner, cacheProvider cache.Provider, cfg Config) *Reasoner {
	return &Reasoner{
		backend: backend,
		planner: planner,
		cache:   cacheProvider,
		cfg:     cfg,
	}
}

// Execute runs the plan until it completes, the deadline expires, or
// the step budget runs out. Failed steps are recorded with
// success=false; their dependents still run, marked degraded. The
// returned state is failed only when no plan was given.
func (r *Reasoner) Execute(ctx context.Context, plan *model.RetrievalPlan, decomp *model.Decomposition) (*model.ReasoningContext, model.QueryState, error) {
	if plan == nil || len(plan.Stages) == 0 {
		return nil, model.QueryStateFailed, goerr.Wrap(model.ErrReasoning, "cannot execute without a plan")
	}

	logger := logging.From(ctx)
	rc := model.NewReasoningContext()
	rc.StageCount = len(plan.Stages)

	logger.Debug("reasoning started", "plan_id", plan.ID, "stages", len(plan.Stages),
		"from", model.QueryStatePending, "to", model.QueryStateRunning)

	tainted := make(map[model.SubQueryID]bool) // failed steps and their dependents

	for stage := 0; stage < len(plan.Stages); stage++ {
		if ctx.Err() != nil {
			logger.Warn("query deadline expired", "plan_id", plan.ID, "stage", stage)
			return rc, model.QueryStateTimedOut, nil
		}
		if len(rc.Steps) >= r.cfg.MaxSteps {
			logger.Warn("step budget exhausted", "plan_id", plan.ID, "steps", len(rc.Steps))
			break
		}

		results := r.runStage(ctx, plan, decomp, rc, stage, tainted)

		if ctx.Err() != nil {
			// Keep only steps that finished before the deadline;
			// abandoned calls are discarded, not recorded as failures
			for _, step := range results {
				if step != nil && !isContextError(step.Error) {
					r.recordStep(rc, step, tainted, decomp)
				}
			}
			logger.Warn("query deadline expired during stage", "plan_id", plan.ID, "stage", stage)
			return rc, model.QueryStateTimedOut, nil
		}

		for _, step := range results {
			if step != nil {
				r.recordStep(rc, step, tainted, decomp)
			}
		}

		adapted, followUps, err := r.planner.Adapt(plan, decomp, rc, stage)
		if err != nil {
			logger.Warn("plan adaptation failed", "error", err)
			continue
		}
		if len(followUps) > 0 {
			decomp.SubQueries = append(decomp.SubQueries, followUps...)
			plan = adapted
			rc.StageCount = len(plan.Stages)
			logger.Info("plan adapted", "plan_id", plan.ID, "round", plan.AdaptationRound, "new_queries", len(followUps))
		}
	}

	logger.Debug("reasoning completed", "plan_id", plan.ID, "steps", len(rc.Steps), "succeeded_stages", rc.SucceededStages())
	return rc, model.QueryStateCompleted, nil
}

// runStage executes all sub-queries of one stage on a bounded pool.
// Results come back in plan order regardless of completion order.
func (r *Reasoner) runStage(ctx context.Context, plan *model.RetrievalPlan, decomp *model.Decomposition, rc *model.ReasoningContext, stage int, tainted map[model.SubQueryID]bool) []*model.StepResult {
	ids := plan.Stages[stage]
	budget := r.cfg.MaxSteps - len(rc.Steps)
	if len(ids) > budget {
		ids = ids[:budget]
	}

	results := make([]*model.StepResult, len(ids))

	eg := &errgroup.Group{}
	eg.SetLimit(r.cfg.Workers)

	for i, id := range ids {
		sq := decomp.SubQuery(id)
		if sq == nil {
			continue
		}

		degraded := false
		for _, dep := range sq.DependsOn {
			if tainted[dep] {
				degraded = true
				break
			}
		}

		text := substituteBindings(sq.Text, rc.Bindings)

		eg.Go(func() error {
			results[i] = r.runStep(ctx, sq, text, stage, degraded)
			return nil
		})
	}

	_ = eg.Wait()
	return results
}

// runStep performs one backend call, consulting the cache for
// cacheable sub-queries
func (r *Reasoner) runStep(ctx context.Context, sq *model.SubQuery, text string, stage int, degraded bool) *model.StepResult {
	step := &model.StepResult{
		SubQueryID: sq.ID,
		Stage:      stage,
		Query:      text,
		Degraded:   degraded,
		ExecutedAt: time.Now(),
	}

	if sq.Cacheable && r.cache != nil {
		if cached, ok := r.cache.Get(cacheKey(text)); ok {
			var items []model.RetrievedItem
			if err := json.Unmarshal([]byte(cached), &items); err == nil {
				step.Items = items
				step.Success = true
				step.Confidence = stepConfidence(items)
				return step
			}
		}
	}

	stepCtx, cancel := context.WithTimeout(ctx, r.cfg.StepTimeout)
	defer cancel()

	start := time.Now()
	items, err := r.backend.Search(stepCtx, text, nil)
	step.Elapsed = time.Since(start)

	if err != nil {
		step.Success = false
		step.Error = err.Error()
		return step
	}

	step.Items = items
	step.Success = true
	step.Confidence = stepConfidence(items)

	if sq.Cacheable && r.cache != nil && len(items) > 0 {
		if encoded, err := json.Marshal(items); err == nil {
			r.cache.Set(cacheKey(text), string(encoded))
		}
	}

	return step
}

// recordStep appends the result and propagates bindings and taint
func (r *Reasoner) recordStep(rc *model.ReasoningContext, step *model.StepResult, tainted map[model.SubQueryID]bool, decomp *model.Decomposition) {
	rc.Steps = append(rc.Steps, step)

	if !step.Success {
		tainted[step.SubQueryID] = true
		return
	}
	if step.Degraded {
		tainted[step.SubQueryID] = true // taint is transitive
	}

	if len(step.Items) > 0 {
		top := step.Items[0]
		if entity, ok := top.Metadata["entity"]; ok && entity != "" {
			if value, ok := top.Metadata["value"]; ok {
				rc.Bindings[entity] = value
			}
		}
		r.accumulateContext(rc, step.Items)
	}
}

func (r *Reasoner) accumulateContext(rc *model.ReasoningContext, items []model.RetrievedItem) {
	for _, item := range items {
		if item.Snippet == "" {
			continue
		}
		if len(rc.Context)+len(item.Snippet)+1 > r.cfg.ContextSize {
			return
		}
		if rc.Context != "" {
			rc.Context += " "
		}
		rc.Context += item.Snippet
	}
}

// substituteBindings rewrites {entity} placeholders with values bound
// by earlier steps. Unknown placeholders stay as-is.
func substituteBindings(text string, bindings map[string]string) string {
	if len(bindings) == 0 || !strings.Contains(text, "{") {
		return text
	}
	for entity, value := range bindings {
		text = strings.ReplaceAll(text, "{"+entity+"}", value)
	}
	return text
}

func cacheKey(query string) string {
	return "query/" + query
}

func stepConfidence(items []model.RetrievedItem) float64 {
	if len(items) == 0 {
		return 0.0
	}
	total := 0.0
	for _, item := range items {
		total += item.Score
	}
	return total / float64(len(items))
}

func isContextError(msg string) bool {
	return strings.Contains(msg, context.DeadlineExceeded.Error()) ||
		strings.Contains(msg, context.Canceled.Error())
}
