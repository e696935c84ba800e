package query

import (
	"fmt"
	"sort"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"
)

// Planner turns a sub-query DAG into a staged retrieval plan and
// adapts running plans when a stage yields too little
type Planner struct {
	cfg Config
}

// NewPlanner creates a new planner
func NewPlanner(cfg Config) *Planner {
	return &Planner{cfg: cfg}
}

// Per-type cost estimation constants
const (
	simpleQueryCost          = 1.0
	complexQueryCost         = 2.0
	multiStepQueryCost       = 3.0
	dependencyCostMultiplier = 1.5
)

// Plan validates the sub-queries and groups them into dependency-ordered
// stages. A dependency cycle fails the whole plan; no partial plan is
// produced.
func (p *Planner) Plan(subQueries []model.SubQuery) (*model.RetrievalPlan, error) {
	if len(subQueries) == 0 {
		return nil, goerr.Wrap(model.ErrRetrievalPlanning, "cannot plan an empty sub-query list")
	}

	valid := make(map[model.SubQueryID]*model.SubQuery, len(subQueries))
	for i := range subQueries {
		sq := &subQueries[i]
		if err := sq.Validate(); err != nil {
			return nil, goerr.Wrap(model.ErrRetrievalPlanning, "invalid sub-query", goerr.V("id", sq.ID))
		}
		valid[sq.ID] = sq
	}

	for _, sq := range subQueries {
		for _, dep := range sq.DependsOn {
			if _, ok := valid[dep]; !ok {
				return nil, goerr.Wrap(model.ErrRetrievalPlanning, "dependency references unknown sub-query",
					goerr.V("id", sq.ID), goerr.V("dependency", dep))
			}
		}
	}

	if hasCycle(subQueries) {
		return nil, goerr.Wrap(model.ErrRetrievalPlanning, "sub-queries contain circular dependencies")
	}

	stages := layerStages(subQueries)
	costs := p.nodeCosts(subQueries)

	return &model.RetrievalPlan{
		ID:            model.NewPlanID(),
		Stages:        stages,
		Costs:         costs,
		EstimatedCost: criticalPathCost(subQueries, costs),
		CreatedAt:     time.Now(),
	}, nil
}

// hasCycle runs a DFS with a recursion stack over the dependency edges
func hasCycle(subQueries []model.SubQuery) bool {
	byID := make(map[model.SubQueryID]*model.SubQuery, len(subQueries))
	for i := range subQueries {
		byID[subQueries[i].ID] = &subQueries[i]
	}

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[model.SubQueryID]int, len(subQueries))

	var visit func(id model.SubQueryID) bool
	visit = func(id model.SubQueryID) bool {
		state[id] = inStack
		if sq := byID[id]; sq != nil {
			for _, dep := range sq.DependsOn {
				switch state[dep] {
				case inStack:
					return true
				case unvisited:
					if visit(dep) {
						return true
					}
				}
			}
		}
		state[id] = done
		return false
	}

	for _, sq := range subQueries {
		if state[sq.ID] == unvisited && visit(sq.ID) {
			return true
		}
	}
	return false
}

// layerStages groups sub-queries so that each stage only depends on
// earlier stages (Kahn layering). Within a stage, order is by priority
// then ID.
func layerStages(subQueries []model.SubQuery) [][]model.SubQueryID {
	byID := make(map[model.SubQueryID]*model.SubQuery, len(subQueries))
	inDegree := make(map[model.SubQueryID]int, len(subQueries))
	for i := range subQueries {
		sq := &subQueries[i]
		byID[sq.ID] = sq
		inDegree[sq.ID] = len(sq.DependsOn)
	}

	var stages [][]model.SubQueryID
	remaining := len(subQueries)
	placed := make(map[model.SubQueryID]bool, len(subQueries))

	for remaining > 0 {
		var stage []model.SubQueryID
		for _, sq := range subQueries {
			if !placed[sq.ID] && inDegree[sq.ID] == 0 {
				stage = append(stage, sq.ID)
			}
		}
		if len(stage) == 0 {
			break // cycle; callers validate beforehand
		}

		sort.Slice(stage, func(i, j int) bool {
			a, b := byID[stage[i]], byID[stage[j]]
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.ID < b.ID
		})

		for _, id := range stage {
			placed[id] = true
			remaining--
		}
		for _, sq := range subQueries {
			if placed[sq.ID] {
				continue
			}
			for _, dep := range sq.DependsOn {
				for _, id := range stage {
					if dep == id {
						inDegree[sq.ID]--
					}
				}
			}
		}

		stages = append(stages, stage)
	}

	return stages
}

func (p *Planner) nodeCosts(subQueries []model.SubQuery) map[model.SubQueryID]float64 {
	costs := make(map[model.SubQueryID]float64, len(subQueries))
	for _, sq := range subQueries {
		cost := simpleQueryCost
		switch sq.Type {
		case model.QueryTypeComplex:
			cost = complexQueryCost
		case model.QueryTypeMultiStep:
			cost = multiStepQueryCost
		}
		if len(sq.DependsOn) > 0 {
			cost *= dependencyCostMultiplier
		}
		costs[sq.ID] = cost * p.cfg.CostMultiplier
	}
	return costs
}

// criticalPathCost estimates the plan cost as the most expensive
// dependency chain, since independent sub-queries run concurrently.
// Diagnostic only.
func criticalPathCost(subQueries []model.SubQuery, costs map[model.SubQueryID]float64) float64 {
	byID := make(map[model.SubQueryID]*model.SubQuery, len(subQueries))
	for i := range subQueries {
		byID[subQueries[i].ID] = &subQueries[i]
	}

	memo := make(map[model.SubQueryID]float64, len(subQueries))
	var pathCost func(id model.SubQueryID) float64
	pathCost = func(id model.SubQueryID) float64 {
		if c, ok := memo[id]; ok {
			return c
		}
		best := 0.0
		if sq := byID[id]; sq != nil {
			for _, dep := range sq.DependsOn {
				if c := pathCost(dep); c > best {
					best = c
				}
			}
		}
		c := costs[id] + best
		memo[id] = c
		return c
	}

	total := 0.0
	for _, sq := range subQueries {
		if c := pathCost(sq.ID); c > total {
			total = c
		}
	}
	return total
}

// Adapt inspects the just-completed stage and, when its results are
// insufficient, splices a follow-up stage right after it. The returned
// sub-queries must be added to the decomposition by the caller. Bounded
// by MaxAdaptationRounds; beyond that the plan is returned unchanged.
func (p *Planner) Adapt(plan *model.RetrievalPlan, decomp *model.Decomposition, rc *model.ReasoningContext, stage int) (*model.RetrievalPlan, []model.SubQuery, error) {
	if plan == nil || len(plan.Stages) == 0 {
		return nil, nil, goerr.Wrap(model.ErrRetrievalPlanning, "cannot adapt an empty plan")
	}
	if stage < 0 || stage >= len(plan.Stages) {
		return nil, nil, goerr.Wrap(model.ErrRetrievalPlanning, "stage out of range", goerr.V("stage", stage))
	}

	if plan.AdaptationRound >= p.cfg.MaxAdaptationRounds {
		return plan, nil, nil
	}
	if p.stageSufficient(rc, stage) {
		return plan, nil, nil
	}

	followUps := p.followUpQueries(plan, decomp, rc, stage)
	if len(followUps) == 0 {
		return plan, nil, nil
	}

	adapted := &model.RetrievalPlan{
		ID:              plan.ID,
		Costs:           make(map[model.SubQueryID]float64, len(plan.Costs)+len(followUps)),
		AdaptationRound: plan.AdaptationRound + 1,
		CreatedAt:       plan.CreatedAt,
	}
	for id, cost := range plan.Costs {
		adapted.Costs[id] = cost
	}
	for id, cost := range p.nodeCosts(followUps) {
		adapted.Costs[id] = cost
	}

	newStage := make([]model.SubQueryID, 0, len(followUps))
	for _, sq := range followUps {
		newStage = append(newStage, sq.ID)
	}

	adapted.Stages = append(adapted.Stages, plan.Stages[:stage+1]...)
	adapted.Stages = append(adapted.Stages, newStage)
	adapted.Stages = append(adapted.Stages, plan.Stages[stage+1:]...)

	all := append(append([]model.SubQuery{}, decomp.SubQueries...), followUps...)
	adapted.EstimatedCost = criticalPathCost(all, adapted.Costs)

	return adapted, followUps, nil
}

// stageSufficient checks whether the stage yielded enough items with a
// good enough best score
func (p *Planner) stageSufficient(rc *model.ReasoningContext, stage int) bool {
	total := 0
	topScore := 0.0
	for _, step := range rc.StageSteps(stage) {
		total += len(step.Items)
		for _, item := range step.Items {
			if item.Score > topScore {
				topScore = item.Score
			}
		}
	}
	return total >= p.cfg.SufficientResults && topScore >= p.cfg.SufficientTopScore
}

// followUpQueries broadens the stage's sub-queries. With no items at
// all the follow-up falls back to the original query.
func (p *Planner) followUpQueries(plan *model.RetrievalPlan, decomp *model.Decomposition, rc *model.ReasoningContext, stage int) []model.SubQuery {
	items := 0
	for _, step := range rc.StageSteps(stage) {
		items += len(step.Items)
	}

	var followUps []model.SubQuery
	for _, id := range plan.Stages[stage] {
		sq := decomp.SubQuery(id)
		if sq == nil {
			continue
		}

		text := fmt.Sprintf("related to %s", sq.Text)
		if items == 0 {
			text = fmt.Sprintf("general information about %s", decomp.Original)
		}

		followUps = append(followUps, model.SubQuery{
			ID:        model.NewSubQueryID(),
			Text:      text,
			Type:      model.QueryTypeComplex,
			Entities:  sq.Entities,
			DependsOn: []model.SubQueryID{sq.ID},
			Priority:  sq.Priority + 1,
		})

		if items == 0 {
			break // one broad fallback query is enough
		}
	}
	return followUps
}
