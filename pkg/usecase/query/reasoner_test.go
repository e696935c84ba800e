package query_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tsumugi/pkg/cache"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/m-mizutani/tsumugi/pkg/usecase/query"
)

// mockBackend records searches and answers from a fixed handler
type mockBackend struct {
	mu      sync.Mutex
	queries []string
	handler func(query string) ([]model.RetrievedItem, error)
}

func (m *mockBackend) Search(ctx context.Context, q string, filters map[string]string) ([]model.RetrievedItem, error) {
	m.mu.Lock()
	m.queries = append(m.queries, q)
	m.mu.Unlock()

	if m.handler != nil {
		return m.handler(q)
	}
	return []model.RetrievedItem{{SourceID: "src-" + q, Snippet: "about " + q, Score: 0.8}}, nil
}

func (m *mockBackend) calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.queries...)
}

// testConfig disables adaptation so step counts stay deterministic
func testConfig() query.Config {
	cfg := query.DefaultConfig()
	cfg.MaxAdaptationRounds = 0
	return cfg
}

func TestExecute_NilPlanFails(t *testing.T) {
	cfg := testConfig()
	r := query.NewReasoner(&mockBackend{}, query.NewPlanner(cfg), nil, cfg)

	_, state, err := r.Execute(context.Background(), nil, &model.Decomposition{})
	gt.Error(t, err)
	gt.V(t, state).Equal(model.QueryStateFailed)
}

func TestExecute_StagesRunInOrder(t *testing.T) {
	cfg := testConfig()
	backend := &mockBackend{}
	planner := query.NewPlanner(cfg)
	r := query.NewReasoner(backend, planner, nil, cfg)

	a := subQuery("first a", model.QueryTypeSimple, 0)
	b := subQuery("first b", model.QueryTypeSimple, 1)
	c := subQuery("second c", model.QueryTypeComplex, 2, a.ID, b.ID)
	decomp := &model.Decomposition{Original: "test", SubQueries: []model.SubQuery{a, b, c}}

	plan, err := planner.Plan(decomp.SubQueries)
	gt.NoError(t, err)

	rc, state, err := r.Execute(context.Background(), plan, decomp)
	gt.NoError(t, err)
	gt.V(t, state).Equal(model.QueryStateCompleted)
	gt.A(t, rc.Steps).Length(3)

	// The dependent sub-query must be searched after both stage-0 ones
	calls := backend.calls()
	gt.A(t, calls).Length(3)
	gt.V(t, calls[2]).Equal("second c")

	for _, step := range rc.Steps {
		gt.True(t, step.Success)
	}
	gt.V(t, rc.SucceededStages()).Equal(2)
}

func TestExecute_FailedStepDegradesDependents(t *testing.T) {
	cfg := testConfig()
	backend := &mockBackend{
		handler: func(q string) ([]model.RetrievedItem, error) {
			if strings.HasPrefix(q, "broken") {
				return nil, goerr.New("backend unavailable")
			}
			return []model.RetrievedItem{{SourceID: "src", Snippet: "ok", Score: 0.9}}, nil
		},
	}
	planner := query.NewPlanner(cfg)
	r := query.NewReasoner(backend, planner, nil, cfg)

	a := subQuery("broken lookup", model.QueryTypeSimple, 0)
	b := subQuery("dependent question", model.QueryTypeComplex, 1, a.ID)
	decomp := &model.Decomposition{Original: "test", SubQueries: []model.SubQuery{a, b}}

	plan, err := planner.Plan(decomp.SubQueries)
	gt.NoError(t, err)

	rc, state, err := r.Execute(context.Background(), plan, decomp)
	gt.NoError(t, err)
	gt.V(t, state).Equal(model.QueryStateCompleted)
	gt.A(t, rc.Steps).Length(2)

	failed := rc.Steps[0]
	gt.False(t, failed.Success)
	gt.S(t, failed.Error).Contains("backend unavailable")

	dependent := rc.Steps[1]
	gt.True(t, dependent.Success).Describe("dependents of failed steps still run")
	gt.True(t, dependent.Degraded)
}

func TestExecute_ExpiredContextTimesOut(t *testing.T) {
	cfg := testConfig()
	backend := &mockBackend{}
	planner := query.NewPlanner(cfg)
	r := query.NewReasoner(backend, planner, nil, cfg)

	a := subQuery("never runs", model.QueryTypeSimple, 0)
	decomp := &model.Decomposition{Original: "test", SubQueries: []model.SubQuery{a}}
	plan, err := planner.Plan(decomp.SubQueries)
	gt.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rc, state, err := r.Execute(ctx, plan, decomp)
	gt.NoError(t, err)
	gt.V(t, state).Equal(model.QueryStateTimedOut)
	gt.NotNil(t, rc)
	gt.A(t, backend.calls()).Length(0)
}

func TestExecute_StepBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSteps = 2
	backend := &mockBackend{}
	planner := query.NewPlanner(cfg)
	r := query.NewReasoner(backend, planner, nil, cfg)

	var sqs []model.SubQuery
	for _, text := range []string{"q1", "q2", "q3", "q4"} {
		sqs = append(sqs, subQuery(text, model.QueryTypeSimple, len(sqs)))
	}
	decomp := &model.Decomposition{Original: "test", SubQueries: sqs}
	plan, err := planner.Plan(decomp.SubQueries)
	gt.NoError(t, err)

	rc, state, err := r.Execute(context.Background(), plan, decomp)
	gt.NoError(t, err)
	gt.V(t, state).Equal(model.QueryStateCompleted)
	gt.A(t, rc.Steps).Length(2)
}

func TestExecute_CacheableStepHitsCache(t *testing.T) {
	cfg := testConfig()
	backend := &mockBackend{}
	planner := query.NewPlanner(cfg)
	queryCache := cache.NewTTL()
	r := query.NewReasoner(backend, planner, queryCache, cfg)

	a := subQuery("cached lookup", model.QueryTypeSimple, 0)
	decomp := &model.Decomposition{Original: "test", SubQueries: []model.SubQuery{a}}
	plan, err := planner.Plan(decomp.SubQueries)
	gt.NoError(t, err)

	rc, _, err := r.Execute(context.Background(), plan, decomp)
	gt.NoError(t, err)
	gt.A(t, rc.Steps).Length(1)
	gt.A(t, backend.calls()).Length(1)

	// Second execution answers from the cache without a backend call
	decomp2 := &model.Decomposition{Original: "test", SubQueries: []model.SubQuery{a}}
	plan2, err := planner.Plan(decomp2.SubQueries)
	gt.NoError(t, err)

	rc2, _, err := r.Execute(context.Background(), plan2, decomp2)
	gt.NoError(t, err)
	gt.A(t, rc2.Steps).Length(1)
	gt.True(t, rc2.Steps[0].Success)
	gt.A(t, rc2.Steps[0].Items).Length(1)
	gt.A(t, backend.calls()).Length(1)
}

func TestExecute_AdaptationAddsStage(t *testing.T) {
	cfg := query.DefaultConfig()
	cfg.MaxAdaptationRounds = 1
	backend := &mockBackend{
		handler: func(q string) ([]model.RetrievedItem, error) {
			return nil, nil // nothing found anywhere
		},
	}
	planner := query.NewPlanner(cfg)
	r := query.NewReasoner(backend, planner, nil, cfg)

	a := subQuery("rare topic", model.QueryTypeSimple, 0)
	decomp := &model.Decomposition{Original: "rare topic", SubQueries: []model.SubQuery{a}}
	plan, err := planner.Plan(decomp.SubQueries)
	gt.NoError(t, err)

	rc, state, err := r.Execute(context.Background(), plan, decomp)
	gt.NoError(t, err)
	gt.V(t, state).Equal(model.QueryStateCompleted)
	gt.A(t, rc.Steps).Length(2)
	gt.S(t, rc.Steps[1].Query).Contains("general information about rare topic")
	gt.V(t, rc.StageCount).Equal(2)
}

func TestExecute_BindingSubstitution(t *testing.T) {
	cfg := testConfig()
	backend := &mockBackend{
		handler: func(q string) ([]model.RetrievedItem, error) {
			if q == "find ceo" {
				return []model.RetrievedItem{{
					SourceID: "directory",
					Snippet:  "the CEO is Alice",
					Score:    0.9,
					Metadata: map[string]string{"entity": "ceo", "value": "Alice"},
				}}, nil
			}
			return []model.RetrievedItem{{SourceID: "src", Snippet: "ok", Score: 0.5}}, nil
		},
	}
	planner := query.NewPlanner(cfg)
	r := query.NewReasoner(backend, planner, nil, cfg)

	a := subQuery("find ceo", model.QueryTypeSimple, 0)
	b := subQuery("history of {ceo}", model.QueryTypeComplex, 1, a.ID)
	decomp := &model.Decomposition{Original: "test", SubQueries: []model.SubQuery{a, b}}
	plan, err := planner.Plan(decomp.SubQueries)
	gt.NoError(t, err)

	rc, _, err := r.Execute(context.Background(), plan, decomp)
	gt.NoError(t, err)
	gt.A(t, rc.Steps).Length(2)
	gt.V(t, rc.Steps[1].Query).Equal("history of Alice")
}

func TestExecute_StepTimeoutRecordedAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.StepTimeout = 10 * time.Millisecond
	backend := &mockBackend{
		handler: func(q string) ([]model.RetrievedItem, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, context.DeadlineExceeded
		},
	}
	planner := query.NewPlanner(cfg)
	r := query.NewReasoner(backend, planner, nil, cfg)

	a := subQuery("slow lookup", model.QueryTypeSimple, 0)
	decomp := &model.Decomposition{Original: "test", SubQueries: []model.SubQuery{a}}
	plan, err := planner.Plan(decomp.SubQueries)
	gt.NoError(t, err)

	rc, state, err := r.Execute(context.Background(), plan, decomp)
	gt.NoError(t, err)
	gt.V(t, state).Equal(model.QueryStateCompleted)
	gt.A(t, rc.Steps).Length(1)
	gt.False(t, rc.Steps[0].Success)
}
