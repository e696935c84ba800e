package query_test

import (
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/m-mizutani/tsumugi/pkg/usecase/query"
)

func TestSynthesize_NoStepsFails(t *testing.T) {
	s := query.NewSynthesizer(query.DefaultConfig())

	_, err := s.Synthesize(nil)
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrSynthesis))

	_, err = s.Synthesize(model.NewReasoningContext())
	gt.Error(t, err)
}

func TestSynthesize_NoItemsYieldsSentinel(t *testing.T) {
	s := query.NewSynthesizer(query.DefaultConfig())

	rc := model.NewReasoningContext()
	rc.StageCount = 1
	rc.Steps = append(rc.Steps, &model.StepResult{Stage: 0, Success: true})

	answer, err := s.Synthesize(rc)
	gt.NoError(t, err)
	gt.V(t, answer.Answer).Equal("No results found for your query.")
	gt.V(t, answer.Confidence).Equal(0.0)
	gt.A(t, answer.Sources).Length(0)
}

func TestSynthesize_CarriesStepProvenance(t *testing.T) {
	s := query.NewSynthesizer(query.DefaultConfig())

	first := model.NewSubQueryID()
	second := model.NewSubQueryID()

	rc := model.NewReasoningContext()
	rc.StageCount = 2
	rc.Steps = append(rc.Steps,
		&model.StepResult{
			SubQueryID: first, Stage: 0, Success: true, Confidence: 0.9,
			Items: []model.RetrievedItem{{SourceID: "s1", Snippet: "evidence one", Score: 0.9}},
		},
		&model.StepResult{SubQueryID: second, Stage: 1, Success: false, Error: "backend down"},
	)

	answer, err := s.Synthesize(rc)
	gt.NoError(t, err)

	// Every executed step is visible in order, failures included
	gt.A(t, answer.Steps).Length(2)
	gt.V(t, answer.Steps[0].SubQueryID).Equal(first)
	gt.V(t, answer.Steps[1].SubQueryID).Equal(second)
	gt.False(t, answer.Steps[1].Success)

	// The no-results answer keeps its provenance too
	empty := model.NewReasoningContext()
	empty.StageCount = 1
	empty.Steps = append(empty.Steps, &model.StepResult{Stage: 0, Success: true})

	answer, err = s.Synthesize(empty)
	gt.NoError(t, err)
	gt.A(t, answer.Steps).Length(1)
}

func TestSynthesize_ConfidenceScaledBySucceededStages(t *testing.T) {
	s := query.NewSynthesizer(query.DefaultConfig())

	rc := model.NewReasoningContext()
	rc.StageCount = 2
	rc.Steps = append(rc.Steps,
		&model.StepResult{
			Stage:      0,
			Success:    true,
			Confidence: 0.8,
			Items: []model.RetrievedItem{
				{SourceID: "s1", Snippet: "fact one", Score: 0.8},
				{SourceID: "s2", Snippet: "fact two", Score: 0.8},
			},
		},
		&model.StepResult{Stage: 1, Success: false, Error: "backend down"},
	)

	answer, err := s.Synthesize(rc)
	gt.NoError(t, err)

	// Weighted mean 0.8, scaled by 1 of 2 succeeded stages
	gt.Number(t, answer.Confidence).Greater(0.39)
	gt.Number(t, answer.Confidence).Less(0.41)
	gt.A(t, answer.Sources).Length(2)
}

func TestSynthesize_DedupesSources(t *testing.T) {
	s := query.NewSynthesizer(query.DefaultConfig())

	rc := model.NewReasoningContext()
	rc.StageCount = 1
	rc.Steps = append(rc.Steps,
		&model.StepResult{
			Stage: 0, Success: true, Confidence: 0.9,
			Items: []model.RetrievedItem{{SourceID: "dup", Snippet: "weak", Score: 0.2}},
		},
		&model.StepResult{
			Stage: 0, Success: true, Confidence: 0.9,
			Items: []model.RetrievedItem{{SourceID: "dup", Snippet: "strong", Score: 0.9}},
		},
	)

	answer, err := s.Synthesize(rc)
	gt.NoError(t, err)
	gt.A(t, answer.Sources).Length(1)
	gt.S(t, answer.Answer).Contains("strong")
}

func TestSynthesize_RanksByScoreAndRecency(t *testing.T) {
	s := query.NewSynthesizer(query.DefaultConfig())

	rc := model.NewReasoningContext()
	rc.StageCount = 1
	rc.Steps = append(rc.Steps, &model.StepResult{
		Stage: 0, Success: true, Confidence: 0.9,
		Items: []model.RetrievedItem{
			{SourceID: "stale", Snippet: "old answer", Score: 0.8, UpdatedAt: time.Now().Add(-90 * 24 * time.Hour)},
			{SourceID: "fresh", Snippet: "new answer", Score: 0.8, UpdatedAt: time.Now().Add(-time.Hour)},
		},
	})

	answer, err := s.Synthesize(rc)
	gt.NoError(t, err)
	gt.V(t, answer.Sources[0]).Equal("fresh")
}

func TestSynthesize_DetectsFactConflicts(t *testing.T) {
	s := query.NewSynthesizer(query.DefaultConfig())

	rc := model.NewReasoningContext()
	rc.StageCount = 1
	rc.Steps = append(rc.Steps, &model.StepResult{
		Stage: 0, Success: true, Confidence: 0.9,
		Items: []model.RetrievedItem{
			{SourceID: "a", Snippet: "yes, the service supports replication", Score: 0.9, Metadata: map[string]string{"entity": "service"}},
			{SourceID: "b", Snippet: "no, replication is not available", Score: 0.8, Metadata: map[string]string{"entity": "service"}},
		},
	})

	answer, err := s.Synthesize(rc)
	gt.NoError(t, err)
	gt.Number(t, len(answer.Conflicts)).GreaterOrEqual(1)
	gt.V(t, answer.Conflicts[0].Entity).Equal("service")
	gt.S(t, answer.Answer).Contains("potential conflicts detected")
}

func TestSynthesize_LowConfidenceNote(t *testing.T) {
	s := query.NewSynthesizer(query.DefaultConfig())

	rc := model.NewReasoningContext()
	rc.StageCount = 2
	rc.Steps = append(rc.Steps,
		&model.StepResult{
			Stage: 0, Success: true, Confidence: 0.5,
			Items: []model.RetrievedItem{{SourceID: "s1", Snippet: "a weak hint", Score: 0.5}},
		},
		&model.StepResult{Stage: 1, Success: false},
	)

	answer, err := s.Synthesize(rc)
	gt.NoError(t, err)
	gt.S(t, answer.Answer).Contains("moderate confidence")
}

func TestSynthesize_TruncatesLongAnswers(t *testing.T) {
	s := query.NewSynthesizer(query.DefaultConfig())

	long := ""
	for range 200 {
		long += "relentlessly "
	}

	rc := model.NewReasoningContext()
	rc.StageCount = 1
	rc.Steps = append(rc.Steps, &model.StepResult{
		Stage: 0, Success: true, Confidence: 0.9,
		Items: []model.RetrievedItem{{SourceID: "s1", Snippet: long, Score: 0.9}},
	})

	answer, err := s.Synthesize(rc)
	gt.NoError(t, err)
	gt.S(t, answer.Answer).Contains("...")
}
