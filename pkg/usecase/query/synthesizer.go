package query

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"
)

// Synthesizer combines step results into one answer with sources,
// confidence, and informational fact conflicts
type Synthesizer struct {
	cfg Config
	now func() time.Time
}

// NewSynthesizer creates a new synthesizer
func NewSynthesizer(cfg Config) *Synthesizer {
	return &Synthesizer{cfg: cfg, now: time.Now}
}

const (
	noResultsAnswer    = "No results found for your query."
	maxAnswerLength    = 1000
	maxFactConflicts   = 10
	lowConfidenceLimit = 0.6
	recencyWindow      = 30 * 24 * time.Hour
)

// contradictionPairs flag mutually exclusive assertions
var contradictionPairs = [][2]string{
	{"yes", "no"},
	{"true", "false"},
	{"always", "never"},
	{"increase", "decrease"},
	{"positive", "negative"},
	{"agree", "disagree"},
	{"support", "oppose"},
}

type rankedItem struct {
	item       model.RetrievedItem
	confidence float64 // confidence of the producing step
	rank       float64
}

// Synthesize builds the final answer. An empty reasoning context is the
// only synthesis error; a context whose steps produced zero items yields
// the no-results answer with confidence 0.0 and no error.
func (s *Synthesizer) Synthesize(rc *model.ReasoningContext) (*model.SynthesizedAnswer, error) {
	if rc == nil || len(rc.Steps) == 0 {
		return nil, goerr.Wrap(model.ErrSynthesis, "no step results to synthesize")
	}

	ranked := s.rankItems(rc)

	answer := &model.SynthesizedAnswer{
		State:         model.QueryStateCompleted,
		Steps:         rc.Steps,
		SynthesizedAt: s.now(),
	}

	if len(ranked) == 0 {
		answer.Answer = noResultsAnswer
		answer.Confidence = 0.0
		answer.Sources = []string{}
		return answer, nil
	}

	answer.Conflicts = detectFactConflicts(ranked)
	answer.Confidence = overallConfidence(rc)
	answer.Sources = collectSources(ranked)
	answer.Answer = formatAnswer(ranked, answer.Confidence, answer.Conflicts)

	return answer, nil
}

// rankItems dedupes items by source (best score wins) and orders them
// by relevance, step confidence, and recency
func (s *Synthesizer) rankItems(rc *model.ReasoningContext) []rankedItem {
	bySource := make(map[string]rankedItem)
	now := s.now()

	for _, step := range rc.Steps {
		for _, item := range step.Items {
			candidate := rankedItem{
				item:       item,
				confidence: step.Confidence,
				rank:       s.rankScore(item, step.Confidence, now),
			}
			if existing, ok := bySource[item.SourceID]; !ok || candidate.item.Score > existing.item.Score {
				bySource[item.SourceID] = candidate
			}
		}
	}

	ranked := make([]rankedItem, 0, len(bySource))
	for _, r := range bySource {
		ranked = append(ranked, r)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].rank != ranked[j].rank {
			return ranked[i].rank > ranked[j].rank
		}
		return ranked[i].item.SourceID < ranked[j].item.SourceID
	})
	return ranked
}

func (s *Synthesizer) rankScore(item model.RetrievedItem, stepConfidence float64, now time.Time) float64 {
	score := item.Score*0.6 + stepConfidence*0.3
	if !item.UpdatedAt.IsZero() && now.Sub(item.UpdatedAt) <= recencyWindow {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// overallConfidence is the item-weighted mean of per-step confidence,
// scaled by the fraction of stages that succeeded
func overallConfidence(rc *model.ReasoningContext) float64 {
	totalWeight := 0
	weighted := 0.0
	for _, step := range rc.Steps {
		weight := len(step.Items)
		weighted += step.Confidence * float64(weight)
		totalWeight += weight
	}
	if totalWeight == 0 || rc.StageCount == 0 {
		return 0.0
	}

	mean := weighted / float64(totalWeight)
	fraction := float64(rc.SucceededStages()) / float64(rc.StageCount)
	return mean * fraction
}

func collectSources(ranked []rankedItem) []string {
	sources := make([]string, 0, len(ranked))
	for _, r := range ranked {
		sources = append(sources, r.item.SourceID)
	}
	return sources
}

// detectFactConflicts compares top-ranked items pairwise for
// contradictory assertions about the same entity
func detectFactConflicts(ranked []rankedItem) []model.FactConflict {
	top := ranked
	if len(top) > 5 {
		top = top[:5]
	}

	var conflicts []model.FactConflict
	for i := 0; i < len(top); i++ {
		for j := i + 1; j < len(top); j++ {
			a, b := top[i].item, top[j].item
			if a.Metadata["entity"] != b.Metadata["entity"] {
				continue
			}

			textA := strings.ToLower(a.Snippet)
			textB := strings.ToLower(b.Snippet)
			for _, pair := range contradictionPairs {
				hit := (strings.Contains(textA, pair[0]) && strings.Contains(textB, pair[1])) ||
					(strings.Contains(textA, pair[1]) && strings.Contains(textB, pair[0]))
				if !hit {
					continue
				}
				conflicts = append(conflicts, model.FactConflict{
					Entity:      a.Metadata["entity"],
					SourceA:     a.SourceID,
					SourceB:     b.SourceID,
					Description: fmt.Sprintf("Conflicting information: '%s' vs '%s'", pair[0], pair[1]),
				})
				if len(conflicts) >= maxFactConflicts {
					return conflicts
				}
			}
		}
	}
	return conflicts
}

// formatAnswer builds the answer text: top snippet, up to two
// supplements, truncation, then confidence and conflict notes
func formatAnswer(ranked []rankedItem, confidence float64, conflicts []model.FactConflict) string {
	parts := []string{ranked[0].item.Snippet}
	for _, r := range ranked[1:] {
		if len(parts) >= 3 {
			break
		}
		parts = append(parts, "Additionally: "+r.item.Snippet)
	}

	answer := strings.Join(parts, " ")
	if len(answer) > maxAnswerLength {
		answer = answer[:maxAnswerLength] + "..."
	}

	if confidence < lowConfidenceLimit {
		answer += fmt.Sprintf("\n\n[Note: This answer has moderate confidence (%.1f%%)]", confidence*100)
	}
	if len(conflicts) > 0 {
		answer += fmt.Sprintf("\n\n[Note: %d potential conflicts detected in sources]", len(conflicts))
	}

	return answer
}
