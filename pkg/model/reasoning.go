package model

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// QueryState represents the lifecycle state of a query execution
type QueryState string

const (
	QueryStatePending   QueryState = "pending"
	QueryStateRunning   QueryState = "running"
	QueryStateCompleted QueryState = "completed"
	QueryStateTimedOut  QueryState = "timed_out"
	QueryStateFailed    QueryState = "failed"
)

// Validate checks if the query state is valid
func (s QueryState) Validate() error {
	switch s {
	case QueryStatePending, QueryStateRunning, QueryStateCompleted, QueryStateTimedOut, QueryStateFailed:
		return nil
	default:
		return goerr.New("invalid query state", goerr.V("state", s))
	}
}

// Terminal reports whether the state is a final one
func (s QueryState) Terminal() bool {
	switch s {
	case QueryStateCompleted, QueryStateTimedOut, QueryStateFailed:
		return true
	default:
		return false
	}
}

// RetrievedItem is a single item returned by the retrieval backend
type RetrievedItem struct {
	SourceID  string            `json:"source_id"`
	Snippet   string            `json:"snippet"`
	Score     float64           `json:"score"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// StepResult records the outcome of executing one sub-query
type StepResult struct {
	SubQueryID SubQueryID      `json:"sub_query_id"`
	Stage      int             `json:"stage"`
	Query      string          `json:"query"` // text actually sent, after binding substitution
	Items      []RetrievedItem `json:"items,omitempty"`
	Success    bool            `json:"success"`
	Degraded   bool            `json:"degraded"`
	Error      string          `json:"error,omitempty"`
	Confidence float64         `json:"confidence"`
	Elapsed    time.Duration   `json:"elapsed"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// ReasoningContext accumulates step results across stages. Steps are
// append-only; a recorded step is never mutated by later ones.
type ReasoningContext struct {
	Steps      []*StepResult     `json:"steps"`
	Bindings   map[string]string `json:"bindings,omitempty"`
	Context    string            `json:"context,omitempty"` // accumulated snippets, size-capped
	StageCount int               `json:"stage_count"`
}

// NewReasoningContext creates an empty reasoning context
func NewReasoningContext() *ReasoningContext {
	return &ReasoningContext{
		Bindings: make(map[string]string),
	}
}

// StageSucceeded reports whether at least one step of the stage
// completed successfully with a non-empty item set
func (c *ReasoningContext) StageSucceeded(stage int) bool {
	for _, step := range c.Steps {
		if step.Stage == stage && step.Success && len(step.Items) > 0 {
			return true
		}
	}
	return false
}

// SucceededStages counts stages with at least one successful step
func (c *ReasoningContext) SucceededStages() int {
	n := 0
	for i := 0; i < c.StageCount; i++ {
		if c.StageSucceeded(i) {
			n++
		}
	}
	return n
}

// StageSteps returns the steps recorded for the given stage, in order
func (c *ReasoningContext) StageSteps(stage int) []*StepResult {
	var steps []*StepResult
	for _, step := range c.Steps {
		if step.Stage == stage {
			steps = append(steps, step)
		}
	}
	return steps
}

// FactConflict flags two retrieved items asserting contradictory
// statements about the same entity. Informational only.
type FactConflict struct {
	Entity      string `json:"entity"`
	SourceA     string `json:"source_a"`
	SourceB     string `json:"source_b"`
	Description string `json:"description"`
}

// SynthesizedAnswer is the final output of the query pipeline. Steps
// carries the per-step provenance in execution order, so callers can
// trace which sub-query produced which evidence.
type SynthesizedAnswer struct {
	Answer        string         `json:"answer"`
	Confidence    float64        `json:"confidence"`
	Sources       []string       `json:"sources"`
	Steps         []*StepResult  `json:"steps,omitempty"`
	Conflicts     []FactConflict `json:"conflicts,omitempty"`
	State         QueryState     `json:"state"`
	SynthesizedAt time.Time      `json:"synthesized_at"`
}
