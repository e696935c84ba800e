package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type SubQueryID string

// NewSubQueryID generates a new unique SubQueryID
func NewSubQueryID() SubQueryID {
	return SubQueryID(uuid.New().String())
}

type PlanID string

// NewPlanID generates a new unique PlanID
func NewPlanID() PlanID {
	return PlanID(uuid.New().String())
}

// QueryType classifies the structural complexity of a query
type QueryType string

const (
	QueryTypeSimple    QueryType = "simple"
	QueryTypeComplex   QueryType = "complex"
	QueryTypeMultiStep QueryType = "multi_step"
	QueryTypeUnknown   QueryType = "unknown"
)

// Validate checks if the query type is valid
func (t QueryType) Validate() error {
	switch t {
	case QueryTypeSimple, QueryTypeComplex, QueryTypeMultiStep, QueryTypeUnknown:
		return nil
	default:
		return goerr.New("invalid query type", goerr.V("type", t))
	}
}

type EntityKind string

const (
	EntityKindName         EntityKind = "name"
	EntityKindOrganization EntityKind = "organization"
	EntityKindLocation     EntityKind = "location"
	EntityKindDate         EntityKind = "date"
	EntityKindNumber       EntityKind = "number"
)

// Entity is a noteworthy token span extracted from a query
type Entity struct {
	Text       string     `json:"text"`
	Kind       EntityKind `json:"kind"`
	Confidence float64    `json:"confidence"`
}

// Relationship is an inferred connection between two extracted entities
type Relationship struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
}

// SubQuery is one retrievable unit of a decomposed query
type SubQuery struct {
	ID        SubQueryID   `json:"id"`
	Text      string       `json:"text"`
	Type      QueryType    `json:"type"`
	Entities  []Entity     `json:"entities,omitempty"`
	DependsOn []SubQueryID `json:"depends_on,omitempty"`
	Priority  int          `json:"priority"`
	Cacheable bool         `json:"cacheable"`
}

// Validate checks if the sub-query is well-formed
func (s *SubQuery) Validate() error {
	if s.ID == "" {
		return goerr.New("sub-query ID is empty")
	}
	if s.Text == "" {
		return goerr.New("sub-query text is empty", goerr.V("id", s.ID))
	}
	return s.Type.Validate()
}

// Decomposition is the full result of analyzing a query
type Decomposition struct {
	Original      string         `json:"original"`
	Type          QueryType      `json:"type"`
	SubQueries    []SubQuery     `json:"sub_queries"`
	Entities      []Entity       `json:"entities,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
	DecomposedAt  time.Time      `json:"decomposed_at"`
}

// SubQuery returns the sub-query with the given ID, or nil
func (d *Decomposition) SubQuery(id SubQueryID) *SubQuery {
	for i := range d.SubQueries {
		if d.SubQueries[i].ID == id {
			return &d.SubQueries[i]
		}
	}
	return nil
}

// RetrievalPlan groups sub-queries into dependency-ordered stages.
// Sub-queries within one stage have no dependency on each other and
// may run concurrently; stages run strictly in order.
type RetrievalPlan struct {
	ID              PlanID                 `json:"id"`
	Stages          [][]SubQueryID         `json:"stages"`
	Costs           map[SubQueryID]float64 `json:"costs"`
	EstimatedCost   float64                `json:"estimated_cost"`
	AdaptationRound int                    `json:"adaptation_round"`
	CreatedAt       time.Time              `json:"created_at"`
}

// StageOf returns the stage index containing the given sub-query, or -1
func (p *RetrievalPlan) StageOf(id SubQueryID) int {
	for i, stage := range p.Stages {
		for _, sq := range stage {
			if sq == id {
				return i
			}
		}
	}
	return -1
}
