package query

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"
)

// Decomposer analyzes a query and breaks it into a DAG of sub-queries.
// It is pure: no I/O, no stored state across calls.
type Decomposer struct{}

// NewDecomposer creates a new decomposer
func NewDecomposer() *Decomposer {
	return &Decomposer{}
}

const maxQueryLength = 5000

var complexKeywords = []string{
	"and", "or", "but", "however", "also", "additionally",
	"furthermore", "moreover", "meanwhile", "then", "after",
	"before", "while", "during", "compare", "contrast",
	"relationship", "connection", "impact", "effect", "cause",
}

var multiStepKeywords = []string{
	"how", "why", "what if", "explain", "analyze", "evaluate",
	"determine", "calculate", "predict", "forecast", "estimate",
}

var comparisonKeywords = []string{
	"compare", "contrast", "versus", " vs ", " vs. ",
	"difference", "better", "worse",
}

var (
	clauseSplitRe = regexp.MustCompile(`(?i)\s+(?:and|or|but|however|also|additionally|furthermore|moreover)\s+`)
	punctSplitRe  = regexp.MustCompile(`[,;]`)
)

var entityPatterns = []struct {
	kind model.EntityKind
	re   *regexp.Regexp
}{
	{model.EntityKindName, regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\b`)},
	{model.EntityKindOrganization, regexp.MustCompile(`\b(?:Inc|Corp|Ltd|LLC|Company|Organization|Department|Agency)\b`)},
	{model.EntityKindLocation, regexp.MustCompile(`\b(?:City|Country|State|Region|Area|Place|Location)\b`)},
	{model.EntityKindDate, regexp.MustCompile(`\b(?:\d{1,2}[-/]\d{1,2}[-/]\d{2,4}|(?:January|February|March|April|May|June|July|August|September|October|November|December))\b`)},
	{model.EntityKindNumber, regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)},
}

const (
	entityConfidence       = 0.7 // pattern-based extraction
	relationshipConfidence = 0.6 // inferred from entity kinds
)

// Decompose validates and analyzes the query, returning its type,
// extracted entities and relationships, and the sub-query DAG
func (d *Decomposer) Decompose(query string) (*model.Decomposition, error) {
	if err := validateQuery(query); err != nil {
		return nil, err
	}

	query = strings.TrimSpace(query)
	queryType := identifyQueryType(query)
	entities := extractEntities(query)

	decomp := &model.Decomposition{
		Original:      query,
		Type:          queryType,
		Entities:      entities,
		Relationships: identifyRelationships(entities),
		DecomposedAt:  time.Now(),
	}

	if queryType == model.QueryTypeSimple {
		decomp.SubQueries = []model.SubQuery{newSubQuery(query, queryType, nil, 0)}
		return decomp, nil
	}

	decomp.SubQueries = decomposeComplex(query, queryType, entities)
	if len(decomp.SubQueries) == 0 {
		decomp.SubQueries = []model.SubQuery{newSubQuery(query, model.QueryTypeSimple, nil, 0)}
	}

	return decomp, nil
}

func validateQuery(query string) error {
	if query == "" || strings.TrimSpace(query) == "" {
		return goerr.Wrap(model.ErrQueryDecomposition, "query is empty")
	}
	if len(query) > maxQueryLength {
		return goerr.Wrap(model.ErrQueryDecomposition, "query exceeds maximum length",
			goerr.V("length", len(query)), goerr.V("max", maxQueryLength))
	}
	if !balancedBrackets(query) {
		return goerr.Wrap(model.ErrQueryDecomposition, "query has unbalanced brackets")
	}
	return nil
}

func balancedBrackets(query string) bool {
	pairs := map[rune]rune{'(': ')', '[': ']', '{': '}'}
	closers := map[rune]rune{')': '(', ']': '[', '}': '{'}

	var stack []rune
	for _, r := range query {
		if _, ok := pairs[r]; ok {
			stack = append(stack, r)
		} else if open, ok := closers[r]; ok {
			if len(stack) == 0 || stack[len(stack)-1] != open {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return len(stack) == 0
}

func identifyQueryType(query string) model.QueryType {
	if query == "" {
		return model.QueryTypeUnknown
	}

	lower := strings.ToLower(query)

	for _, keyword := range multiStepKeywords {
		if strings.Contains(lower, keyword) {
			return model.QueryTypeMultiStep
		}
	}

	complexCount := 0
	for _, keyword := range complexKeywords {
		if strings.Contains(lower, keyword) {
			complexCount++
		}
	}
	if complexCount >= 2 || strings.ContainsAny(query, ",;") {
		return model.QueryTypeComplex
	}

	if len(strings.Fields(query)) > 15 {
		return model.QueryTypeComplex
	}

	return model.QueryTypeSimple
}

func extractEntities(text string) []model.Entity {
	var entities []model.Entity
	seen := make(map[string]bool)

	for _, p := range entityPatterns {
		for _, match := range p.re.FindAllString(text, -1) {
			key := strings.ToLower(match) + "/" + string(p.kind)
			if seen[key] {
				continue
			}
			seen[key] = true
			entities = append(entities, model.Entity{
				Text:       match,
				Kind:       p.kind,
				Confidence: entityConfidence,
			})
		}
	}
	return entities
}

// identifyRelationships infers connections between consecutive entities
func identifyRelationships(entities []model.Entity) []model.Relationship {
	if len(entities) < 2 {
		return nil
	}

	relationships := make([]model.Relationship, 0, len(entities)-1)
	for i := 0; i < len(entities)-1; i++ {
		src, dst := entities[i], entities[i+1]
		relationships = append(relationships, model.Relationship{
			Subject:    src.Text,
			Predicate:  inferPredicate(src.Kind, dst.Kind),
			Object:     dst.Text,
			Confidence: relationshipConfidence,
		})
	}
	return relationships
}

func inferPredicate(src, dst model.EntityKind) string {
	switch {
	case src == model.EntityKindName && dst == model.EntityKindOrganization:
		return "works_at"
	case src == model.EntityKindOrganization && dst == model.EntityKindLocation:
		return "located_in"
	case src == model.EntityKindName && dst == model.EntityKindLocation:
		return "from"
	default:
		return "related_to"
	}
}

// decomposeComplex splits the query into clause sub-queries. Comparison
// queries additionally get one lookup sub-query per compared entity, with
// the comparing clause depending on all lookups. A clause that mentions
// an entity first seen in an earlier clause depends on that clause, so
// all edges point backwards and the graph stays acyclic.
func decomposeComplex(query string, queryType model.QueryType, entities []model.Entity) []model.SubQuery {
	clauses := splitClauses(query)

	var subQueries []model.SubQuery
	priority := 0

	// Lookup sub-queries for compared entities
	var lookupIDs []model.SubQueryID
	if isComparison(query) {
		for _, e := range entities {
			if e.Kind != model.EntityKindName {
				continue
			}
			sq := newSubQuery(e.Text, model.QueryTypeSimple, nil, priority)
			subQueries = append(subQueries, sq)
			lookupIDs = append(lookupIDs, sq.ID)
			priority++
		}
		if len(lookupIDs) < 2 {
			// Nothing to compare entity-wise; fall back to plain clauses
			subQueries = nil
			lookupIDs = nil
			priority = 0
		}
	}

	entityOwner := make(map[string]model.SubQueryID) // entity text -> first clause mentioning it
	var prevID model.SubQueryID

	for _, clause := range clauses {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}

		deps := make(map[model.SubQueryID]bool)
		clauseEntities := extractEntities(clause)

		for _, e := range clauseEntities {
			if owner, ok := entityOwner[strings.ToLower(e.Text)]; ok {
				deps[owner] = true
			}
		}
		if isComparison(clause) {
			for _, id := range lookupIDs {
				deps[id] = true
			}
		}
		if queryType == model.QueryTypeMultiStep && prevID != "" {
			deps[prevID] = true
		}

		sq := newSubQuery(clause, queryType, sortedIDs(deps), priority)
		subQueries = append(subQueries, sq)
		priority++
		prevID = sq.ID

		for _, e := range clauseEntities {
			key := strings.ToLower(e.Text)
			if _, ok := entityOwner[key]; !ok {
				entityOwner[key] = sq.ID
			}
		}
	}

	return subQueries
}

func splitClauses(query string) []string {
	parts := clauseSplitRe.Split(query, -1)
	if len(parts) == 1 {
		parts = punctSplitRe.Split(query, -1)
	}
	return parts
}

func isComparison(text string) bool {
	lower := strings.ToLower(text)
	for _, keyword := range comparisonKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func newSubQuery(text string, queryType model.QueryType, deps []model.SubQueryID, priority int) model.SubQuery {
	return model.SubQuery{
		ID:        model.NewSubQueryID(),
		Text:      text,
		Type:      queryType,
		Entities:  extractEntities(text),
		DependsOn: deps,
		Priority:  priority,
		Cacheable: len(deps) == 0,
	}
}

func sortedIDs(set map[model.SubQueryID]bool) []model.SubQueryID {
	if len(set) == 0 {
		return nil
	}
	ids := make([]model.SubQueryID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	// Deterministic order keeps plans stable
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
