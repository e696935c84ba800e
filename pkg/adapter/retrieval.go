package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"google.golang.org/genai"
)

// Backend answers a single sub-query with scored items. Implementations
// must be safe for concurrent use; the reasoner calls Search from
// multiple goroutines within a stage.
type Backend interface {
	Search(ctx context.Context, query string, filters map[string]string) ([]model.RetrievedItem, error)
}

// geminiBackend answers sub-queries with Gemini, constrained to a JSON
// item list via a response schema
type geminiBackend struct {
	gemini Gemini
}

// NewGeminiBackend creates a retrieval backend on top of a Gemini client
func NewGeminiBackend(gemini Gemini) Backend {
	return &geminiBackend{gemini: gemini}
}

type retrievedItemJSON struct {
	SourceID string  `json:"source_id"`
	Snippet  string  `json:"snippet"`
	Score    float64 `json:"score"`
}

var retrievalSchema = &genai.Schema{
	Type: genai.TypeArray,
	Items: &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"source_id": {
				Type:        genai.TypeString,
				Description: "identifier of the knowledge source backing this item",
			},
			"snippet": {
				Type:        genai.TypeString,
				Description: "short passage answering the query",
			},
			"score": {
				Type:        genai.TypeNumber,
				Description: "relevance score between 0.0 and 1.0",
			},
		},
		Required: []string{"source_id", "snippet", "score"},
	},
}

func (b *geminiBackend) Search(ctx context.Context, query string, filters map[string]string) ([]model.RetrievedItem, error) {
	prompt := buildRetrievalPrompt(query, filters)

	config := &genai.GenerateContentConfig{
		Temperature:      ptrFloat32(0.0),
		ResponseMIMEType: "application/json",
		ResponseSchema:   retrievalSchema,
	}

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	resp, err := b.gemini.GenerateContent(ctx, contents, config)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search", goerr.V("query", query))
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, goerr.New("empty retrieval response", goerr.V("query", query))
	}

	text := resp.Candidates[0].Content.Parts[0].Text
	var raw []retrievedItemJSON
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal retrieval response", goerr.V("response", text))
	}

	now := time.Now()
	items := make([]model.RetrievedItem, 0, len(raw))
	for _, r := range raw {
		items = append(items, model.RetrievedItem{
			SourceID:  r.SourceID,
			Snippet:   r.Snippet,
			Score:     r.Score,
			UpdatedAt: now,
		})
	}

	return items, nil
}

func buildRetrievalPrompt(query string, filters map[string]string) string {
	var sb strings.Builder
	sb.WriteString("Answer the following query with a list of factual items. ")
	sb.WriteString("Each item must cite a source identifier, a short snippet, and a relevance score.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	if len(filters) > 0 {
		sb.WriteString("\n\nConstraints:\n")
		for k, v := range filters {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", k, v))
		}
	}
	return sb.String()
}

func ptrFloat32(f float32) *float32 {
	return &f
}
