package policy

import (
	"context"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/open-policy-agent/opa/v1/rego"
)

// Validator checks content against Rego policies at the store/update
// boundary. A nil *Validator permits everything.
type Validator struct {
	query *rego.PreparedEvalQuery
}

// New loads all Rego files from policyDir and prepares the
// data.content query. Returns nil when the directory has no policies.
func New(ctx context.Context, policyDir string) (*Validator, error) {
	files, err := filepath.Glob(filepath.Join(policyDir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files")
	}
	if len(files) == 0 {
		return nil, nil
	}

	options := make([]func(*rego.Rego), 0, len(files)+1)
	options = append(options, rego.Query("data.content"))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.Value("path", file))
		}
		options = append(options, rego.Module(file, string(data)))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare content policy query")
	}

	return &Validator{query: &prepared}, nil
}

// NewFromModules prepares a validator from in-memory Rego modules,
// keyed by module name. Used by tests and embedding callers.
func NewFromModules(ctx context.Context, modules map[string]string) (*Validator, error) {
	if len(modules) == 0 {
		return nil, nil
	}

	options := make([]func(*rego.Rego), 0, len(modules)+1)
	options = append(options, rego.Query("data.content"))
	for name, src := range modules {
		options = append(options, rego.Module(name, src))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare content policy query")
	}

	return &Validator{query: &prepared}, nil
}

// Validate evaluates deny rules against the content. A non-empty deny
// set rejects the content with the collected reasons.
func (v *Validator) Validate(ctx context.Context, contentType model.ContentType, payload string, metadata model.Metadata) error {
	if v == nil || v.query == nil {
		return nil
	}

	input := map[string]any{
		"type":    string(contentType),
		"payload": payload,
		"metadata": map[string]any{
			"title":  metadata.Title,
			"tags":   metadata.Tags,
			"author": metadata.Author,
		},
	}

	rs, err := v.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return goerr.Wrap(err, "failed to evaluate content policy")
	}

	reasons := denyReasons(rs)
	if len(reasons) > 0 {
		return goerr.New("content rejected by policy", goerr.V("reasons", reasons))
	}
	return nil
}

func denyReasons(rs rego.ResultSet) []string {
	var reasons []string
	for _, result := range rs {
		for _, expr := range result.Expressions {
			doc, ok := expr.Value.(map[string]any)
			if !ok {
				continue
			}
			deny, ok := doc["deny"]
			if !ok {
				continue
			}
			items, ok := deny.([]any)
			if !ok {
				continue
			}
			for _, item := range items {
				if s, ok := item.(string); ok {
					reasons = append(reasons, s)
				}
			}
		}
	}
	return reasons
}
