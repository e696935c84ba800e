package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tsumugi/pkg/model"
	"github.com/m-mizutani/tsumugi/pkg/policy"
)

const denySecretsPolicy = `package content

import rego.v1

deny contains msg if {
	contains(input.payload, "secret")
	msg := "payload must not contain secrets"
}

deny contains msg if {
	input.type == "json"
	not json.is_valid(input.payload)
	msg := "payload is not valid JSON"
}
`

func TestValidator_Allows(t *testing.T) {
	ctx := context.Background()
	v, err := policy.NewFromModules(ctx, map[string]string{"content.rego": denySecretsPolicy})
	gt.NoError(t, err)
	gt.NotNil(t, v)

	err = v.Validate(ctx, model.ContentTypeText, "nothing to hide", model.Metadata{})
	gt.NoError(t, err)
}

func TestValidator_Denies(t *testing.T) {
	ctx := context.Background()
	v, err := policy.NewFromModules(ctx, map[string]string{"content.rego": denySecretsPolicy})
	gt.NoError(t, err)

	err = v.Validate(ctx, model.ContentTypeText, "this holds a secret token", model.Metadata{})
	gt.Error(t, err)
}

func TestValidator_DeniesInvalidJSON(t *testing.T) {
	ctx := context.Background()
	v, err := policy.NewFromModules(ctx, map[string]string{"content.rego": denySecretsPolicy})
	gt.NoError(t, err)

	err = v.Validate(ctx, model.ContentTypeJSON, "{not json", model.Metadata{})
	gt.Error(t, err)

	err = v.Validate(ctx, model.ContentTypeJSON, `{"valid": true}`, model.Metadata{})
	gt.NoError(t, err)
}

func TestValidator_NilPermitsAll(t *testing.T) {
	var v *policy.Validator

	err := v.Validate(context.Background(), model.ContentTypeText, "anything with a secret", model.Metadata{})
	gt.NoError(t, err)
}

func TestValidator_EmptyDirYieldsNil(t *testing.T) {
	v, err := policy.New(context.Background(), t.TempDir())
	gt.NoError(t, err)
	gt.Nil(t, v)
}

func TestValidator_LoadsFromDir(t *testing.T) {
	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "content.rego"), []byte(denySecretsPolicy), 0o644))

	v, err := policy.New(context.Background(), dir)
	gt.NoError(t, err)
	gt.NotNil(t, v)

	err = v.Validate(context.Background(), model.ContentTypeText, "top secret plans", model.Metadata{})
	gt.Error(t, err)
}
