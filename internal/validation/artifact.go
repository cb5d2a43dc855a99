package validation

import (
	"context"
	"encoding/json"

	"github.com/rendis/karflow/pkg/schema"
)

// Options supplies the optional semantic checkers. A nil checker skips its
// check.
type Options struct {
	Timing     TimingChecker
	Conditions ConditionChecker
	Profiles   ProfileLookup
}

// ArtifactValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (unique IDs, references, expressions)
// 3. Graph (cycles over sub-action and related edges)
type ArtifactValidator struct {
	jsonSchema *JSONSchemaValidator
	opts       Options
}

var _ Validator = (*ArtifactValidator)(nil)

// NewArtifactValidator creates an ArtifactValidator.
func NewArtifactValidator(opts Options) (*ArtifactValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &ArtifactValidator{jsonSchema: jsv, opts: opts}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit the later stages.
func (v *ArtifactValidator) Validate(ctx context.Context, kar *schema.KnowledgeArtifact) *schema.ValidationResult {
	result := v.jsonSchema.ValidateArtifact(kar)
	if !result.Valid() {
		return result
	}
	return v.validateDecoded(ctx, kar, result)
}

// ValidateDocument validates and decodes a raw artifact document. The
// artifact is nil when the document is structurally invalid.
func (v *ArtifactValidator) ValidateDocument(ctx context.Context, raw []byte) (*schema.KnowledgeArtifact, *schema.ValidationResult) {
	result := v.jsonSchema.ValidateDocument(raw)
	if !result.Valid() {
		return nil, result
	}
	var kar schema.KnowledgeArtifact
	if err := json.Unmarshal(raw, &kar); err != nil {
		result.AddError("", schema.ErrCodeValidation, err.Error())
		return nil, result
	}
	return &kar, v.validateDecoded(ctx, &kar, result)
}

func (v *ArtifactValidator) validateDecoded(ctx context.Context, kar *schema.KnowledgeArtifact, result *schema.ValidationResult) *schema.ValidationResult {
	result.Merge(validateSemantic(ctx, kar, v.opts))
	// Duplicate or dangling IDs make the graph meaningless.
	if result.Valid() {
		result.Merge(validateGraph(kar))
	}
	return result
}

// ValidateArtifact satisfies the Validator interface.
func (v *ArtifactValidator) ValidateArtifact(kar *schema.KnowledgeArtifact) error {
	return v.Validate(context.Background(), kar).ToError()
}
