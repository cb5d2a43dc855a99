package validation

import (
	"context"

	"github.com/rendis/karflow/internal/reports"
	"github.com/rendis/karflow/pkg/schema"
)

// Validator checks knowledge artifacts for correctness before they are
// loaded for execution.
type Validator interface {
	ValidateArtifact(kar *schema.KnowledgeArtifact) error
}

// TimingChecker validates a timing constraint. Satisfied by *timing.Evaluator.
type TimingChecker interface {
	Validate(tc schema.TimingConstraint) error
}

// ConditionChecker compiles a condition. Satisfied by *conditions.Evaluator.
type ConditionChecker interface {
	Check(ctx context.Context, c schema.Condition) error
}

// ProfileLookup resolves output profiles to report creators. Satisfied by
// *reports.Registry.
type ProfileLookup interface {
	Lookup(profile string) (reports.ReportCreator, bool)
}
