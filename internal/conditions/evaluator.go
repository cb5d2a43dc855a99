// Package conditions gates sub-actions and related actions on boolean
// expressions over the resources a run has gathered.
package conditions

import (
	"context"
	"log/slog"

	"github.com/rendis/karflow/internal/expressions"
	"github.com/rendis/karflow/internal/logging"
	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/pkg/schema"
)

// Evaluator dispatches each condition to the engine of its language.
type Evaluator struct {
	engines map[string]expressions.Engine
	logger  *slog.Logger
}

// NewEvaluator builds an evaluator with the CEL, Expr and jq engines.
func NewEvaluator(logger *slog.Logger) (*Evaluator, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	e := &Evaluator{engines: make(map[string]expressions.Engine), logger: logger}
	for _, engine := range []expressions.Engine{celEngine, expressions.NewExprEngine(), expressions.NewGoJQEngine()} {
		e.engines[engine.Language()] = engine
	}
	return e, nil
}

// Evaluate reports whether every condition of the action holds. An action
// without conditions is open. Evaluation errors, non-boolean results and an
// empty resource set make a declared condition false rather than failing.
func (e *Evaluator) Evaluate(ctx context.Context, action *schema.Action, pc *processing.Context) bool {
	if len(action.Conditions) == 0 {
		return true
	}
	if len(pc.AllResources()) == 0 {
		logging.LogWith(ctx, e.logger).Debug("no resources available, condition is false")
		return false
	}

	scope := expressions.Scope(pc)
	for i, c := range action.Conditions {
		ok, err := e.evalOne(ctx, c, scope)
		if err != nil {
			logging.LogWith(ctx, e.logger).Warn("condition evaluation failed",
				slog.Int("condition", i),
				slog.String("language", languageOf(c)),
				slog.String("error", err.Error()),
			)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

// Check compiles a condition to surface syntax errors at load time.
// Runtime errors such as missing keys are not reported.
func (e *Evaluator) Check(_ context.Context, c schema.Condition) error {
	engine, err := e.engine(c)
	if err != nil {
		return err
	}
	return engine.Compile(c.Expression)
}

func (e *Evaluator) evalOne(ctx context.Context, c schema.Condition, scope map[string]any) (bool, error) {
	engine, err := e.engine(c)
	if err != nil {
		return false, err
	}
	out, err := engine.Evaluate(ctx, c.Expression, scope)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExecution, "condition %q returned %T, want bool", c.Expression, out)
	}
	return b, nil
}

func (e *Evaluator) engine(c schema.Condition) (expressions.Engine, error) {
	engine, ok := e.engines[languageOf(c)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported condition language %q", c.Language)
	}
	return engine, nil
}

func languageOf(c schema.Condition) string {
	if c.Language == "" {
		return schema.LanguageCEL
	}
	return c.Language
}
