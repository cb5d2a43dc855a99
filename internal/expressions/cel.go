package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/karflow/pkg/schema"
)

// CELEngine evaluates text/cel conditions, the default language.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine declares the scope variables built by Scope:
//   - resources: map(string, list) resolved resources keyed by requirement ID
//   - fetched:   list(dyn) every resolved resource once
//   - outputs:   map(string, list) generated artifacts keyed by action ID
//   - trigger:   map(string, dyn) the notification that started the run
//   - context:   map(string, dyn) run metadata (run_id, kar_id, ...)
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable(ScopeResources, mapType),
		cel.Variable(ScopeFetched, cel.ListType(cel.DynType)),
		cel.Variable(ScopeOutputs, mapType),
		cel.Variable(ScopeTrigger, mapType),
		cel.Variable(ScopeContext, mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Language() string { return schema.LanguageCEL }

func (e *CELEngine) Compile(expression string) error {
	if expression == "" {
		return emptyExpression("CEL")
	}
	_, err := e.programs.get(expression, e.compile)
	return err
}

// Evaluate runs the expression. Scope variables missing from data are bound
// to empty values so references to them never fail at runtime.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}
	prg, err := e.programs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(withScopeDefaults(data))
	if err != nil {
		return nil, evalError("CEL", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("CEL", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("CEL", expression, err)
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
