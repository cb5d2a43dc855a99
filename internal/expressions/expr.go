package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/karflow/pkg/schema"
)

// ExprEngine evaluates text/expr conditions. They read more naturally than
// CEL for list checks such as any(fetched, {.resourceType == "Condition"}).
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates an Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newProgramCache[*vm.Program]()}
}

func (e *ExprEngine) Language() string { return schema.LanguageExpr }

func (e *ExprEngine) Compile(expression string) error {
	if expression == "" {
		return emptyExpression("expr")
	}
	_, err := e.programs.get(expression, compileExpr)
	return err
}

// Evaluate runs the expression with every scope key as a top-level variable.
// Scope keys missing from data evaluate as empty.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("expr")
	}
	prg, err := e.programs.get(expression, compileExpr)
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(prg, withScopeDefaults(data))
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

// compileExpr compiles against the scope shape, so programs do not depend on
// the first data map they saw.
func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression,
		expr.Env(withScopeDefaults(nil)),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, compileError("expr", expression, err)
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
