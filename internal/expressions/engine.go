// Package expressions compiles and evaluates the condition languages a
// knowledge artifact may use, over the scope built from a processing context.
package expressions

import "context"

// Engine evaluates condition expressions of one language.
type Engine interface {
	// Language is the condition language URI the engine serves, e.g. "text/cel".
	Language() string
	// Compile reports syntax and type errors without evaluating.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, scope map[string]any) (any, error)
}
