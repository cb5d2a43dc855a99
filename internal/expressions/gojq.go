package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/karflow/pkg/schema"
)

// GoJQEngine evaluates text/jq conditions. The EHR client also uses it for
// named-query result filters and search bundle extraction.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

// NewGoJQEngine creates a jq engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache[*gojq.Code]()}
}

func (e *GoJQEngine) Language() string { return schema.LanguageJQ }

// Evaluate runs a jq expression against data. A single output is returned
// directly, multiple outputs are collected into []any, no output yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.run(ctx, expression, normalizeForJQ(data))
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll is like Evaluate but always returns every output as a slice.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, input any) ([]any, error) {
	return e.run(ctx, expression, normalizeForJQ(input))
}

// Filter keeps the resources for which the expression's first output is
// truthy. An empty expression keeps everything.
func (e *GoJQEngine) Filter(ctx context.Context, expression string, resources []schema.Resource) ([]schema.Resource, error) {
	if expression == "" {
		return resources, nil
	}
	var kept []schema.Resource
	for _, r := range resources {
		out, err := e.run(ctx, expression, normalizeForJQ(map[string]any(r)))
		if err != nil {
			return nil, err
		}
		if len(out) > 0 && Truthy(out[0]) {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func (e *GoJQEngine) run(ctx context.Context, expression string, input any) ([]any, error) {
	if expression == "" {
		return nil, emptyExpression("jq")
	}
	code, err := e.programs.get(expression, compileJQ)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, evalError("jq", expression, err)
		}
		results = append(results, val)
	}
	return results, nil
}

// Compile checks that an expression parses and compiles.
func (e *GoJQEngine) Compile(expression string) error {
	if expression == "" {
		return emptyExpression("jq")
	}
	_, err := e.programs.get(expression, compileJQ)
	return err
}

// compileJQ compiles with an empty environment so $ENV exposes nothing.
func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, compileError("jq", expression, err)
	}
	return code, nil
}

// normalizeForJQ converts Go native types to jq-compatible types.
// jq uses float64 for all numbers and only understands generic maps and slices.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case schema.Resource:
		return normalizeForJQ(map[string]any(val))
	case []schema.Resource:
		out := make([]any, len(val))
		for i, r := range val {
			out[i] = normalizeForJQ(map[string]any(r))
		}
		return out
	case map[string][]schema.Resource:
		out := make(map[string]any, len(val))
		for k, list := range val {
			out[k] = normalizeForJQ(list)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

// Truthy follows jq semantics: only false and null are false.
func Truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	default:
		return true
	}
}

var _ Engine = (*GoJQEngine)(nil)
