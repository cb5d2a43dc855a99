package expressions

import (
	"sync"

	"github.com/rendis/karflow/pkg/schema"
)

// programCache memoizes compiled programs by expression text. Safe for
// concurrent use; a failed compile is not cached.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{programs: make(map[string]P)}
}

func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	c.programs[expression] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

func compileError(lang, expression string, err error) *schema.KarError {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func evalError(lang, expression string, err error) *schema.KarError {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s evaluation failed for %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func emptyExpression(lang string) *schema.KarError {
	return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", lang)
}
