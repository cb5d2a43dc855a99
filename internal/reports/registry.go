package reports

import (
	"sort"
	"sync"

	"github.com/rendis/karflow/pkg/schema"
)

// Registry maps output profile identifiers to report creators. It is filled
// at start-up and read concurrently by every run afterwards.
type Registry struct {
	mu       sync.RWMutex
	creators map[string]ReportCreator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		creators: make(map[string]ReportCreator),
	}
}

// Register binds a creator to one or more profiles. Returns an error on a
// duplicate profile, leaving earlier profiles of the same call registered.
func (r *Registry) Register(creator ReportCreator, profiles ...string) error {
	if creator == nil {
		return schema.NewError(schema.ErrCodeValidation, "report creator is nil")
	}
	if len(profiles) == 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "report creator %q registered without a profile", creator.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range profiles {
		if p == "" {
			return schema.NewError(schema.ErrCodeValidation, "profile is empty")
		}
		if existing, ok := r.creators[p]; ok {
			return schema.NewErrorf(schema.ErrCodeConflict, "profile %q already registered to %q", p, existing.Name())
		}
		r.creators[p] = creator
	}
	return nil
}

// Lookup returns the creator registered for a profile.
func (r *Registry) Lookup(profile string) (ReportCreator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.creators[profile]
	return c, ok
}

// Profiles returns the registered profiles, sorted.
func (r *Registry) Profiles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.creators))
	for p := range r.creators {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of registered profiles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.creators)
}
