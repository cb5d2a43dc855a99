// Package kar holds the knowledge artifacts a process can execute.
package kar

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/karflow/pkg/schema"
)

// Validator checks an artifact before it is accepted. Satisfied by
// *validation.ArtifactValidator.
type Validator interface {
	ValidateArtifact(kar *schema.KnowledgeArtifact) error
}

// Info summarizes a stored artifact.
type Info struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Name    string `json:"name,omitempty"`
	Actions int    `json:"actions"`
}

// Repository is a thread-safe, versioned set of knowledge artifacts.
type Repository struct {
	validator Validator

	mu       sync.RWMutex
	versions map[string]map[string]*schema.KnowledgeArtifact // id -> version -> artifact
}

// NewRepository creates an empty Repository. A nil validator accepts every
// artifact.
func NewRepository(v Validator) *Repository {
	return &Repository{
		validator: v,
		versions:  make(map[string]map[string]*schema.KnowledgeArtifact),
	}
}

// Add validates and stores an artifact. A version can be added once.
func (r *Repository) Add(kar *schema.KnowledgeArtifact) error {
	if kar == nil {
		return schema.NewError(schema.ErrCodeValidation, "knowledge artifact is nil")
	}
	if kar.ID == "" || kar.Version == "" {
		return schema.NewError(schema.ErrCodeValidation, "knowledge artifact needs an id and a version")
	}
	if r.validator != nil {
		if err := r.validator.ValidateArtifact(kar); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	byVersion, ok := r.versions[kar.ID]
	if !ok {
		byVersion = make(map[string]*schema.KnowledgeArtifact)
		r.versions[kar.ID] = byVersion
	}
	if _, exists := byVersion[kar.Version]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "knowledge artifact %q already loaded", kar.VersionUniqueID())
	}
	byVersion[kar.Version] = kar
	return nil
}

// Get returns one version of an artifact. An empty version selects the
// latest.
func (r *Repository) Get(_ context.Context, id, version string) (*schema.KnowledgeArtifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byVersion, ok := r.versions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "knowledge artifact %q not found", id)
	}
	if version == "" {
		return byVersion[latest(byVersion)], nil
	}
	kar, ok := byVersion[version]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "knowledge artifact %s|%s not found", id, version)
	}
	return kar, nil
}

// GetByUniqueID resolves an "id|version" key.
func (r *Repository) GetByUniqueID(ctx context.Context, uniqueID string) (*schema.KnowledgeArtifact, error) {
	id, version, _ := strings.Cut(uniqueID, "|")
	return r.Get(ctx, id, version)
}

// Action finds an action anywhere in an artifact's tree.
func (r *Repository) Action(ctx context.Context, id, version, actionID string) (*schema.Action, error) {
	k, err := r.Get(ctx, id, version)
	if err != nil {
		return nil, err
	}
	a := k.ActionByID(actionID)
	if a == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not found in %s", actionID, k.VersionUniqueID())
	}
	return a, nil
}

// List returns every stored artifact version, sorted by id then version.
func (r *Repository) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Info
	for _, byVersion := range r.versions {
		for _, k := range byVersion {
			out = append(out, Info{ID: k.ID, Version: k.Version, Name: k.Name, Actions: len(k.Actions)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return compareVersions(out[i].Version, out[j].Version) < 0
	})
	return out
}

// Count returns the number of stored artifact versions.
func (r *Repository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, byVersion := range r.versions {
		n += len(byVersion)
	}
	return n
}

func latest(byVersion map[string]*schema.KnowledgeArtifact) string {
	var best string
	for v := range byVersion {
		if best == "" || compareVersions(v, best) > 0 {
			best = v
		}
	}
	return best
}

// compareVersions orders dotted versions segment by segment, numerically
// where both segments are numbers.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xn, xerr := strconv.Atoi(x)
		yn, yerr := strconv.Atoi(y)
		switch {
		case xerr == nil && yerr == nil:
			if xn != yn {
				if xn < yn {
					return -1
				}
				return 1
			}
		case x != y:
			return strings.Compare(x, y)
		}
	}
	return 0
}
