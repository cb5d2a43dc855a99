package validation

import (
	"context"
	"fmt"

	"github.com/rendis/karflow/internal/expressions"
	"github.com/rendis/karflow/pkg/schema"
)

// semanticChecker carries what the semantic pass needs across the action tree.
type semanticChecker struct {
	kar     *schema.KnowledgeArtifact
	opts    Options
	jq      *expressions.GoJQEngine
	ids     map[string]string // action ID -> path of first declaration
	result  *schema.ValidationResult
	context context.Context
}

// validateSemantic checks what the schema cannot express: unique action IDs,
// resolvable related actions and query keys, and compilable timing,
// condition and filter expressions.
func validateSemantic(ctx context.Context, kar *schema.KnowledgeArtifact, opts Options) *schema.ValidationResult {
	sc := &semanticChecker{
		kar:     kar,
		opts:    opts,
		jq:      expressions.NewGoJQEngine(),
		ids:     make(map[string]string),
		result:  &schema.ValidationResult{},
		context: ctx,
	}

	sc.collectIDs(kar.Actions, "actions")
	for key, q := range kar.DefaultQueries {
		sc.checkQuery(fmt.Sprintf("default_queries.%s", key), q)
	}
	sc.walk(kar.Actions, "actions")
	return sc.result
}

func (sc *semanticChecker) collectIDs(list []schema.Action, path string) {
	for i := range list {
		a := &list[i]
		p := fmt.Sprintf("%s[%d]", path, i)
		if first, dup := sc.ids[a.ID]; dup {
			sc.result.AddError(p+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate action id %q (first declared at %s)", a.ID, first))
		} else {
			sc.ids[a.ID] = p
		}
		sc.collectIDs(a.SubActions, p+".actions")
	}
}

func (sc *semanticChecker) walk(list []schema.Action, path string) {
	for i := range list {
		p := fmt.Sprintf("%s[%d]", path, i)
		sc.checkAction(&list[i], p)
		sc.walk(list[i].SubActions, p+".actions")
	}
}

func (sc *semanticChecker) checkAction(a *schema.Action, path string) {
	for j, rel := range a.Related {
		if _, ok := sc.ids[rel.ActionID]; !ok {
			sc.result.AddError(fmt.Sprintf("%s.related_actions[%d]", path, j), schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent action %q", rel.ActionID))
		}
	}

	sc.checkRequirements(a.Input, path+".input", true)
	sc.checkRequirements(a.Output, path+".output", false)

	for key, q := range a.Queries {
		sc.checkQuery(fmt.Sprintf("%s.queries.%s", path, key), q)
	}

	if sc.opts.Timing != nil {
		for j, tc := range a.Timing {
			if err := sc.opts.Timing.Validate(tc); err != nil {
				sc.result.AddError(fmt.Sprintf("%s.timing[%d]", path, j), schema.ErrCodeValidation, err.Error())
			}
		}
	}
	if sc.opts.Conditions != nil {
		for j, c := range a.Conditions {
			if err := sc.opts.Conditions.Check(sc.context, c); err != nil {
				sc.result.AddError(fmt.Sprintf("%s.conditions[%d]", path, j), schema.ErrCodeValidation, err.Error())
			}
		}
	}
	if len(a.Conditions) > 0 && len(a.SubActions) == 0 && len(a.Related) == 0 && a.Kind != schema.ActionCheckTriggerCodes {
		sc.result.AddWarning(path+".conditions", schema.ErrCodeValidation,
			fmt.Sprintf("action %q has conditions but nothing to gate", a.ID))
	}
}

func (sc *semanticChecker) checkRequirements(reqs []schema.DataRequirement, path string, input bool) {
	seen := make(map[string]bool, len(reqs))
	for j, dr := range reqs {
		p := fmt.Sprintf("%s[%d]", path, j)
		if seen[dr.ID] {
			sc.result.AddError(p+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate requirement id %q", dr.ID))
		}
		seen[dr.ID] = true

		if input {
			if dr.QueryKey != "" {
				if _, ok := sc.kar.DefaultQueries[dr.QueryKey]; !ok {
					sc.result.AddError(p+".query_key", schema.ErrCodeValidation,
						fmt.Sprintf("references non-existent default query %q", dr.QueryKey))
				}
			}
			continue
		}

		if !dr.HasProfile() {
			sc.result.AddWarning(p+".profile", schema.ErrCodeValidation,
				fmt.Sprintf("output requirement %q declares no profile and will produce nothing", dr.ID))
			continue
		}
		if sc.opts.Profiles == nil {
			continue
		}
		for _, profile := range dr.Profiles {
			if _, ok := sc.opts.Profiles.Lookup(profile); !ok {
				sc.result.AddWarning(p+".profile", schema.ErrCodeNotFound,
					fmt.Sprintf("no report creator registered for profile %q", profile))
			}
		}
	}
}

func (sc *semanticChecker) checkQuery(path string, q schema.QueryFilter) {
	if q.Filter == "" {
		return
	}
	if err := sc.jq.Compile(q.Filter); err != nil {
		sc.result.AddError(path+".filter", schema.ErrCodeValidation, err.Error())
	}
}
