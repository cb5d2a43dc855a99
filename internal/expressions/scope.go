package expressions

import (
	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/pkg/schema"
)

// Scope variable names shared by every engine.
const (
	ScopeResources = "resources"
	ScopeFetched   = "fetched"
	ScopeOutputs   = "outputs"
	ScopeTrigger   = "trigger"
	ScopeContext   = "context"
)

// Scope builds the expression data for a processing context. Every value is
// converted to plain maps and slices so all three engines can consume it.
func Scope(pc *processing.Context) map[string]any {
	resources := make(map[string]any, len(pc.ResourcesByID()))
	for id, list := range pc.ResourcesByID() {
		resources[id] = schema.Resources(list)
	}

	outputs := make(map[string]any, len(pc.Outputs()))
	for id, list := range pc.Outputs() {
		outputs[id] = schema.Resources(list)
	}

	trigger := map[string]any{}
	if n := pc.Notification; n != nil {
		trigger = map[string]any{
			"id":            n.ID,
			"patient_id":    n.PatientID,
			"resource_type": n.NotificationResourceType,
			"resource_id":   n.NotificationResourceID,
			"event":         n.TriggerEvent,
		}
	}

	return map[string]any{
		ScopeResources: resources,
		ScopeFetched:   schema.Resources(pc.AllResources()),
		ScopeOutputs:   outputs,
		ScopeTrigger:   trigger,
		ScopeContext: map[string]any{
			"run_id":      pc.RunID,
			"kar_id":      pc.KAR.ID,
			"kar_version": pc.KAR.Version,
			"sequence":    pc.Sequence(),
		},
	}
}

// withScopeDefaults copies data and binds every missing scope variable to an
// empty value of its shape.
func withScopeDefaults(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+5)
	for k, v := range data {
		out[k] = v
	}
	for _, key := range []string{ScopeResources, ScopeOutputs, ScopeTrigger, ScopeContext} {
		if out[key] == nil {
			out[key] = map[string]any{}
		}
	}
	if out[ScopeFetched] == nil {
		out[ScopeFetched] = []any{}
	}
	return out
}
