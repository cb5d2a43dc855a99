package schema

import "time"

// KnowledgeArtifact is a versioned, computable workflow definition: an ordered
// list of top-level actions plus the default queries its requirements resolve with.
type KnowledgeArtifact struct {
	ID             string                 `json:"id"`
	Version        string                 `json:"version"`
	Name           string                 `json:"name,omitempty"`
	Actions        []Action               `json:"actions"`
	DefaultQueries map[string]QueryFilter `json:"default_queries,omitempty"` // keyed by data requirement ID
	Metadata       map[string]any         `json:"metadata,omitempty"`
}

// VersionUniqueID identifies this exact version of the artifact.
func (k *KnowledgeArtifact) VersionUniqueID() string {
	return k.ID + "|" + k.Version
}

// ActionByID walks the action tree and returns the action with the given ID, or nil.
func (k *KnowledgeArtifact) ActionByID(id string) *Action {
	var find func(list []Action) *Action
	find = func(list []Action) *Action {
		for i := range list {
			if list[i].ID == id {
				return &list[i]
			}
			if a := find(list[i].SubActions); a != nil {
				return a
			}
		}
		return nil
	}
	return find(k.Actions)
}

// TriggerActionIDs returns the IDs of all trigger-check actions in depth-first
// declaration order. Position i maps to bit i of the trigger match bitmask.
func (k *KnowledgeArtifact) TriggerActionIDs() []string {
	var ids []string
	var walk func(list []Action)
	walk = func(list []Action) {
		for i := range list {
			if list[i].Kind == ActionCheckTriggerCodes {
				ids = append(ids, list[i].ID)
			}
			walk(list[i].SubActions)
		}
	}
	walk(k.Actions)
	return ids
}

// QueriesFor returns the named queries for an action: its own custom queries
// merged over the artifact defaults for its input requirement IDs.
func (k *KnowledgeArtifact) QueriesFor(a *Action) map[string]QueryFilter {
	out := make(map[string]QueryFilter)
	for _, dr := range a.Input {
		key := dr.ID
		if dr.QueryKey != "" {
			key = dr.QueryKey
		}
		if q, ok := k.DefaultQueries[key]; ok {
			out[dr.ID] = q
		}
	}
	for id, q := range a.Queries {
		out[id] = q
	}
	return out
}

// ActionKind tags the processing role of an action.
type ActionKind string

const (
	ActionCheckTriggerCodes   ActionKind = "check-trigger-codes"
	ActionEvaluateCondition   ActionKind = "evaluate-condition"
	ActionCreateReport        ActionKind = "create-report"
	ActionValidateReport      ActionKind = "validate-report"
	ActionSubmitReport        ActionKind = "submit-report"
	ActionInitiateReporting   ActionKind = "initiate-reporting-workflow"
	ActionExecuteReporting    ActionKind = "execute-reporting-workflow"
	ActionTerminateReporting  ActionKind = "terminate-reporting-workflow"
	ActionCompleteReporting   ActionKind = "complete-reporting"
	ActionCheckParticipantReg ActionKind = "check-participant-registration"
	ActionExtractResearchData ActionKind = "extract-research-data"
)

// Action is one node of the workflow graph.
type Action struct {
	ID          string                 `json:"id"`
	Kind        ActionKind             `json:"type,omitempty"`
	Description string                 `json:"description,omitempty"`
	Timing      []TimingConstraint     `json:"timing,omitempty"`
	Conditions  []Condition            `json:"conditions,omitempty"` // all must hold; none means open
	Input       []DataRequirement      `json:"input,omitempty"`
	Output      []DataRequirement      `json:"output,omitempty"`
	Queries     map[string]QueryFilter `json:"queries,omitempty"` // custom queries keyed by requirement ID
	SubActions  []Action               `json:"actions,omitempty"`
	Related     []RelatedAction        `json:"related_actions,omitempty"`
}

// HasTiming reports whether the action declares any timing constraint.
func (a *Action) HasTiming() bool {
	return len(a.Timing) > 0
}

// TimingConstraint defers an action relative to the trigger time.
// Offset is a Go duration ("10m", "72h"); Cron is a 5-field schedule whose
// first fire after the trigger time is the due time. When both are set the
// later of the two wins.
type TimingConstraint struct {
	Offset string `json:"offset,omitempty"`
	Cron   string `json:"cron,omitempty"`
}

// Condition language identifiers.
const (
	LanguageCEL  = "text/cel"
	LanguageExpr = "text/expr"
	LanguageJQ   = "text/jq"
)

// Condition is a boolean gate expression.
type Condition struct {
	Language   string `json:"language,omitempty"` // default text/cel
	Expression string `json:"expression"`
}

// DataRequirement declares data an action consumes or produces.
type DataRequirement struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`                // FHIR resource type
	Profiles []string `json:"profile,omitempty"`   // output profiles select report creators
	QueryKey string   `json:"query_key,omitempty"` // named default query to resolve with
}

// HasProfile reports whether the requirement declares at least one profile.
func (d DataRequirement) HasProfile() bool {
	return len(d.Profiles) > 0
}

// QueryFilter is a named query against the record system. Query is a relative
// search URL template with {{placeholders}} filled from the notification;
// Filter is an optional jq expression applied to each returned resource.
type QueryFilter struct {
	ResourceType string `json:"resource_type"`
	Query        string `json:"query"`
	Filter       string `json:"filter,omitempty"`
}

// RelatedAction is a "triggers-next" edge to an independent action.
type RelatedAction struct {
	ActionID     string `json:"action_id"`
	Relationship string `json:"relationship,omitempty"` // e.g. "after-end"
	Offset       string `json:"offset,omitempty"`
}

// ActionStatus is the ledger status of one execution attempt of an action.
type ActionStatus string

const (
	ActionStatusScheduled  ActionStatus = "SCHEDULED"
	ActionStatusInProgress ActionStatus = "IN_PROGRESS"
	ActionStatusCompleted  ActionStatus = "COMPLETED"
	ActionStatusFailed     ActionStatus = "FAILED"
	ActionStatusAborted    ActionStatus = "ABORTED"
)

// IsTerminal reports whether the status ends an execution attempt.
func (s ActionStatus) IsTerminal() bool {
	switch s {
	case ActionStatusCompleted, ActionStatusFailed, ActionStatusAborted:
		return true
	default:
		return false
	}
}

// NotificationContext is the trigger metadata that starts one run.
type NotificationContext struct {
	ID                       string    `json:"id"`
	FHIRServerBaseURL        string    `json:"fhir_server_base_url"`
	PatientID                string    `json:"patient_id"`
	NotificationResourceID   string    `json:"notification_resource_id"`
	NotificationResourceType string    `json:"notification_resource_type"`
	TriggerEvent             string    `json:"trigger_event,omitempty"`
	CorrelationID            string    `json:"x_correlation_id,omitempty"`
	RequestID                string    `json:"x_request_id,omitempty"`
	TriggeredAt              time.Time `json:"triggered_at"`
}

// Validate checks that the trigger metadata needed to build a processing context is present.
func (n *NotificationContext) Validate() error {
	if n == nil {
		return NewError(ErrCodeContextInvalid, "notification context is nil")
	}
	var missing []string
	if n.PatientID == "" {
		missing = append(missing, "patient_id")
	}
	if n.NotificationResourceType == "" {
		missing = append(missing, "notification_resource_type")
	}
	if n.NotificationResourceID == "" {
		missing = append(missing, "notification_resource_id")
	}
	if len(missing) > 0 {
		return NewErrorf(ErrCodeContextInvalid, "notification context missing %v", missing).
			WithDetails(map[string]any{"missing": missing})
	}
	return nil
}
