// Package processing holds the per-run mutable state threaded through every
// action of one knowledge-artifact run.
package processing

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/karflow/internal/ledger"
	"github.com/rendis/karflow/pkg/schema"
)

// Failure is a recoverable error absorbed at an action boundary.
type Failure struct {
	ActionID string    `json:"action_id"`
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Context is owned by exactly one run and is not safe for concurrent use,
// with the exception of its ledger.
type Context struct {
	RunID        string
	Notification *schema.NotificationContext
	KAR          *schema.KnowledgeArtifact
	CreatedAt    time.Time

	// SubmittedCdaData is the last document payload routed to persistence.
	SubmittedCdaData string

	resources    map[string][]schema.Resource
	outputs      map[string][]schema.Resource
	outputsByReq map[string][]schema.Resource
	ledger       *ledger.Ledger
	active       map[string]bool
	triggers     map[string]bool
	messages     []string
	failures     []Failure
}

// New validates the trigger metadata and builds a fresh context.
// A missing notification field or artifact is a fatal CONTEXT_INVALID error.
func New(n *schema.NotificationContext, kar *schema.KnowledgeArtifact) (*Context, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	if kar == nil || kar.ID == "" {
		return nil, schema.NewError(schema.ErrCodeContextInvalid, "knowledge artifact is required")
	}
	pc := newContext(n, kar)
	pc.RunID = uuid.New().String()
	pc.CreatedAt = time.Now().UTC()
	pc.ledger = ledger.New()
	return pc, nil
}

func newContext(n *schema.NotificationContext, kar *schema.KnowledgeArtifact) *Context {
	return &Context{
		Notification: n,
		KAR:          kar,
		resources:    make(map[string][]schema.Resource),
		outputs:      make(map[string][]schema.Resource),
		outputsByReq: make(map[string][]schema.Resource),
		active:       make(map[string]bool),
		triggers:     make(map[string]bool),
	}
}

// --- Resources ---

// SetResources records the result of resolving a requirement or named query.
// An empty result is recorded too so later lookups can tell "resolved to
// nothing" apart from "never resolved".
func (c *Context) SetResources(id string, list []schema.Resource) {
	if list == nil {
		list = []schema.Resource{}
	}
	c.resources[id] = list
}

// AddResources appends to the resources held under id, skipping resources
// already present with the same key.
func (c *Context) AddResources(id string, list ...schema.Resource) {
	existing := c.resources[id]
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		if k := r.Key(); k != "" {
			seen[k] = true
		}
	}
	for _, r := range list {
		if k := r.Key(); k != "" {
			if seen[k] {
				continue
			}
			seen[k] = true
		}
		existing = append(existing, r)
	}
	if existing == nil {
		existing = []schema.Resource{}
	}
	c.resources[id] = existing
}

// Resources returns what a requirement resolved to, and whether it was resolved at all.
func (c *Context) Resources(id string) ([]schema.Resource, bool) {
	list, ok := c.resources[id]
	return list, ok
}

// ResourcesByID returns the full resolved-group map. Callers must not mutate it.
func (c *Context) ResourcesByID() map[string][]schema.Resource {
	return c.resources
}

// AllResources returns every resolved resource once, in group ID order.
func (c *Context) AllResources() []schema.Resource {
	ids := make([]string, 0, len(c.resources))
	for id := range c.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	seen := make(map[string]bool)
	var out []schema.Resource
	for _, id := range ids {
		for _, r := range c.resources[id] {
			if k := r.Key(); k != "" {
				if seen[k] {
					continue
				}
				seen[k] = true
			}
			out = append(out, r)
		}
	}
	return out
}

// ResourcesOfType returns every resolved resource of a FHIR resource type.
func (c *Context) ResourcesOfType(resourceType string) []schema.Resource {
	var out []schema.Resource
	for _, r := range c.AllResources() {
		if r.ResourceType() == resourceType {
			out = append(out, r)
		}
	}
	return out
}

// --- Action outputs ---

// AddActionOutput records an artifact resource under the producing action.
func (c *Context) AddActionOutput(actionID string, r schema.Resource) {
	c.outputs[actionID] = append(c.outputs[actionID], r)
}

// AddActionOutputByID records an artifact resource under the output requirement that declared it.
func (c *Context) AddActionOutputByID(requirementID string, r schema.Resource) {
	c.outputsByReq[requirementID] = append(c.outputsByReq[requirementID], r)
}

// ActionOutputs returns the artifacts an action produced.
func (c *Context) ActionOutputs(actionID string) []schema.Resource {
	return c.outputs[actionID]
}

// OutputsByRequirement returns the artifacts produced for an output requirement.
func (c *Context) OutputsByRequirement(requirementID string) []schema.Resource {
	return c.outputsByReq[requirementID]
}

// Outputs returns the full action output map. Callers must not mutate it.
func (c *Context) Outputs() map[string][]schema.Resource {
	return c.outputs
}

// --- Ledger ---

// Ledger returns the run's status ledger.
func (c *Context) Ledger() *ledger.Ledger {
	return c.ledger
}

// RecordStatus appends a status to the ledger under the next execution sequence number.
func (c *Context) RecordStatus(actionID string, status schema.ActionStatus, detail string) ledger.Entry {
	return c.ledger.Append(actionID, status, detail)
}

// Sequence returns the last execution sequence number issued, or 0.
func (c *Context) Sequence() int64 {
	entries := c.ledger.Entries()
	if len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].Seq
}

// --- Call stack ---

// Enter marks an action active on the current call stack. Re-entering an
// action that is already active fails with CYCLE_DETECTED.
func (c *Context) Enter(actionID string) error {
	if c.active[actionID] {
		return schema.NewErrorf(schema.ErrCodeCycleDetected, "action %q is already active on the call stack", actionID).
			WithAction(actionID)
	}
	c.active[actionID] = true
	return nil
}

// Leave removes an action from the call stack.
func (c *Context) Leave(actionID string) {
	delete(c.active, actionID)
}

// Active reports whether an action is on the call stack.
func (c *Context) Active(actionID string) bool {
	return c.active[actionID]
}

// --- Trigger matching ---

// MarkTriggerMatched records that a trigger-check action's condition held.
func (c *Context) MarkTriggerMatched(actionID string) {
	c.triggers[actionID] = true
}

// TriggerMatchStatus returns the bitmask of matched trigger-check actions:
// bit i is set when the i-th trigger-check action of the artifact matched.
func (c *Context) TriggerMatchStatus() int64 {
	var mask int64
	for i, id := range c.KAR.TriggerActionIDs() {
		if i >= 63 {
			break
		}
		if c.triggers[id] {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// --- Messages and failures ---

// RecordMessage remembers the ID of a persisted public-health message.
func (c *Context) RecordMessage(id string) {
	c.messages = append(c.messages, id)
}

// Messages returns the IDs of messages persisted during the run.
func (c *Context) Messages() []string {
	return append([]string(nil), c.messages...)
}

// RecordFailure keeps a recoverable error for the run report.
func (c *Context) RecordFailure(actionID string, err error) {
	code := schema.CodeOf(err)
	if code == "" {
		code = schema.ErrCodeExecution
	}
	c.failures = append(c.failures, Failure{
		ActionID: actionID,
		Code:     code,
		Message:  err.Error(),
		At:       time.Now().UTC(),
	})
}

// Failures returns the recoverable errors absorbed so far.
func (c *Context) Failures() []Failure {
	return append([]Failure(nil), c.failures...)
}

// --- Snapshot ---

// Snapshot is the serializable form of a context, persisted with a scheduled
// action so the action can resume later on the same state.
type Snapshot struct {
	RunID            string                       `json:"run_id"`
	Notification     *schema.NotificationContext  `json:"notification"`
	KARID            string                       `json:"kar_id"`
	KARVersion       string                       `json:"kar_version"`
	CreatedAt        time.Time                    `json:"created_at"`
	Resources        map[string][]schema.Resource `json:"resources,omitempty"`
	Outputs          map[string][]schema.Resource `json:"outputs,omitempty"`
	OutputsByReq     map[string][]schema.Resource `json:"outputs_by_requirement,omitempty"`
	Ledger           []ledger.Entry               `json:"ledger"`
	TriggersMatched  []string                     `json:"triggers_matched,omitempty"`
	Messages         []string                     `json:"messages,omitempty"`
	Failures         []Failure                    `json:"failures,omitempty"`
	SubmittedCdaData string                       `json:"submitted_cda_data,omitempty"`
}

// Snapshot captures the context as JSON.
func (c *Context) Snapshot() ([]byte, error) {
	triggers := make([]string, 0, len(c.triggers))
	for id := range c.triggers {
		triggers = append(triggers, id)
	}
	sort.Strings(triggers)

	snap := Snapshot{
		RunID:            c.RunID,
		Notification:     c.Notification,
		KARID:            c.KAR.ID,
		KARVersion:       c.KAR.Version,
		CreatedAt:        c.CreatedAt,
		Resources:        c.resources,
		Outputs:          c.outputs,
		OutputsByReq:     c.outputsByReq,
		Ledger:           c.ledger.Entries(),
		TriggersMatched:  triggers,
		Messages:         c.messages,
		Failures:         c.failures,
		SubmittedCdaData: c.SubmittedCdaData,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal context snapshot: %w", err)
	}
	return data, nil
}

// Restore rebuilds a context from a snapshot against the artifact it was taken
// with. The call stack starts empty.
func Restore(data []byte, kar *schema.KnowledgeArtifact) (*Context, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, schema.NewError(schema.ErrCodeContextInvalid, "malformed context snapshot").WithCause(err)
	}
	if err := snap.Notification.Validate(); err != nil {
		return nil, err
	}
	if kar == nil || kar.ID != snap.KARID {
		return nil, schema.NewErrorf(schema.ErrCodeContextInvalid, "snapshot was taken with artifact %q", snap.KARID)
	}

	c := newContext(snap.Notification, kar)
	c.RunID = snap.RunID
	c.CreatedAt = snap.CreatedAt
	c.SubmittedCdaData = snap.SubmittedCdaData
	c.ledger = ledger.FromEntries(snap.Ledger)
	for id, list := range snap.Resources {
		c.SetResources(id, list)
	}
	for id, list := range snap.Outputs {
		c.outputs[id] = list
	}
	for id, list := range snap.OutputsByReq {
		c.outputsByReq[id] = list
	}
	for _, id := range snap.TriggersMatched {
		c.triggers[id] = true
	}
	c.messages = snap.Messages
	c.failures = snap.Failures
	return c, nil
}
