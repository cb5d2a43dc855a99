package engine

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/karflow/internal/conditions"
	"github.com/rendis/karflow/internal/logging"
	"github.com/rendis/karflow/internal/phmessage"
	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/internal/reports"
	"github.com/rendis/karflow/internal/timing"
	"github.com/rendis/karflow/pkg/schema"
)

var baseTime = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeQueries struct {
	mu         sync.Mutex
	byType     map[string][]schema.Resource
	named      map[string][]schema.Resource
	errs       map[string]error
	reference  []schema.Resource
	fetched    []string
	namedKeys  []string
	refCalls   int
	fetchCalls int
}

func (f *fakeQueries) ExecuteNamedQuery(_ context.Context, pc *processing.Context, key string, _ schema.QueryFilter) ([]schema.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.namedKeys = append(f.namedKeys, key)
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	list := f.named[key]
	pc.SetResources(key, list)
	return list, nil
}

func (f *fakeQueries) FetchByRequirements(_ context.Context, pc *processing.Context, reqs []schema.DataRequirement) (map[string][]schema.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	out := make(map[string][]schema.Resource)
	for _, dr := range reqs {
		f.fetched = append(f.fetched, dr.ID)
		if err := f.errs[dr.ID]; err != nil {
			if schema.IsFatal(err) {
				return out, err
			}
			continue
		}
		list := f.byType[dr.Type]
		pc.SetResources(dr.ID, list)
		out[dr.ID] = list
	}
	return out, nil
}

func (f *fakeQueries) FetchReferenceData(_ context.Context, pc *processing.Context) ([]schema.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refCalls++
	if f.reference != nil {
		pc.SetResources("jurisdiction", f.reference)
	}
	return f.reference, nil
}

func (f *fakeQueries) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched) + len(f.namedKeys)
}

type fakeCreator struct {
	name   string
	art    func(in reports.Input) *reports.Artifact
	err    error
	inputs []reports.Input
}

func (c *fakeCreator) Name() string { return c.name }

func (c *fakeCreator) Create(_ context.Context, _ *processing.Context, in reports.Input) (*reports.Artifact, error) {
	c.inputs = append(c.inputs, in)
	if c.err != nil {
		return nil, c.err
	}
	if c.art == nil {
		return nil, nil
	}
	return c.art(in), nil
}

type fakePersister struct {
	calls []string
	err   error
}

func (p *fakePersister) Persist(_ context.Context, pc *processing.Context, action *schema.Action, _ *reports.Artifact) ([]*phmessage.PublicHealthMessage, error) {
	p.calls = append(p.calls, action.ID)
	if p.err != nil {
		return nil, p.err
	}
	msg := &phmessage.PublicHealthMessage{ID: "msg-" + action.ID, InitiatingAction: string(action.Kind), SubmittedVersion: len(p.calls)}
	pc.RecordMessage(msg.ID)
	return []*phmessage.PublicHealthMessage{msg}, nil
}

type scheduledCall struct {
	ActionID string
	DueAt    time.Time
}

type fakeRescheduler struct {
	calls []scheduledCall
	err   error
}

func (r *fakeRescheduler) Reschedule(_ context.Context, _ *processing.Context, action *schema.Action, dueAt time.Time) error {
	r.calls = append(r.calls, scheduledCall{ActionID: action.ID, DueAt: dueAt})
	return r.err
}

// --- harness ---

type harness struct {
	now         time.Time
	queries     *fakeQueries
	registry    *reports.Registry
	persister   *fakePersister
	rescheduler *fakeRescheduler
	exec        *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		now:         baseTime,
		queries:     &fakeQueries{byType: map[string][]schema.Resource{}, named: map[string][]schema.Resource{}, errs: map[string]error{}},
		registry:    reports.NewRegistry(),
		persister:   &fakePersister{},
		rescheduler: &fakeRescheduler{},
	}
	clock := func() time.Time { return h.now }
	conds, err := conditions.NewEvaluator(logging.NewNop())
	require.NoError(t, err)
	h.exec, err = NewExecutor(Deps{
		Timing:      timing.NewEvaluator(clock),
		Conditions:  conds,
		Queries:     h.queries,
		Reports:     h.registry,
		Persister:   h.persister,
		Rescheduler: h.rescheduler,
		Clock:       clock,
	}, logging.NewNop())
	require.NoError(t, err)
	return h
}

func newContext(t *testing.T, kar *schema.KnowledgeArtifact) *processing.Context {
	t.Helper()
	pc, err := processing.New(&schema.NotificationContext{
		PatientID:                "pat-1",
		NotificationResourceID:   "enc-1",
		NotificationResourceType: "Encounter",
		TriggeredAt:              baseTime,
	}, kar)
	require.NoError(t, err)
	return pc
}

func res(rt, id string) schema.Resource { return schema.NewResource(rt, id) }

type step struct {
	ActionID string
	Status   schema.ActionStatus
}

func steps(pc *processing.Context) []step {
	var out []step
	for _, e := range pc.Ledger().Entries() {
		out = append(out, step{e.ActionID, e.Status})
	}
	return out
}

func docArtifact(in reports.Input) *reports.Artifact {
	return &reports.Artifact{Bundle: schema.Resource{
		"resourceType": "Bundle",
		"type":         "message",
		"entry": []any{
			map[string]any{"resource": map[string]any{"resourceType": "MessageHeader", "id": "h1"}},
			map[string]any{"resource": map[string]any{
				"resourceType": "DocumentReference", "id": "d1",
				"content": []any{map[string]any{"attachment": map[string]any{
					"data": base64.StdEncoding.EncodeToString([]byte("<ClinicalDocument/>")),
				}}},
			}},
		},
	}}
}

func structuredArtifact(in reports.Input) *reports.Artifact {
	return &reports.Artifact{Bundle: schema.Resource{"resourceType": "Bundle", "id": "s1", "type": "document"}}
}

// --- tests ---

func TestNewExecutor_RequiresCollaborators(t *testing.T) {
	_, err := NewExecutor(Deps{}, nil)
	assert.Error(t, err)
}

func TestExecute_NotDueRecordsSingleScheduledEntry(t *testing.T) {
	h := newHarness(t)
	root := schema.Action{
		ID:         "root",
		Kind:       schema.ActionCheckTriggerCodes,
		Timing:     []schema.TimingConstraint{{Offset: "10m"}},
		Input:      []schema.DataRequirement{{ID: "conds", Type: "Condition"}},
		Output:     []schema.DataRequirement{{ID: "eicr", Profiles: []string{"p"}}},
		SubActions: []schema.Action{{ID: "child"}},
	}
	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{root}}
	creator := &fakeCreator{name: "c", art: docArtifact}
	require.NoError(t, h.registry.Register(creator, "p"))
	pc := newContext(t, kar)

	out, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusScheduled, out.Status)
	require.NotNil(t, out.DueAt)
	assert.Equal(t, baseTime.Add(10*time.Minute), *out.DueAt)

	entries := pc.Ledger().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, "root", entries[0].ActionID)
	assert.Equal(t, schema.ActionStatusScheduled, entries[0].Status)

	assert.Zero(t, h.queries.calls())
	assert.Zero(t, h.queries.refCalls)
	assert.Empty(t, creator.inputs)
	assert.Empty(t, h.persister.calls)
	assert.Empty(t, pc.ResourcesByID())
	assert.Empty(t, pc.Outputs())
	assert.Equal(t, []scheduledCall{{ActionID: "root", DueAt: baseTime.Add(10 * time.Minute)}}, h.rescheduler.calls)
}

func TestExecute_BecomesDueLater(t *testing.T) {
	h := newHarness(t)
	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{{
		ID: "root", Timing: []schema.TimingConstraint{{Offset: "10m"}},
	}}}
	pc := newContext(t, kar)
	ctx := context.Background()

	_, err := h.exec.Execute(ctx, pc, &kar.Actions[0])
	require.NoError(t, err)
	before := pc.Ledger().Entries()

	h.now = baseTime.Add(11 * time.Minute)
	out, err := h.exec.Execute(ctx, pc, &kar.Actions[0])
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusCompleted, out.Status)

	after := pc.Ledger().Entries()
	require.Greater(t, len(after), len(before))
	assert.Equal(t, before, after[:len(before)], "prior entries are never rewritten")
	assert.Equal(t, []step{
		{"root", schema.ActionStatusScheduled},
		{"root", schema.ActionStatusInProgress},
		{"root", schema.ActionStatusCompleted},
	}, steps(pc))
}

func TestExecute_ConditionFalseSuppressesDescendants(t *testing.T) {
	h := newHarness(t)
	h.queries.byType["Condition"] = []schema.Resource{res("Condition", "c1")}
	h.queries.byType["Observation"] = []schema.Resource{res("Observation", "o1")}
	creator := &fakeCreator{name: "c", art: docArtifact}
	require.NoError(t, h.registry.Register(creator, "child-profile"))

	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{
		{
			ID:         "gate",
			Conditions: []schema.Condition{{Expression: "false"}},
			Input:      []schema.DataRequirement{{ID: "conds", Type: "Condition"}},
			SubActions: []schema.Action{{
				ID:     "child",
				Input:  []schema.DataRequirement{{ID: "labs", Type: "Observation"}},
				Output: []schema.DataRequirement{{ID: "out", Profiles: []string{"child-profile"}}},
			}},
			Related: []schema.RelatedAction{{ActionID: "next"}},
		},
		{ID: "next", Input: []schema.DataRequirement{{ID: "labs2", Type: "Observation"}}},
	}}
	pc := newContext(t, kar)

	out, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusCompleted, out.Status)
	assert.False(t, out.ConditionMet)
	assert.Empty(t, out.SubActions)
	assert.Empty(t, out.Related)

	assert.Equal(t, []string{"conds"}, h.queries.fetched)
	assert.Empty(t, creator.inputs)
	assert.Equal(t, []step{
		{"gate", schema.ActionStatusInProgress},
		{"gate", schema.ActionStatusCompleted},
	}, steps(pc))
	last, _ := pc.Ledger().Last("gate")
	assert.Equal(t, "condition not met", last.Detail)
}

func TestExecute_WorkingSetDropsEmptyRequirements(t *testing.T) {
	h := newHarness(t)
	h.queries.byType["Condition"] = []schema.Resource{res("Condition", "c1"), res("Condition", "c2")}
	creator := &fakeCreator{name: "c", art: structuredArtifact}
	require.NoError(t, h.registry.Register(creator, "p"))

	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{{
		ID: "a",
		Input: []schema.DataRequirement{
			{ID: "R1", Type: "Condition"},
			{ID: "R2", Type: "Observation"},
		},
		Output: []schema.DataRequirement{{ID: "out", Profiles: []string{"p"}}},
	}}}
	pc := newContext(t, kar)

	_, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.NoError(t, err)

	require.Len(t, creator.inputs, 1)
	working := creator.inputs[0].Resources
	assert.Len(t, working, 1)
	assert.Len(t, working["R1"], 2)
	_, hasR2 := working["R2"]
	assert.False(t, hasR2)

	r2, ok := pc.Resources("R2")
	assert.True(t, ok, "R2 is recorded as resolved")
	assert.Empty(t, r2)
}

func TestExecute_LedgerOrderSubThenParentThenRelated(t *testing.T) {
	h := newHarness(t)
	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{
		{
			ID:         "parent",
			SubActions: []schema.Action{{ID: "sub"}},
			Related:    []schema.RelatedAction{{ActionID: "related"}},
		},
		{ID: "related"},
	}}
	pc := newContext(t, kar)

	out, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.NoError(t, err)
	require.Len(t, out.SubActions, 1)
	require.Len(t, out.Related, 1)

	assert.Equal(t, []step{
		{"parent", schema.ActionStatusInProgress},
		{"sub", schema.ActionStatusInProgress},
		{"sub", schema.ActionStatusCompleted},
		{"parent", schema.ActionStatusCompleted},
		{"related", schema.ActionStatusInProgress},
		{"related", schema.ActionStatusCompleted},
	}, steps(pc))

	for i, e := range pc.Ledger().Entries() {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestExecute_MissingCreatorIsNonFatal(t *testing.T) {
	h := newHarness(t)
	creator := &fakeCreator{name: "c", art: structuredArtifact}
	require.NoError(t, h.registry.Register(creator, "registered"))

	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{{
		ID: "a",
		Output: []schema.DataRequirement{
			{ID: "missing", Profiles: []string{"unregistered"}},
			{ID: "present", Profiles: []string{"registered"}},
		},
	}}}
	pc := newContext(t, kar)

	out, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusCompleted, out.Status)
	require.Len(t, out.Artifacts, 1)
	assert.Equal(t, "present", out.Artifacts[0].RequirementID)
	assert.Len(t, pc.OutputsByRequirement("present"), 1)
	assert.Empty(t, pc.OutputsByRequirement("missing"))
	assert.Empty(t, pc.Failures())
}

func TestExecute_DocumentArtifactsArePersisted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(&fakeCreator{name: "cda", art: docArtifact}, "cda"))
	require.NoError(t, h.registry.Register(&fakeCreator{name: "fhir", art: structuredArtifact}, "fhir"))

	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{{
		ID:     "create",
		Kind:   schema.ActionCreateReport,
		Output: []schema.DataRequirement{{ID: "eicr", Profiles: []string{"cda", "fhir"}}},
	}}}
	pc := newContext(t, kar)

	out, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.NoError(t, err)
	assert.Len(t, out.Artifacts, 2)
	assert.Equal(t, []string{"create"}, h.persister.calls, "structured-only artifacts are not persisted")
	require.Len(t, out.Messages, 1)
	assert.Equal(t, []string{"msg-create"}, pc.Messages())
	assert.Len(t, pc.ActionOutputs("create"), 2)
	assert.Len(t, pc.OutputsByRequirement("eicr"), 2)
}

func TestExecute_CreatorFailureIsLocal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register(&fakeCreator{name: "bad", err: schema.NewError(schema.ErrCodeReportFailed, "boom")}, "bad"))
	require.NoError(t, h.registry.Register(&fakeCreator{name: "good", art: structuredArtifact}, "good"))

	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{{
		ID:     "a",
		Output: []schema.DataRequirement{{ID: "x", Profiles: []string{"bad", "good"}}},
	}}}
	pc := newContext(t, kar)

	out, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusCompleted, out.Status)
	assert.Len(t, out.Artifacts, 1)
	require.Len(t, pc.Failures(), 1)
	assert.Equal(t, schema.ErrCodeReportFailed, pc.Failures()[0].Code)
}

func TestExecute_IntegrityViolationAbortsAncestors(t *testing.T) {
	h := newHarness(t)
	h.persister.err = schema.NewError(schema.ErrCodeIntegrity, "duplicate version")
	require.NoError(t, h.registry.Register(&fakeCreator{name: "cda", art: docArtifact}, "cda"))

	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{{
		ID: "parent",
		SubActions: []schema.Action{
			{ID: "create", Output: []schema.DataRequirement{{ID: "eicr", Profiles: []string{"cda"}}}},
			{ID: "after"},
		},
	}}}
	pc := newContext(t, kar)

	out, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.Error(t, err)
	assert.True(t, schema.IsFatal(err))
	assert.Equal(t, schema.ActionStatusAborted, out.Status)
	assert.Equal(t, []step{
		{"parent", schema.ActionStatusInProgress},
		{"create", schema.ActionStatusInProgress},
		{"create", schema.ActionStatusAborted},
		{"parent", schema.ActionStatusAborted},
	}, steps(pc))
}

func TestExecute_QueryFailureTreatedAsEmpty(t *testing.T) {
	h := newHarness(t)
	h.queries.errs["q1"] = schema.NewError(schema.ErrCodeQueryFailed, "timeout")
	h.queries.named["q2"] = []schema.Resource{res("Observation", "o1")}
	creator := &fakeCreator{name: "c", art: structuredArtifact}
	require.NoError(t, h.registry.Register(creator, "p"))

	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{{
		ID: "a",
		Queries: map[string]schema.QueryFilter{
			"q2": {Query: "Observation?patient={{patientId}}"},
			"q1": {Query: "Condition?patient={{patientId}}"},
		},
		Output: []schema.DataRequirement{{ID: "out", Profiles: []string{"p"}}},
	}}}
	pc := newContext(t, kar)

	out, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusCompleted, out.Status)
	assert.Zero(t, h.queries.fetchCalls, "custom queries replace the generic fetch")
	assert.ElementsMatch(t, []string{"q1", "q2"}, h.queries.namedKeys)

	require.Len(t, creator.inputs, 1)
	assert.Len(t, creator.inputs[0].Resources, 1)
	q1, ok := pc.Resources("q1")
	assert.True(t, ok)
	assert.Empty(t, q1)
	require.Len(t, pc.Failures(), 1)
	assert.Equal(t, schema.ErrCodeQueryFailed, pc.Failures()[0].Code)
}

func TestExecute_DefaultQueriesAndReferenceData(t *testing.T) {
	h := newHarness(t)
	h.queries.named["conds"] = []schema.Resource{res("Condition", "c1")}
	h.queries.byType["Observation"] = []schema.Resource{res("Observation", "o1")}
	h.queries.reference = []schema.Resource{res("Organization", "pha")}
	creator := &fakeCreator{name: "c", art: structuredArtifact}
	require.NoError(t, h.registry.Register(creator, "p"))

	kar := &schema.KnowledgeArtifact{
		ID: "kar", Version: "1",
		DefaultQueries: map[string]schema.QueryFilter{"conds": {Query: "Condition?patient={{patientId}}"}},
		Actions: []schema.Action{{
			ID: "a",
			Input: []schema.DataRequirement{
				{ID: "conds", Type: "Condition"},
				{ID: "labs", Type: "Observation"},
			},
			Output: []schema.DataRequirement{{ID: "out", Profiles: []string{"p"}}},
		}},
	}
	pc := newContext(t, kar)

	_, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"labs"}, h.queries.fetched)
	assert.Equal(t, []string{"conds"}, h.queries.namedKeys)
	require.Len(t, creator.inputs, 1)
	working := creator.inputs[0].Resources
	assert.Len(t, working["conds"], 1)
	assert.Len(t, working["labs"], 1)
	assert.Len(t, working["jurisdiction"], 1)
}

func TestExecute_NoRequirementsUsesContext(t *testing.T) {
	h := newHarness(t)
	creator := &fakeCreator{name: "c", art: structuredArtifact}
	require.NoError(t, h.registry.Register(creator, "p"))

	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{{
		ID:     "a",
		Output: []schema.DataRequirement{{ID: "out", Profiles: []string{"p"}}},
	}}}
	pc := newContext(t, kar)
	pc.SetResources("earlier", []schema.Resource{res("Condition", "c1")})
	pc.SetResources("nothing", nil)

	_, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.NoError(t, err)
	assert.Zero(t, h.queries.calls())
	assert.Zero(t, h.queries.refCalls)
	require.Len(t, creator.inputs, 1)
	assert.Equal(t, map[string][]schema.Resource{"earlier": {res("Condition", "c1")}}, creator.inputs[0].Resources)
}

func TestExecute_TransportFatalPropagates(t *testing.T) {
	h := newHarness(t)
	h.queries.errs["conds"] = schema.NewError(schema.ErrCodeTransport, "unauthorized")
	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{{
		ID:    "a",
		Input: []schema.DataRequirement{{ID: "conds", Type: "Condition"}},
	}}}
	pc := newContext(t, kar)

	out, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTransport, schema.CodeOf(err))
	assert.Equal(t, schema.ActionStatusAborted, out.Status)
}

func TestExecute_CycleIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t)
	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{{
		ID:      "loop",
		Related: []schema.RelatedAction{{ActionID: "loop"}},
	}}}
	pc := newContext(t, kar)

	out, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusCompleted, out.Status)
	require.Len(t, out.Related, 1)
	assert.Equal(t, schema.ActionStatusFailed, out.Related[0].Status)
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.CodeOf(out.Related[0].Err))
	assert.Len(t, out.Failed(), 1)
	assert.False(t, pc.Active("loop"))
}

func TestExecute_SubActionFailureAttributedToParent(t *testing.T) {
	h := newHarness(t)
	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{{
		ID: "parent",
		SubActions: []schema.Action{{
			ID:     "bad-timing",
			Timing: []schema.TimingConstraint{{Offset: "soon"}},
		}},
	}}}
	pc := newContext(t, kar)

	out, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusCompleted, out.Status)
	last, ok := pc.Ledger().Last("parent")
	require.True(t, ok)
	assert.Equal(t, "1 sub-action(s) failed", last.Detail)
	sub, _ := pc.Ledger().Last("bad-timing")
	assert.Equal(t, schema.ActionStatusFailed, sub.Status)
}

func TestExecute_TriggerMatchBitmask(t *testing.T) {
	h := newHarness(t)
	h.queries.byType["Condition"] = []schema.Resource{res("Condition", "c1")}
	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{
		{
			ID:         "match-a",
			Kind:       schema.ActionCheckTriggerCodes,
			Input:      []schema.DataRequirement{{ID: "conds", Type: "Condition"}},
			Conditions: []schema.Condition{{Expression: "size(fetched) > 0"}},
		},
		{
			ID:         "match-b",
			Kind:       schema.ActionCheckTriggerCodes,
			Conditions: []schema.Condition{{Expression: "false"}},
		},
	}}
	pc := newContext(t, kar)
	ctx := context.Background()

	for i := range kar.Actions {
		_, err := h.exec.Execute(ctx, pc, &kar.Actions[i])
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), pc.TriggerMatchStatus())
}

func TestExecute_RelatedOffsetSchedules(t *testing.T) {
	h := newHarness(t)
	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{
		{ID: "start", Related: []schema.RelatedAction{
			{ActionID: "later", Relationship: "after-end", Offset: "1h"},
			{ActionID: "ghost"},
		}},
		{ID: "later"},
	}}
	pc := newContext(t, kar)

	out, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.NoError(t, err)
	require.Len(t, out.Related, 1)
	assert.Equal(t, schema.ActionStatusScheduled, out.Related[0].Status)
	assert.Equal(t, []scheduledCall{{ActionID: "later", DueAt: baseTime.Add(time.Hour)}}, h.rescheduler.calls)
	assert.Equal(t, []step{
		{"start", schema.ActionStatusInProgress},
		{"start", schema.ActionStatusCompleted},
		{"later", schema.ActionStatusScheduled},
	}, steps(pc))
	require.Len(t, pc.Failures(), 1)
	assert.Equal(t, schema.ErrCodeNotFound, pc.Failures()[0].Code)
}

func TestExecute_RescheduleFailure(t *testing.T) {
	h := newHarness(t)
	h.rescheduler.err = schema.NewError(schema.ErrCodeStore, "db locked")
	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{{
		ID: "later", Timing: []schema.TimingConstraint{{Offset: "5m"}},
	}}}
	pc := newContext(t, kar)

	out, err := h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusScheduled, out.Status)
	assert.Error(t, out.Err)
	assert.Equal(t, 1, pc.Ledger().Len())
	assert.Len(t, pc.Failures(), 1)

	h.rescheduler.err = schema.NewError(schema.ErrCodeContextInvalid, "snapshot rejected")
	_, err = h.exec.Execute(context.Background(), pc, &kar.Actions[0])
	assert.True(t, schema.IsFatal(err))
}
