package scheduler

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/karflow/internal/conditions"
	"github.com/rendis/karflow/internal/engine"
	"github.com/rendis/karflow/internal/logging"
	"github.com/rendis/karflow/internal/phmessage"
	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/internal/reports"
	"github.com/rendis/karflow/internal/store"
	"github.com/rendis/karflow/internal/timing"
	"github.com/rendis/karflow/pkg/schema"
)

var t0 = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu   sync.Mutex
	jobs map[string]*store.ScheduledAction
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{jobs: make(map[string]*store.ScheduledAction)}
}

func (m *mockSchedulerStore) CreateScheduledAction(_ context.Context, job *store.ScheduledAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) GetScheduledAction(_ context.Context, id string) (*store.ScheduledAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "scheduled_action %q not found", id)
	}
	cp := *j
	return &cp, nil
}

func (m *mockSchedulerStore) UpdateScheduledAction(_ context.Context, id string, u store.ScheduledActionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled_action %q not found", id)
	}
	if u.Status != "" {
		j.Status = u.Status
	}
	if u.DueAt != nil {
		j.DueAt = *u.DueAt
	}
	if u.LastError != nil {
		j.LastError = *u.LastError
	}
	if u.Attempt {
		j.Attempts++
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledActions(_ context.Context, f store.ScheduledActionFilter) ([]*store.ScheduledAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ScheduledAction
	for _, j := range m.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.RunID != "" && j.RunID != f.RunID {
			continue
		}
		if f.DueBefore != nil && j.DueAt.After(*f.DueBefore) {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].DueAt.Before(out[k].DueAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *mockSchedulerStore) get(id string) store.ScheduledAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

type resumeCall struct {
	ParentRunID string
	ActionID    string
	KARVersion  string
}

type mockRunner struct {
	mu    sync.Mutex
	calls []resumeCall
	err   error
	block chan struct{}
}

func (r *mockRunner) ResumeAction(_ context.Context, parentRunID string, _ []byte, kar *schema.KnowledgeArtifact, actionID string) (*engine.RunResult, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resumeCall{ParentRunID: parentRunID, ActionID: actionID, KARVersion: kar.Version})
	if r.err != nil {
		return nil, r.err
	}
	return &engine.RunResult{RunID: "child-" + parentRunID, ParentRunID: parentRunID, Status: store.RunStatusCompleted}, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type staticArtifacts map[string]*schema.KnowledgeArtifact

func (s staticArtifacts) Get(_ context.Context, id, version string) (*schema.KnowledgeArtifact, error) {
	kar, ok := s[id+"|"+version]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "artifact %s|%s not found", id, version)
	}
	return kar, nil
}

func testArtifacts() staticArtifacts {
	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{{ID: "later"}}}
	return staticArtifacts{kar.VersionUniqueID(): kar}
}

func newTestScheduler(s store.Store, runner ActionRunner, cfg Config) *Scheduler {
	sched := NewScheduler(s, runner, testArtifacts(), cfg, logging.NewNop())
	sched.now = func() time.Time { return t0 }
	return sched
}

func pendingJob(id string, due time.Time) *store.ScheduledAction {
	return &store.ScheduledAction{
		ID: id, RunID: "run-" + id, KARID: "kar", KARVersion: "1",
		ActionID: "later", DueAt: due, Snapshot: []byte(`{}`), Status: store.ScheduledPending,
	}
}

// --- Tests ---

func TestPeriodCron(t *testing.T) {
	tests := []struct {
		period time.Duration
		want   string
	}{
		{30 * time.Second, "*/1 * * * *"},
		{time.Minute, "*/1 * * * *"},
		{15 * time.Minute, "*/15 * * * *"},
		{59*time.Minute + 59*time.Second, "*/59 * * * *"},
		{2 * time.Hour, "0 */2 * * *"},
		{48 * time.Hour, "0 */23 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.period.String(), func(t *testing.T) {
			expr := PeriodCron(tt.period)
			assert.Equal(t, tt.want, expr)
			_, err := NextRun(expr, t0)
			assert.NoError(t, err)
		})
	}
}

func TestNextRun(t *testing.T) {
	next, err := NextRun("*/15 * * * *", t0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(15*time.Minute), next)

	next, err = NextRun("0 0 * * *", t0)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = NextRun("invalid cron", t0)
	assert.Error(t, err)
}

func TestNextWait(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockRunner{}, Config{PollInterval: 2 * time.Minute})
	assert.Equal(t, 90*time.Second, sched.nextWait(t0.Add(30*time.Second)))

	fast := newTestScheduler(newMockSchedulerStore(), &mockRunner{}, Config{PollInterval: 5 * time.Second})
	assert.Equal(t, 5*time.Second, fast.nextWait(t0))
}

func TestReschedulePersistsSnapshot(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms, &mockRunner{}, Config{})

	kar := testArtifacts()["kar|1"]
	pc, err := processing.New(&schema.NotificationContext{
		PatientID: "pat-1", NotificationResourceID: "enc-1", NotificationResourceType: "Encounter",
	}, kar)
	require.NoError(t, err)
	pc.RecordStatus("later", schema.ActionStatusScheduled, "")

	due := t0.Add(10 * time.Minute)
	require.NoError(t, sched.Reschedule(context.Background(), pc, &kar.Actions[0], due))

	jobs, err := ms.ListScheduledActions(context.Background(), store.ScheduledActionFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, pc.RunID, job.RunID)
	assert.Equal(t, "later", job.ActionID)
	assert.Equal(t, "kar", job.KARID)
	assert.Equal(t, "1", job.KARVersion)
	assert.Equal(t, due, job.DueAt)
	assert.Equal(t, store.ScheduledPending, job.Status)

	restored, err := processing.Restore(job.Snapshot, kar)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Ledger().Len())
}

func TestTickResumesDueActions(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner, Config{})
	ctx := context.Background()

	require.NoError(t, ms.CreateScheduledAction(ctx, pendingJob("due", t0.Add(-time.Minute))))
	require.NoError(t, ms.CreateScheduledAction(ctx, pendingJob("future", t0.Add(time.Hour))))

	sched.tick(ctx)
	sched.Wait()

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, resumeCall{ParentRunID: "run-due", ActionID: "later", KARVersion: "1"}, runner.calls[0])

	done := ms.get("due")
	assert.Equal(t, store.ScheduledDone, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, store.ScheduledPending, ms.get("future").Status)
	assert.Equal(t, int64(1), sched.Metrics().Completed)
}

func TestTickRetriesRetryableFailure(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{err: schema.NewError(schema.ErrCodeQueryFailed, "ehr unavailable")}
	sched := newTestScheduler(ms, runner, Config{RetryDelay: 5 * time.Minute, MaxAttempts: 3})
	ctx := context.Background()

	require.NoError(t, ms.CreateScheduledAction(ctx, pendingJob("flaky", t0)))
	sched.tick(ctx)
	sched.Wait()

	got := ms.get("flaky")
	assert.Equal(t, store.ScheduledPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, t0.Add(5*time.Minute), got.DueAt)
	assert.Contains(t, got.LastError, "ehr unavailable")
	assert.Equal(t, int64(1), sched.Metrics().Failed)

	// Not due again until the retry delay has passed.
	sched.tick(ctx)
	sched.Wait()
	assert.Equal(t, 1, runner.callCount())
}

func TestTickGivesUpAfterMaxAttempts(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{err: schema.NewError(schema.ErrCodeQueryFailed, "ehr unavailable")}
	sched := newTestScheduler(ms, runner, Config{MaxAttempts: 3})
	ctx := context.Background()

	job := pendingJob("tired", t0)
	job.Attempts = 2
	require.NoError(t, ms.CreateScheduledAction(ctx, job))
	sched.tick(ctx)
	sched.Wait()

	got := ms.get("tired")
	assert.Equal(t, store.ScheduledFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
}

func TestTickFatalErrorFailsImmediately(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{err: schema.NewError(schema.ErrCodeContextInvalid, "snapshot rejected")}
	sched := newTestScheduler(ms, runner, Config{MaxAttempts: 5})
	ctx := context.Background()

	require.NoError(t, ms.CreateScheduledAction(ctx, pendingJob("broken", t0)))
	sched.tick(ctx)
	sched.Wait()

	got := ms.get("broken")
	assert.Equal(t, store.ScheduledFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestTickMissingArtifact(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner, Config{MaxAttempts: 1})
	ctx := context.Background()

	job := pendingJob("orphan", t0)
	job.KARVersion = "9"
	require.NoError(t, ms.CreateScheduledAction(ctx, job))
	sched.tick(ctx)
	sched.Wait()

	assert.Zero(t, runner.callCount())
	got := ms.get("orphan")
	assert.Equal(t, store.ScheduledFailed, got.Status)
	assert.Contains(t, got.LastError, "not found")
}

func TestTickSkipsInflight(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{block: make(chan struct{})}
	sched := newTestScheduler(ms, runner, Config{Workers: 2})
	ctx := context.Background()

	require.NoError(t, ms.CreateScheduledAction(ctx, pendingJob("slow", t0)))
	sched.tick(ctx)
	require.Eventually(t, func() bool { return ms.get("slow").Status == store.ScheduledRunning }, time.Second, 5*time.Millisecond)

	// The running job is no longer pending; flip it back to check dedup.
	require.NoError(t, ms.UpdateScheduledAction(ctx, "slow", store.ScheduledActionUpdate{Status: store.ScheduledPending}))
	sched.tick(ctx)

	close(runner.block)
	sched.Wait()
	assert.Equal(t, 1, runner.callCount())
}

func TestNoRunnerBound(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms, nil, Config{MaxAttempts: 1})
	ctx := context.Background()

	require.NoError(t, ms.CreateScheduledAction(ctx, pendingJob("unbound", t0)))
	sched.tick(ctx)
	sched.Wait()
	assert.Equal(t, store.ScheduledFailed, ms.get("unbound").Status)

	runner := &mockRunner{}
	sched.SetRunner(runner)
	require.NoError(t, ms.CreateScheduledAction(ctx, pendingJob("bound", t0)))
	sched.tick(ctx)
	sched.Wait()
	assert.Equal(t, store.ScheduledDone, ms.get("bound").Status)
}

func TestRecoverInterrupted(t *testing.T) {
	ms := newMockSchedulerStore()
	sched := newTestScheduler(ms, &mockRunner{}, Config{})
	ctx := context.Background()

	job := pendingJob("crashed", t0)
	job.Status = store.ScheduledRunning
	require.NoError(t, ms.CreateScheduledAction(ctx, job))
	done := pendingJob("finished", t0)
	done.Status = store.ScheduledDone
	require.NoError(t, ms.CreateScheduledAction(ctx, done))

	require.NoError(t, sched.RecoverInterrupted(ctx))
	assert.Equal(t, store.ScheduledPending, ms.get("crashed").Status)
	assert.Equal(t, store.ScheduledDone, ms.get("finished").Status)
}

func TestStartStop(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, ms.CreateScheduledAction(ctx, pendingJob("due", t0)))
	require.NoError(t, sched.Start(ctx))
	assert.Error(t, sched.Start(ctx))

	require.Eventually(t, func() bool { return ms.get("due").Status == store.ScheduledDone }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
	assert.Equal(t, 1, runner.callCount())
}

// --- end to end with the engine and a real store ---

type emptyQueries struct{}

func (emptyQueries) ExecuteNamedQuery(_ context.Context, pc *processing.Context, key string, _ schema.QueryFilter) ([]schema.Resource, error) {
	pc.SetResources(key, nil)
	return nil, nil
}

func (emptyQueries) FetchByRequirements(_ context.Context, pc *processing.Context, reqs []schema.DataRequirement) (map[string][]schema.Resource, error) {
	out := make(map[string][]schema.Resource)
	for _, dr := range reqs {
		pc.SetResources(dr.ID, nil)
		out[dr.ID] = nil
	}
	return out, nil
}

func (emptyQueries) FetchReferenceData(context.Context, *processing.Context) ([]schema.Resource, error) {
	return nil, nil
}

type noPersist struct{}

func (noPersist) Persist(context.Context, *processing.Context, *schema.Action, *reports.Artifact) ([]*phmessage.PublicHealthMessage, error) {
	return nil, nil
}

func TestScheduledActionResumesThroughEngine(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	kar := &schema.KnowledgeArtifact{ID: "kar", Version: "1", Actions: []schema.Action{{
		ID:     "later",
		Timing: []schema.TimingConstraint{{Offset: "10m"}},
	}}}
	artifacts := staticArtifacts{kar.VersionUniqueID(): kar}

	now := t0
	clock := func() time.Time { return now }
	sched := NewScheduler(st, nil, artifacts, Config{}, logging.NewNop())
	sched.now = clock

	conds, err := conditions.NewEvaluator(logging.NewNop())
	require.NoError(t, err)
	exec, err := engine.NewExecutor(engine.Deps{
		Timing:      timing.NewEvaluator(clock),
		Conditions:  conds,
		Queries:     emptyQueries{},
		Reports:     reports.NewRegistry(),
		Persister:   noPersist{},
		Rescheduler: sched,
		Clock:       clock,
	}, logging.NewNop())
	require.NoError(t, err)
	runner := engine.NewRunner(exec, st, logging.NewNop())
	sched.SetRunner(runner)

	first, err := runner.Start(ctx, &schema.NotificationContext{
		PatientID: "pat-1", NotificationResourceID: "enc-1", NotificationResourceType: "Encounter",
		TriggeredAt: t0,
	}, kar)
	require.NoError(t, err)

	jobs, err := st.ListScheduledActions(ctx, store.ScheduledActionFilter{RunID: first.RunID})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	sched.tick(ctx)
	sched.Wait()
	assert.Equal(t, int64(0), sched.Metrics().Completed, "not due yet")

	now = t0.Add(11 * time.Minute)
	sched.tick(ctx)
	sched.Wait()

	job, err := st.GetScheduledAction(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.ScheduledDone, job.Status)

	children, err := st.ListRuns(ctx, store.RunFilter{KARID: "kar"})
	require.NoError(t, err)
	require.Len(t, children, 2)
	var child *store.Run
	for _, r := range children {
		if r.ParentRunID == first.RunID {
			child = r
		}
	}
	require.NotNil(t, child)

	latest, err := store.ReplayStatuses(ctx, st, child.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusCompleted, latest["later"].Status)
}
