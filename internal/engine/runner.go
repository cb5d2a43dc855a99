package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/karflow/internal/ledger"
	"github.com/rendis/karflow/internal/logging"
	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/internal/store"
	"github.com/rendis/karflow/pkg/schema"
)

// RunArchive persists run metadata and the archived ledger. Satisfied by
// store.Store.
type RunArchive interface {
	CreateRun(ctx context.Context, run *store.Run) error
	UpdateRun(ctx context.Context, id string, update store.RunUpdate) error
	AppendActionStatuses(ctx context.Context, records []store.ActionStatusRecord) error
}

// RunResult is the outcome of a whole run.
type RunResult struct {
	RunID       string              `json:"run_id"`
	ParentRunID string              `json:"parent_run_id,omitempty"`
	Status      string              `json:"status"`
	Outcomes    []*Outcome          `json:"outcomes"`
	Ledger      []ledger.Entry      `json:"ledger"`
	Context     *processing.Context `json:"-"`
	Err         error               `json:"-"`
}

// Runner drives runs: it builds or restores the processing context, executes
// actions and archives the ledger.
type Runner struct {
	exec    *Executor
	archive RunArchive
	logger  *slog.Logger
}

// NewRunner creates a Runner. A nil archive disables persistence of run
// metadata and ledgers.
func NewRunner(exec *Executor, archive RunArchive, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{exec: exec, archive: archive, logger: logger}
}

// Start runs the artifact's top-level actions in declaration order for one
// trigger. A CONTEXT_INVALID error is returned before any action executes
// when the trigger metadata is incomplete.
func (r *Runner) Start(ctx context.Context, n *schema.NotificationContext, kar *schema.KnowledgeArtifact) (*RunResult, error) {
	pc, err := processing.New(n, kar)
	if err != nil {
		r.logger.Error("cannot build processing context", slog.String("error", err.Error()))
		return nil, err
	}
	res := &RunResult{RunID: pc.RunID, Context: pc}
	ctx = logging.WithIDs(ctx, pc.RunID, n.CorrelationID, n.RequestID)

	r.begin(ctx, pc, "")
	for i := range kar.Actions {
		out, err := r.exec.Execute(ctx, pc, &kar.Actions[i])
		if out != nil {
			res.Outcomes = append(res.Outcomes, out)
		}
		if err != nil {
			res.Err = err
			break
		}
	}
	r.finish(ctx, res)
	return res, res.Err
}

// ResumeAction re-enters a scheduled action on a context restored from
// snapshot. The resumed execution is its own run; its ledger continues from
// the snapshot's.
func (r *Runner) ResumeAction(ctx context.Context, parentRunID string, snapshot []byte, kar *schema.KnowledgeArtifact, actionID string) (*RunResult, error) {
	pc, err := processing.Restore(snapshot, kar)
	if err != nil {
		return nil, err
	}
	action := kar.ActionByID(actionID)
	if action == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not found in %s", actionID, kar.VersionUniqueID())
	}

	pc.RunID = uuid.NewString()
	res := &RunResult{RunID: pc.RunID, ParentRunID: parentRunID, Context: pc}
	ctx = logging.WithIDs(ctx, pc.RunID, pc.Notification.CorrelationID, pc.Notification.RequestID)
	logging.LogWith(ctx, r.logger).Info("resuming scheduled action",
		slog.String("action_id", actionID),
		slog.String("parent_run_id", parentRunID))

	r.begin(ctx, pc, parentRunID)
	out, err := r.exec.Execute(ctx, pc, action)
	if out != nil {
		res.Outcomes = append(res.Outcomes, out)
	}
	res.Err = err
	r.finish(ctx, res)
	return res, res.Err
}

func (r *Runner) begin(ctx context.Context, pc *processing.Context, parentRunID string) {
	if r.archive == nil {
		return
	}
	n := pc.Notification
	err := r.archive.CreateRun(ctx, &store.Run{
		ID:             pc.RunID,
		ParentRunID:    parentRunID,
		KARID:          pc.KAR.ID,
		KARVersion:     pc.KAR.Version,
		PatientID:      n.PatientID,
		NotificationID: n.ID,
		CorrelationID:  n.CorrelationID,
		RequestID:      n.RequestID,
		Status:         store.RunStatusRunning,
		StartedAt:      time.Now().UTC(),
	})
	if err != nil {
		logging.LogWith(ctx, r.logger).Warn("record run start failed", slog.String("error", err.Error()))
	}
}

func (r *Runner) finish(ctx context.Context, res *RunResult) {
	pc := res.Context
	res.Ledger = pc.Ledger().Entries()
	res.Status = store.RunStatusCompleted
	if res.Err != nil {
		res.Status = store.RunStatusFailed
	}

	log := logging.LogWith(ctx, r.logger)
	log.Info("run finished",
		slog.String("status", res.Status),
		slog.Int("ledger_entries", len(res.Ledger)),
		slog.Int("failures", len(pc.Failures())),
		slog.Int("messages", len(pc.Messages())))

	if r.archive == nil {
		return
	}
	records := make([]store.ActionStatusRecord, len(res.Ledger))
	for i, e := range res.Ledger {
		records[i] = store.ActionStatusRecord{
			RunID:    pc.RunID,
			Seq:      e.Seq,
			ActionID: e.ActionID,
			Status:   e.Status,
			Detail:   e.Detail,
			At:       e.At,
		}
	}
	if err := r.archive.AppendActionStatuses(ctx, records); err != nil {
		log.Error("archive ledger failed", slog.String("error", err.Error()))
	}

	now := time.Now().UTC()
	update := store.RunUpdate{Status: res.Status, CompletedAt: &now}
	if res.Err != nil {
		update.Error, _ = json.Marshal(map[string]string{
			"code":    schema.CodeOf(res.Err),
			"message": res.Err.Error(),
		})
	}
	if err := r.archive.UpdateRun(ctx, pc.RunID, update); err != nil {
		log.Warn("record run end failed", slog.String("error", err.Error()))
	}
}
