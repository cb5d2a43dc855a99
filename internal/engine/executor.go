// Package engine executes the action tree of a knowledge artifact against
// one run's processing context.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/karflow/internal/ehr"
	"github.com/rendis/karflow/internal/logging"
	"github.com/rendis/karflow/internal/phmessage"
	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/internal/reports"
	"github.com/rendis/karflow/internal/timing"
	"github.com/rendis/karflow/pkg/schema"
)

// TimingEvaluator decides whether an action is due.
type TimingEvaluator interface {
	Evaluate(action *schema.Action, pc *processing.Context) (timing.Decision, error)
}

// ConditionEvaluator gates descendants on the action's conditions.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, action *schema.Action, pc *processing.Context) bool
}

// ArtifactPersister stores document-bearing artifacts.
type ArtifactPersister interface {
	Persist(ctx context.Context, pc *processing.Context, action *schema.Action, art *reports.Artifact) ([]*phmessage.PublicHealthMessage, error)
}

// Rescheduler arranges a later re-invocation of an action that is not yet due.
type Rescheduler interface {
	Reschedule(ctx context.Context, pc *processing.Context, action *schema.Action, dueAt time.Time) error
}

// Deps holds the collaborators of an Executor. Rescheduler is optional.
type Deps struct {
	Timing      TimingEvaluator
	Conditions  ConditionEvaluator
	Queries     ehr.QueryService
	Reports     *reports.Registry
	Persister   ArtifactPersister
	Rescheduler Rescheduler
	Clock       timing.Clock
}

// Outcome is the result of executing one action and its descendants.
type Outcome struct {
	ActionID     string                           `json:"action_id"`
	Status       schema.ActionStatus              `json:"status"`
	DueAt        *time.Time                       `json:"due_at,omitempty"`
	ConditionMet bool                             `json:"condition_met"`
	Artifacts    []*reports.Artifact              `json:"-"`
	Messages     []*phmessage.PublicHealthMessage `json:"messages,omitempty"`
	SubActions   []*Outcome                       `json:"sub_actions,omitempty"`
	Related      []*Outcome                       `json:"related,omitempty"`
	Err          error                            `json:"-"`
}

// Failed returns the outcomes in this subtree whose status is FAILED.
func (o *Outcome) Failed() []*Outcome {
	if o == nil {
		return nil
	}
	var out []*Outcome
	if o.Status == schema.ActionStatusFailed {
		out = append(out, o)
	}
	for _, c := range o.SubActions {
		out = append(out, c.Failed()...)
	}
	for _, c := range o.Related {
		out = append(out, c.Failed()...)
	}
	return out
}

// Executor runs actions. It holds no per-run state; all run state lives in
// the processing context, so one Executor serves concurrent runs.
type Executor struct {
	deps   Deps
	logger *slog.Logger
}

// NewExecutor validates deps and returns an Executor.
func NewExecutor(deps Deps, logger *slog.Logger) (*Executor, error) {
	switch {
	case deps.Timing == nil:
		return nil, fmt.Errorf("engine: timing evaluator is required")
	case deps.Conditions == nil:
		return nil, fmt.Errorf("engine: condition evaluator is required")
	case deps.Queries == nil:
		return nil, fmt.Errorf("engine: query service is required")
	case deps.Reports == nil:
		return nil, fmt.Errorf("engine: report registry is required")
	case deps.Persister == nil:
		return nil, fmt.Errorf("engine: artifact persister is required")
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{deps: deps, logger: logger}, nil
}

// Execute runs one action: timing check, data resolution, output generation,
// condition gate, sub-actions, terminal status, related actions.
//
// Only fatal errors (see schema.IsFatal) are returned; everything else is
// recorded on the context and in the outcome.
func (e *Executor) Execute(ctx context.Context, pc *processing.Context, action *schema.Action) (*Outcome, error) {
	ctx = logging.WithActionID(ctx, action.ID)
	log := logging.LogWith(ctx, e.logger).With(slog.String("action_type", string(action.Kind)))
	out := &Outcome{ActionID: action.ID}

	if err := pc.Enter(action.ID); err != nil {
		log.Warn("action re-entered while active", slog.String("error", err.Error()))
		return e.fail(pc, out, err), nil
	}
	defer pc.Leave(action.ID)

	decision, err := e.deps.Timing.Evaluate(action, pc)
	if err != nil {
		log.Warn("timing evaluation failed", slog.String("error", err.Error()))
		return e.fail(pc, out, err), nil
	}
	if !decision.Due() {
		return e.schedule(ctx, pc, out, action, decision.DueAt)
	}

	pc.RecordStatus(action.ID, schema.ActionStatusInProgress, "")
	log.Debug("action started")

	working, err := e.resolve(ctx, pc, action)
	if err != nil {
		return e.abort(pc, out, err)
	}

	if err := e.generateOutputs(ctx, pc, action, working, out); err != nil {
		return e.abort(pc, out, err)
	}

	out.ConditionMet = e.deps.Conditions.Evaluate(ctx, action, pc)
	if out.ConditionMet {
		if action.Kind == schema.ActionCheckTriggerCodes {
			pc.MarkTriggerMatched(action.ID)
		}
		for i := range action.SubActions {
			child, err := e.Execute(ctx, pc, &action.SubActions[i])
			if child != nil {
				out.SubActions = append(out.SubActions, child)
			}
			if err != nil {
				return e.abort(pc, out, err)
			}
		}
	}

	out.Status = schema.ActionStatusCompleted
	pc.RecordStatus(action.ID, out.Status, completionDetail(out))
	log.Info("action completed",
		slog.Bool("condition_met", out.ConditionMet),
		slog.Int("artifacts", len(out.Artifacts)),
		slog.Int("messages", len(out.Messages)),
	)

	if !out.ConditionMet {
		return out, nil
	}
	for _, rel := range action.Related {
		child, err := e.executeRelated(ctx, pc, action, rel)
		if child != nil {
			out.Related = append(out.Related, child)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// executeRelated runs a related action now, or schedules it when the
// relationship carries a positive offset.
func (e *Executor) executeRelated(ctx context.Context, pc *processing.Context, parent *schema.Action, rel schema.RelatedAction) (*Outcome, error) {
	target := pc.KAR.ActionByID(rel.ActionID)
	if target == nil {
		err := schema.NewErrorf(schema.ErrCodeNotFound, "related action %q not found", rel.ActionID).WithAction(parent.ID)
		logging.LogWith(ctx, e.logger).Warn("related action missing", slog.String("related_action_id", rel.ActionID))
		pc.RecordFailure(parent.ID, err)
		return nil, nil
	}
	if rel.Offset != "" {
		d, err := time.ParseDuration(rel.Offset)
		if err != nil {
			verr := schema.NewErrorf(schema.ErrCodeValidation, "related action %q: invalid offset %q", rel.ActionID, rel.Offset).
				WithAction(parent.ID).WithCause(err)
			pc.RecordFailure(parent.ID, verr)
			return nil, nil
		}
		if d > 0 {
			out := &Outcome{ActionID: target.ID}
			return e.schedule(logging.WithActionID(ctx, target.ID), pc, out, target, e.deps.Clock().Add(d))
		}
	}
	return e.Execute(ctx, pc, target)
}

// schedule records the single SCHEDULED entry and hands the action to the
// rescheduler.
func (e *Executor) schedule(ctx context.Context, pc *processing.Context, out *Outcome, action *schema.Action, dueAt time.Time) (*Outcome, error) {
	out.Status = schema.ActionStatusScheduled
	out.DueAt = &dueAt
	pc.RecordStatus(action.ID, schema.ActionStatusScheduled, "due at "+dueAt.UTC().Format(time.RFC3339))

	log := logging.LogWith(ctx, e.logger)
	log.Info("action not yet due", slog.Time("due_at", dueAt))
	if e.deps.Rescheduler == nil {
		return out, nil
	}
	if err := e.deps.Rescheduler.Reschedule(ctx, pc, action, dueAt); err != nil {
		if schema.IsFatal(err) {
			return out, err
		}
		log.Error("reschedule failed", slog.String("error", err.Error()))
		pc.RecordFailure(action.ID, err)
		out.Err = err
	}
	return out, nil
}

// generateOutputs runs the report creator registered for every profile of
// every output requirement.
func (e *Executor) generateOutputs(ctx context.Context, pc *processing.Context, action *schema.Action, working map[string][]schema.Resource, out *Outcome) error {
	log := logging.LogWith(ctx, e.logger)
	for _, dr := range action.Output {
		for _, profile := range dr.Profiles {
			creator, ok := e.deps.Reports.Lookup(profile)
			if !ok {
				log.Info("no report creator for profile",
					slog.String("requirement_id", dr.ID),
					slog.String("profile", profile))
				continue
			}

			art, err := creator.Create(ctx, pc, reports.Input{
				Queries:       e.deps.Queries,
				Resources:     working,
				RequirementID: dr.ID,
				Profile:       profile,
				Action:        action,
			})
			if err != nil {
				if schema.IsFatal(err) {
					return err
				}
				log.Warn("report creation failed",
					slog.String("creator", creator.Name()),
					slog.String("profile", profile),
					slog.String("error", err.Error()))
				pc.RecordFailure(action.ID, err)
				continue
			}
			if art.Empty() {
				continue
			}
			art.RequirementID = dr.ID
			art.Profile = profile
			pc.AddActionOutput(action.ID, art.Bundle)
			pc.AddActionOutputByID(dr.ID, art.Bundle)
			out.Artifacts = append(out.Artifacts, art)

			if !art.HasDocument() {
				log.Debug("structured-only artifact kept in context", slog.String("profile", profile))
				continue
			}
			msgs, err := e.deps.Persister.Persist(ctx, pc, action, art)
			out.Messages = append(out.Messages, msgs...)
			if err != nil {
				if schema.IsFatal(err) {
					return err
				}
				log.Error("artifact persistence failed", slog.String("error", err.Error()))
				pc.RecordFailure(action.ID, err)
			}
		}
	}
	return nil
}

func (e *Executor) fail(pc *processing.Context, out *Outcome, err error) *Outcome {
	out.Status = schema.ActionStatusFailed
	out.Err = err
	pc.RecordStatus(out.ActionID, out.Status, err.Error())
	pc.RecordFailure(out.ActionID, err)
	return out
}

func (e *Executor) abort(pc *processing.Context, out *Outcome, err error) (*Outcome, error) {
	out.Status = schema.ActionStatusAborted
	out.Err = err
	pc.RecordStatus(out.ActionID, out.Status, err.Error())
	return out, err
}

func completionDetail(out *Outcome) string {
	if !out.ConditionMet {
		return "condition not met"
	}
	var failed int
	for _, c := range out.SubActions {
		failed += len(c.Failed())
	}
	if failed > 0 {
		return fmt.Sprintf("%d sub-action(s) failed", failed)
	}
	return ""
}
