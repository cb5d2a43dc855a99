// Package timing decides whether an action is due now or must be deferred.
package timing

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/pkg/schema"
)

// State is the timing state of an action within one run.
type State string

const (
	StateDue       State = "DUE"
	StateNotYetDue State = "NOT_YET_DUE"
)

// Decision is the outcome of a timing evaluation.
type Decision struct {
	State State     `json:"state"`
	DueAt time.Time `json:"due_at"`
}

// Due reports whether the action may run now.
func (d Decision) Due() bool { return d.State == StateDue }

// Clock returns the current time.
type Clock func() time.Time

// Evaluator resolves timing constraints against the trigger time of a run.
// It has no side effects; identical inputs at the same clock reading yield
// identical decisions.
type Evaluator struct {
	parser cron.Parser
	now    Clock
}

// NewEvaluator creates an evaluator. A nil clock uses the wall clock.
func NewEvaluator(now Clock) *Evaluator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Evaluator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		now:    now,
	}
}

// Evaluate returns DUE when the action declares no timing or every constraint
// has elapsed, NOT_YET_DUE with the latest due time otherwise.
func (e *Evaluator) Evaluate(action *schema.Action, pc *processing.Context) (Decision, error) {
	now := e.now()
	if !action.HasTiming() {
		return Decision{State: StateDue, DueAt: now}, nil
	}

	dueAt, err := e.DueAt(action.Timing, ReferenceTime(pc))
	if err != nil {
		return Decision{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid timing: %s", err.Error()).
			WithAction(action.ID).WithCause(err)
	}
	if now.Before(dueAt) {
		return Decision{State: StateNotYetDue, DueAt: dueAt}, nil
	}
	return Decision{State: StateDue, DueAt: dueAt}, nil
}

// DueAt computes the latest due time across constraints, measured from ref.
func (e *Evaluator) DueAt(constraints []schema.TimingConstraint, ref time.Time) (time.Time, error) {
	due := ref
	for i, tc := range constraints {
		t, err := e.constraintDue(tc, ref)
		if err != nil {
			return time.Time{}, fmt.Errorf("constraint %d: %w", i, err)
		}
		if t.After(due) {
			due = t
		}
	}
	return due, nil
}

// Validate checks that a constraint can be evaluated.
func (e *Evaluator) Validate(tc schema.TimingConstraint) error {
	_, err := e.constraintDue(tc, time.Unix(0, 0).UTC())
	return err
}

func (e *Evaluator) constraintDue(tc schema.TimingConstraint, ref time.Time) (time.Time, error) {
	if tc.Offset == "" && tc.Cron == "" {
		return time.Time{}, fmt.Errorf("timing constraint needs an offset or a cron expression")
	}
	due := ref
	if tc.Offset != "" {
		d, err := time.ParseDuration(tc.Offset)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse offset %q: %w", tc.Offset, err)
		}
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative offset %q", tc.Offset)
		}
		due = ref.Add(d)
	}
	if tc.Cron != "" {
		schedule, err := e.parser.Parse(tc.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", tc.Cron, err)
		}
		if next := schedule.Next(ref); next.After(due) {
			due = next
		}
	}
	return due, nil
}

// ReferenceTime is the instant timing offsets are measured from: the trigger
// time of the notification, or the context creation time when absent.
func ReferenceTime(pc *processing.Context) time.Time {
	if pc.Notification != nil && !pc.Notification.TriggeredAt.IsZero() {
		return pc.Notification.TriggeredAt
	}
	return pc.CreatedAt
}
