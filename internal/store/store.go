package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// Public-health messages (immutable, versioned)
	MaxVersion(ctx context.Context, key LogicalKey) (int, error)
	SavePHMessage(ctx context.Context, msg *PHMessage) error
	GetPHMessage(ctx context.Context, id string) (*PHMessage, error)
	ListPHMessages(ctx context.Context, filter MessageFilter) ([]*PHMessage, error)

	// Action status archive (append-only)
	AppendActionStatuses(ctx context.Context, records []ActionStatusRecord) error
	ListActionStatuses(ctx context.Context, runID string) ([]*ActionStatusRecord, error)

	// Scheduled actions
	CreateScheduledAction(ctx context.Context, sa *ScheduledAction) error
	GetScheduledAction(ctx context.Context, id string) (*ScheduledAction, error)
	UpdateScheduledAction(ctx context.Context, id string, update ScheduledActionUpdate) error
	ListScheduledActions(ctx context.Context, filter ScheduledActionFilter) ([]*ScheduledAction, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
