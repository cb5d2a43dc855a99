// Package scheduler persists actions that are not yet due and resumes them
// once their due time passes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/karflow/internal/engine"
	"github.com/rendis/karflow/internal/logging"
	"github.com/rendis/karflow/internal/processing"
	"github.com/rendis/karflow/internal/store"
	"github.com/rendis/karflow/pkg/schema"
)

// ActionRunner resumes one scheduled action. Satisfied by *engine.Runner.
type ActionRunner interface {
	ResumeAction(ctx context.Context, parentRunID string, snapshot []byte, kar *schema.KnowledgeArtifact, actionID string) (*engine.RunResult, error)
}

// ArtifactSource looks up the artifact version a scheduled action was taken with.
type ArtifactSource interface {
	Get(ctx context.Context, id, version string) (*schema.KnowledgeArtifact, error)
}

// Config tunes the polling loop.
type Config struct {
	PollInterval time.Duration
	Workers      int
	BatchSize    int
	MaxAttempts  int
	RetryDelay   time.Duration
}

// DefaultConfig returns the settings used when none are supplied.
func DefaultConfig() Config {
	return Config{
		PollInterval: 60 * time.Second,
		Workers:      4,
		BatchSize:    100,
		MaxAttempts:  3,
		RetryDelay:   time.Minute,
	}
}

// Scheduler stores deferred actions and resumes them when due. It implements
// engine.Rescheduler.
type Scheduler struct {
	store  store.Store
	kars   ArtifactSource
	config Config
	pool   *Pool
	now    func() time.Time
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	runnerMu sync.RWMutex
	runner   ActionRunner
}

var _ engine.Rescheduler = (*Scheduler)(nil)

// NewScheduler creates a Scheduler. Zero config fields take their defaults.
func NewScheduler(s store.Store, runner ActionRunner, kars ArtifactSource, cfg Config, logger *slog.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  s,
		runner: runner,
		kars:   kars,
		config: cfg,
		pool:   NewPool(cfg.Workers, logger),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// SetRunner binds the runner after construction, for wiring where the
// runner's executor reschedules through this Scheduler.
func (s *Scheduler) SetRunner(runner ActionRunner) {
	s.runnerMu.Lock()
	defer s.runnerMu.Unlock()
	s.runner = runner
}

// Reschedule persists the action with a snapshot of the context so it can be
// resumed on the same state at dueAt.
func (s *Scheduler) Reschedule(ctx context.Context, pc *processing.Context, action *schema.Action, dueAt time.Time) error {
	snap, err := pc.Snapshot()
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "snapshot context for scheduling").
			WithAction(action.ID).WithCause(err)
	}
	job := &store.ScheduledAction{
		ID:         uuid.NewString(),
		RunID:      pc.RunID,
		KARID:      pc.KAR.ID,
		KARVersion: pc.KAR.Version,
		ActionID:   action.ID,
		DueAt:      dueAt.UTC(),
		Snapshot:   snap,
		Status:     store.ScheduledPending,
	}
	if err := s.store.CreateScheduledAction(ctx, job); err != nil {
		return err
	}
	logging.LogWith(ctx, s.logger).Info("action scheduled",
		slog.String("scheduled_id", job.ID),
		slog.Time("due_at", job.DueAt))
	return nil
}

// Start recovers jobs interrupted by a previous shutdown and launches the
// polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.RecoverInterrupted(ctx); err != nil {
		s.logger.Warn("recover interrupted scheduled actions", slog.String("error", err.Error()))
	}

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("poll_interval", s.config.PollInterval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)
	for {
		timer := time.NewTimer(s.nextWait(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

// nextWait aligns polls of a minute or longer to wall-clock minute
// boundaries; shorter intervals poll at a fixed rate.
func (s *Scheduler) nextWait(now time.Time) time.Duration {
	if s.config.PollInterval < time.Minute {
		return s.config.PollInterval
	}
	next, err := NextRun(PeriodCron(s.config.PollInterval), now)
	if err != nil || !next.After(now) {
		return s.config.PollInterval
	}
	return next.Sub(now)
}

// tick hands every due pending action to the pool.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	jobs, err := s.store.ListScheduledActions(ctx, store.ScheduledActionFilter{
		Status:    store.ScheduledPending,
		DueBefore: &now,
		Limit:     s.config.BatchSize,
	})
	if err != nil {
		s.logger.Error("failed to list scheduled actions", slog.String("error", err.Error()))
		return
	}

	for _, job := range jobs {
		err := s.pool.Submit(ctx, job.ID, func(ctx context.Context) error {
			return s.runJob(ctx, job)
		})
		if errors.Is(err, ErrJobInFlight) {
			continue
		}
		if err != nil {
			s.logger.Warn("scheduled action not submitted",
				slog.String("scheduled_id", job.ID),
				slog.String("error", err.Error()))
			return
		}
	}
}

// runJob resumes one scheduled action and records how it went.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledAction) error {
	log := s.logger.With(
		slog.String("scheduled_id", job.ID),
		slog.String("action_id", job.ActionID),
		slog.String("parent_run_id", job.RunID))

	if err := s.store.UpdateScheduledAction(ctx, job.ID, store.ScheduledActionUpdate{
		Status:  store.ScheduledRunning,
		Attempt: true,
	}); err != nil {
		log.Error("mark scheduled action running", slog.String("error", err.Error()))
		return err
	}
	attempts := job.Attempts + 1

	kar, err := s.kars.Get(ctx, job.KARID, job.KARVersion)
	if err != nil {
		return s.settle(ctx, log, job, attempts, err)
	}

	s.runnerMu.RLock()
	runner := s.runner
	s.runnerMu.RUnlock()
	if runner == nil {
		return s.settle(ctx, log, job, attempts, schema.NewError(schema.ErrCodeExecution, "scheduler has no action runner"))
	}

	log.Info("resuming scheduled action", slog.Int("attempt", attempts))
	res, err := runner.ResumeAction(ctx, job.RunID, job.Snapshot, kar, job.ActionID)
	if err == nil && res != nil {
		log.Info("scheduled action finished", slog.String("run_id", res.RunID), slog.String("status", res.Status))
	}
	return s.settle(ctx, log, job, attempts, err)
}

// settle marks the job done, retries it later, or gives up on it.
func (s *Scheduler) settle(ctx context.Context, log *slog.Logger, job *store.ScheduledAction, attempts int, runErr error) error {
	if runErr == nil {
		return s.store.UpdateScheduledAction(ctx, job.ID, store.ScheduledActionUpdate{Status: store.ScheduledDone})
	}

	msg := runErr.Error()
	update := store.ScheduledActionUpdate{LastError: &msg}
	if schema.IsFatal(runErr) || attempts >= s.config.MaxAttempts {
		update.Status = store.ScheduledFailed
		log.Error("scheduled action failed",
			slog.Int("attempts", attempts),
			slog.String("error", msg))
	} else {
		next := s.now().Add(s.config.RetryDelay * time.Duration(attempts))
		update.Status = store.ScheduledPending
		update.DueAt = &next
		log.Warn("scheduled action will retry",
			slog.Int("attempts", attempts),
			slog.Time("due_at", next),
			slog.String("error", msg))
	}
	if err := s.store.UpdateScheduledAction(ctx, job.ID, update); err != nil {
		return err
	}
	return runErr
}

// Wait blocks until the resumed actions handed out so far have finished.
func (s *Scheduler) Wait() {
	s.pool.Wait()
}

// Metrics returns the execution counters.
func (s *Scheduler) Metrics() PoolMetrics {
	return s.pool.Metrics()
}

// Stop ends the polling loop and waits for running actions.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.pool.Shutdown()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverInterrupted returns actions left running by a crash to pending so
// the next tick picks them up.
func (s *Scheduler) RecoverInterrupted(ctx context.Context) error {
	jobs, err := s.store.ListScheduledActions(ctx, store.ScheduledActionFilter{Status: store.ScheduledRunning})
	if err != nil {
		return fmt.Errorf("list interrupted scheduled actions: %w", err)
	}
	recovered := 0
	for _, job := range jobs {
		if s.pool.InFlight(job.ID) {
			continue
		}
		if err := s.store.UpdateScheduledAction(ctx, job.ID, store.ScheduledActionUpdate{Status: store.ScheduledPending}); err != nil {
			return fmt.Errorf("reset scheduled action %q: %w", job.ID, err)
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("recovered interrupted scheduled actions", slog.Int("count", recovered))
	}
	return nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// PeriodCron returns a cron expression that fires once per period at minute
// granularity. Periods under a minute round up to one minute; periods of an
// hour or more fire on the hour every N hours.
func PeriodCron(period time.Duration) string {
	minutes := int(period / time.Minute)
	switch {
	case minutes < 1:
		return "*/1 * * * *"
	case minutes < 60:
		return fmt.Sprintf("*/%d * * * *", minutes)
	default:
		hours := minutes / 60
		if hours > 23 {
			hours = 23
		}
		return fmt.Sprintf("0 */%d * * *", hours)
	}
}

// NextRun computes the next fire time of a cron expression after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return schedule.Next(from), nil
}
