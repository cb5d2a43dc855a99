package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/rendis/karflow/internal/conditions"
	"github.com/rendis/karflow/internal/ehr"
	"github.com/rendis/karflow/internal/engine"
	"github.com/rendis/karflow/internal/kar"
	"github.com/rendis/karflow/internal/lock"
	"github.com/rendis/karflow/internal/logging"
	"github.com/rendis/karflow/internal/phmessage"
	"github.com/rendis/karflow/internal/reports"
	"github.com/rendis/karflow/internal/scheduler"
	"github.com/rendis/karflow/internal/store"
	"github.com/rendis/karflow/internal/timing"
	"github.com/rendis/karflow/internal/validation"
)

// app holds the wired components of one karflow process.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	artifacts *kar.Repository
	validator *validation.ArtifactValidator
	runner    *engine.Runner
	scheduler *scheduler.Scheduler
	closers   []func() error
}

// newValidator builds the artifact validation pipeline with its own
// timing and condition checkers.
func newValidator(logger *slog.Logger) (*validation.ArtifactValidator, *reports.Registry, error) {
	conds, err := conditions.NewEvaluator(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("condition evaluator: %w", err)
	}
	registry, err := newRegistry(logger)
	if err != nil {
		return nil, nil, err
	}
	v, err := validation.NewArtifactValidator(validation.Options{
		Timing:     timing.NewEvaluator(utcNow),
		Conditions: conds,
		Profiles:   registry,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("artifact validator: %w", err)
	}
	return v, registry, nil
}

func newRegistry(logger *slog.Logger) (*reports.Registry, error) {
	registry := reports.NewRegistry()
	if err := reports.RegisterBuiltins(registry, logger); err != nil {
		return nil, fmt.Errorf("register report creators: %w", err)
	}
	return registry, nil
}

// newApp opens the store, loads artifacts and wires the engine and scheduler.
func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := logging.New(cfg.LogLevel)
	a := &app{cfg: cfg, logger: logger}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	if err := st.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	v, registry, err := newValidator(logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.validator = v
	a.artifacts = kar.NewRepository(v)
	if cfg.KARDir != "" {
		n, err := kar.LoadDir(ctx, a.artifacts, v, cfg.KARDir, logger)
		switch {
		case err != nil && n == 0 && errors.Is(err, os.ErrNotExist):
			logger.Warn("knowledge artifact directory not found", slog.String("dir", cfg.KARDir))
		case err != nil:
			logger.Warn("some knowledge artifacts were rejected", slog.Int("loaded", n), slog.String("error", err.Error()))
		}
	}

	locker, err := a.newLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	var opts []phmessage.Option
	if cfg.LogDir != "" {
		fs, err := phmessage.NewFileSink(cfg.LogDir)
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, phmessage.WithSink(fs))
	}
	if cfg.S3Bucket != "" {
		s3, err := phmessage.NewS3Sink(ctx, phmessage.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		opts = append(opts, phmessage.WithSink(s3))
	}
	persister := phmessage.NewPersister(st, locker, logger, opts...)

	conds, err := conditions.NewEvaluator(logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("condition evaluator: %w", err)
	}
	fhir := ehr.NewFHIRClient(ehr.Config{BaseURL: cfg.FHIRBaseURL}, ehr.StaticToken(cfg.FHIRToken), nil, logger)

	sched := scheduler.NewScheduler(st, nil, a.artifacts, scheduler.Config{
		PollInterval: cfg.PollInterval,
		Workers:      cfg.PoolSize,
		BatchSize:    scheduler.DefaultConfig().BatchSize,
		MaxAttempts:  cfg.MaxAttempts,
		RetryDelay:   scheduler.DefaultConfig().RetryDelay,
	}, logger)

	exec, err := engine.NewExecutor(engine.Deps{
		Timing:      timing.NewEvaluator(utcNow),
		Conditions:  conds,
		Queries:     fhir,
		Reports:     registry,
		Persister:   persister,
		Rescheduler: sched,
		Clock:       utcNow,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.runner = engine.NewRunner(exec, st, logger)
	sched.SetRunner(a.runner)
	a.scheduler = sched
	return a, nil
}

// newLocker returns a redis-backed version lock when configured, otherwise
// an in-process one.
func (a *app) newLocker(ctx context.Context) (lock.Locker, error) {
	if a.cfg.RedisAddr == "" {
		return lock.NewKeyedMutex(), nil
	}
	client := backend.NewClient(&backend.Options{Addr: a.cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", a.cfg.RedisAddr, err)
	}
	a.closers = append(a.closers, client.Close)
	a.logger.Info("using redis version lock", slog.String("addr", a.cfg.RedisAddr))
	return lock.NewRedisLocker(client, "karflow:"), nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func utcNow() time.Time { return time.Now().UTC() }
