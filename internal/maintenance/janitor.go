// Package maintenance schedules the background housekeeping that keeps the
// job manager healthy: stall reaping, retention, and cache/budget sweeps.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Jobs is the job manager surface the janitor drives.
type Jobs interface {
	ReapStalled(ctx context.Context) (int, error)
	ApplyRetention(ctx context.Context) (int, error)
}

// Sweeper drops expired entries and reports how many went.
type Sweeper interface {
	Sweep() int
}

// Pruner forgets idle bookkeeping and reports how many entries went.
type Pruner interface {
	Prune() int
}

// Config holds cron specs. Descriptors such as "@every 10s" are accepted.
type Config struct {
	ReapSchedule      string
	RetentionSchedule string
	Timeout           time.Duration
}

// Janitor owns the cron scheduler.
type Janitor struct {
	cfg     Config
	jobs    Jobs
	cache   Sweeper
	budgets Pruner
	logger  *zap.Logger
	cron    *cron.Cron
}

// New registers the housekeeping tasks. cache and budgets may be nil.
func New(cfg Config, jobs Jobs, cache Sweeper, budgets Pruner, logger *zap.Logger) (*Janitor, error) {
	if cfg.ReapSchedule == "" {
		cfg.ReapSchedule = "@every 10s"
	}
	if cfg.RetentionSchedule == "" {
		cfg.RetentionSchedule = "@every 1m"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.Sugar()}
	j := &Janitor{
		cfg:     cfg,
		jobs:    jobs,
		cache:   cache,
		budgets: budgets,
		logger:  logger,
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
	}
	if _, err := j.cron.AddFunc(cfg.ReapSchedule, func() { j.run(j.Reap) }); err != nil {
		return nil, fmt.Errorf("schedule reaper %q: %w", cfg.ReapSchedule, err)
	}
	if _, err := j.cron.AddFunc(cfg.RetentionSchedule, func() { j.run(j.Retain) }); err != nil {
		return nil, fmt.Errorf("schedule retention %q: %w", cfg.RetentionSchedule, err)
	}
	return j, nil
}

// Start launches the scheduler in its own goroutine.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("janitor started",
		zap.String("reap", j.cfg.ReapSchedule),
		zap.String("retention", j.cfg.RetentionSchedule))
}

// Stop halts scheduling and waits for running tasks or ctx, whichever is first.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("janitor stop: %w", ctx.Err())
	}
}

// Reap surfaces stalled jobs.
func (j *Janitor) Reap(ctx context.Context) error {
	n, err := j.jobs.ReapStalled(ctx)
	if err != nil {
		return fmt.Errorf("reap stalled jobs: %w", err)
	}
	if n > 0 {
		j.logger.Warn("reaped stalled jobs", zap.Int("count", n))
	}
	return nil
}

// Retain trims terminal jobs and sweeps expired cache entries and budgets.
func (j *Janitor) Retain(ctx context.Context) error {
	pruned, err := j.jobs.ApplyRetention(ctx)
	if err != nil {
		return fmt.Errorf("apply retention: %w", err)
	}
	fields := []zap.Field{zap.Int("jobs", pruned)}
	if j.cache != nil {
		fields = append(fields, zap.Int("cache_entries", j.cache.Sweep()))
	}
	if j.budgets != nil {
		fields = append(fields, zap.Int("budgets", j.budgets.Prune()))
	}
	j.logger.Debug("retention pass", fields...)
	return nil
}

func (j *Janitor) run(task func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Timeout)
	defer cancel()
	if err := task(ctx); err != nil {
		j.logger.Error("maintenance task failed", zap.Error(err))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
