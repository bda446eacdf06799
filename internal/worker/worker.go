// Package worker implements the per-job execution loop: lease, cache
// lookup, tier escalation, and the side effects of a finished job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/escalation"
	"github.com/JakeFAU/tiered-scraper/internal/metrics"
	"github.com/JakeFAU/tiered-scraper/internal/queue"
)

// Jobs is the slice of the job manager a worker drives.
type Jobs interface {
	Dequeue(ctx context.Context) (queue.Lease, error)
	Heartbeat(ctx context.Context, id, token string) (time.Time, error)
	Complete(ctx context.Context, id, token string, result crawler.Result, attempts int, fromCache bool) error
	Fail(ctx context.Context, id, token string, cause error, attempts int) error
	Abandon(ctx context.Context, id, token, reason string) error
	GetStatus(ctx context.Context, id string) (crawler.Job, error)
	LeaseDuration() time.Duration
}

// Runner drives one URL through the fetch tiers.
type Runner interface {
	Run(ctx context.Context, req escalation.Request) (escalation.Report, error)
}

// Notifier delivers finished jobs to client callbacks.
type Notifier interface {
	Notify(job crawler.Job)
}

// Fanout submits children of a completed recursive job.
type Fanout interface {
	Dispatch(ctx context.Context, parent crawler.Job, result crawler.Result) (int, error)
}

// Config controls Worker behavior.
type Config struct {
	CacheTTL time.Duration
	// HeartbeatInterval defaults to a third of the lease duration.
	HeartbeatInterval time.Duration
	// FanoutTimeout bounds child submission after a job completes. Children
	// that cannot be enqueued in time are dropped. Defaults to the lease
	// duration.
	FanoutTimeout time.Duration
	// DequeueBackoff paces retries after Dequeue errors (default 100ms
	// doubling to 5s).
	DequeueBackoff crawler.ExponentialBackoff
}

// Deps bundles collaborators. Cache, Webhooks and Fanout are optional.
type Deps struct {
	Jobs     Jobs
	Runner   Runner
	Cache    crawler.ResultCache
	Webhooks Notifier
	Fanout   Fanout
	Logger   *zap.Logger
}

// Worker runs one job at a time.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = deps.Jobs.LeaseDuration() / 3
	}
	if cfg.FanoutTimeout <= 0 {
		cfg.FanoutTimeout = deps.Jobs.LeaseDuration()
	}
	if cfg.DequeueBackoff.BaseDelay <= 0 {
		cfg.DequeueBackoff = crawler.NewExponentialBackoff(100*time.Millisecond, 5*time.Second)
	}
	return &Worker{cfg: cfg, deps: deps, logger: logger}
}

// Run blocks, consuming leases until the context finishes. Dequeue errors
// are retried with backoff.
func (w *Worker) Run(ctx context.Context) error {
	failures := 0
	for {
		lease, err := w.deps.Jobs.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, crawler.ErrQueueClosed) {
				return nil
			}
			failures++
			delay := w.cfg.DequeueBackoff.Backoff(failures)
			w.logger.Error("dequeue failed", zap.Int("failures", failures), zap.Duration("retry_in", delay), zap.Error(err))
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		failures = 0
		w.logger.Debug("leased job", zap.String("job_id", lease.Job.ID))
		w.Process(ctx, lease)
	}
}

// Process runs a single leased job to a terminal state.
func (w *Worker) Process(ctx context.Context, lease queue.Lease) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	job := lease.Job
	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))
	// Bookkeeping must outlive a shutdown-cancelled run.
	settle := context.WithoutCancel(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopBeat := w.heartbeat(runCtx, cancel, lease, logger)
	defer stopBeat()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("worker panic", zap.Any("panic", rec))
			if err := w.deps.Jobs.Abandon(settle, job.ID, lease.Token, fmt.Sprintf("worker panic: %v", rec)); err != nil {
				logger.Error("abandon after panic failed", zap.Error(err))
			}
		}
	}()

	if result, ok := w.cached(runCtx, job); ok {
		logger.Info("served from cache")
		w.succeed(ctx, settle, lease, result, 0, true, logger)
		return
	}

	report, err := w.deps.Runner.Run(runCtx, escalation.Request{JobID: job.ID, URL: job.URL, Options: job.Options})
	switch {
	case err == nil:
		w.store(settle, job, report.Result, logger)
		w.succeed(ctx, settle, lease, report.Result, report.Fetches(), false, logger)
	case ctx.Err() != nil:
		logger.Warn("run interrupted by shutdown", zap.Error(err))
		if aerr := w.deps.Jobs.Abandon(settle, job.ID, lease.Token, "worker stopped"); aerr != nil {
			logger.Debug("abandon on shutdown failed", zap.Error(aerr))
		}
	case runCtx.Err() != nil:
		logger.Warn("lease lost during run", zap.Error(err))
	default:
		w.fail(settle, lease, err, report.Fetches(), logger)
	}
}

func (w *Worker) cached(ctx context.Context, job crawler.Job) (crawler.Result, bool) {
	if w.deps.Cache == nil {
		return crawler.Result{}, false
	}
	result, err := w.deps.Cache.Get(ctx, job.NormalizedURL)
	if err != nil {
		if !errors.Is(err, crawler.ErrCacheMiss) {
			w.logger.Warn("cache lookup failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		metrics.ObserveCache(false)
		return crawler.Result{}, false
	}
	metrics.ObserveCache(true)
	return result, true
}

func (w *Worker) store(ctx context.Context, job crawler.Job, result crawler.Result, logger *zap.Logger) {
	if w.deps.Cache == nil {
		return
	}
	if err := w.deps.Cache.Set(ctx, job.NormalizedURL, result, w.cfg.CacheTTL); err != nil {
		logger.Warn("cache write failed", zap.Error(err))
	}
}

// succeed records the result under settle, which survives shutdown. Fan-out
// runs under ctx bounded by FanoutTimeout; a full ready queue must not pin
// the worker that would drain it.
func (w *Worker) succeed(ctx, settle context.Context, lease queue.Lease, result crawler.Result, attempts int, fromCache bool, logger *zap.Logger) {
	if err := w.deps.Jobs.Complete(settle, lease.Job.ID, lease.Token, result, attempts, fromCache); err != nil {
		logger.Error("complete job failed", zap.Error(err))
		return
	}
	logger.Info("job completed",
		zap.String("tier", result.Tier.String()),
		zap.Int("attempts", attempts),
		zap.Bool("from_cache", fromCache))

	job := w.final(settle, lease.Job)
	if w.deps.Webhooks != nil {
		w.deps.Webhooks.Notify(job)
	}
	if w.deps.Fanout != nil {
		fanCtx, cancel := context.WithTimeout(ctx, w.cfg.FanoutTimeout)
		defer cancel()
		if _, err := w.deps.Fanout.Dispatch(fanCtx, job, result); err != nil {
			logger.Warn("fan-out failed", zap.Error(err))
		}
	}
}

func (w *Worker) fail(ctx context.Context, lease queue.Lease, cause error, attempts int, logger *zap.Logger) {
	if err := w.deps.Jobs.Fail(ctx, lease.Job.ID, lease.Token, cause, attempts); err != nil {
		logger.Error("fail job failed", zap.Error(err))
		return
	}
	logger.Warn("job failed", zap.Int("attempts", attempts), zap.Error(cause))
	if w.deps.Webhooks != nil {
		w.deps.Webhooks.Notify(w.final(ctx, lease.Job))
	}
}

// final reloads the settled job, falling back to the leased copy.
func (w *Worker) final(ctx context.Context, leased crawler.Job) crawler.Job {
	job, err := w.deps.Jobs.GetStatus(ctx, leased.ID)
	if err != nil {
		w.logger.Warn("reload job failed", zap.String("job_id", leased.ID), zap.Error(err))
		return leased
	}
	return job
}

// heartbeat extends the lease until stopped. Losing the lease cancels the run.
func (w *Worker) heartbeat(ctx context.Context, cancel context.CancelFunc, lease queue.Lease, logger *zap.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.deps.Jobs.Heartbeat(ctx, lease.Job.ID, lease.Token); err != nil {
					if errors.Is(err, crawler.ErrLeaseLost) || errors.Is(err, crawler.ErrJobNotFound) {
						logger.Warn("lease lost", zap.Error(err))
						cancel()
						return
					}
					logger.Debug("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
