// Package queue owns the scrape job lifecycle: admission, dedup, leases,
// stall recovery and retention. Ready job IDs flow through a crawler.Queue;
// job state lives in a crawler.JobStore.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/metrics"
	"github.com/JakeFAU/tiered-scraper/internal/progress"
)

// StallLimitMessage is recorded on jobs that exceeded the stall limit.
const StallLimitMessage = "job stalled more than allowable limit"

// Admitter throttles dispatches. ratelimit.Admission satisfies it.
type Admitter interface {
	Wait(ctx context.Context) error
}

// Options tunes leases and retention.
type Options struct {
	LeaseDuration time.Duration
	MaxStalls     int
	KeepCompleted int
	KeepFailed    int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		LeaseDuration: 30 * time.Second,
		MaxStalls:     1,
		KeepCompleted: 100,
		KeepFailed:    1000,
	}
}

// Deps are the collaborators a Manager needs. Safety, Admission and Events
// are optional.
type Deps struct {
	Store     crawler.JobStore
	Ready     crawler.Queue
	Hasher    crawler.Hasher
	IDs       crawler.IDGenerator
	Clock     crawler.Clock
	Safety    crawler.SafetyChecker
	Admission Admitter
	Events    progress.Emitter
	Logger    *zap.Logger
}

// Handle identifies a submitted job.
type Handle struct {
	ID       string            `json:"jobId"`
	Status   crawler.JobStatus `json:"status"`
	Existing bool              `json:"existing"`
}

// Lease grants a worker exclusive ownership of an active job until ExpiresAt.
type Lease struct {
	Job       crawler.Job
	Token     string
	ExpiresAt time.Time
}

// Counts summarizes jobs by state. Ready is the ready-queue depth.
type Counts struct {
	Queued    int `json:"queued"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Ready     int `json:"ready"`
}

// Manager coordinates job state transitions. All read-modify-write cycles on
// a job happen under mu so dedup and lease checks are serialized.
type Manager struct {
	store     crawler.JobStore
	ready     crawler.Queue
	hasher    crawler.Hasher
	ids       crawler.IDGenerator
	clock     crawler.Clock
	safety    crawler.SafetyChecker
	admission Admitter
	events    progress.Emitter
	logger    *zap.Logger
	opts      Options

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// New validates deps and builds a Manager.
func New(deps Deps, opts Options) (*Manager, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("job store is required")
	case deps.Ready == nil:
		return nil, errors.New("ready queue is required")
	case deps.Hasher == nil:
		return nil, errors.New("hasher is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case opts.LeaseDuration <= 0:
		return nil, errors.New("lease duration must be > 0")
	case opts.MaxStalls < 0:
		return nil, errors.New("max stalls must be >= 0")
	}
	if deps.Events == nil {
		deps.Events = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		store:     deps.Store,
		ready:     deps.Ready,
		hasher:    deps.Hasher,
		ids:       deps.IDs,
		clock:     deps.Clock,
		safety:    deps.Safety,
		admission: deps.Admission,
		events:    deps.Events,
		logger:    deps.Logger,
		opts:      opts,
		waiters:   make(map[string][]chan struct{}),
	}, nil
}

// LeaseDuration reports how long a lease lasts without a heartbeat.
func (m *Manager) LeaseDuration() time.Duration {
	return m.opts.LeaseDuration
}

type lineage struct {
	rootID  string
	crawlID string
	depth   int
	child   bool
}

// Submit admits a root job. Resubmitting a URL whose job is queued or active
// returns the existing handle; a terminal job is reset and re-run.
func (m *Manager) Submit(ctx context.Context, rawURL string, opts crawler.JobOptions) (Handle, error) {
	return m.submit(ctx, rawURL, opts, lineage{})
}

// SubmitChild admits a job discovered while crawling parent. The child
// inherits the parent's options and root and sits one level shallower.
func (m *Manager) SubmitChild(ctx context.Context, parent crawler.Job, rawURL string) (Handle, error) {
	rootID := parent.RootID
	if rootID == "" {
		rootID = parent.ID
	}
	crawlID := parent.CrawlID
	if crawlID == "" {
		crawlID = rootID
	}
	return m.submit(ctx, rawURL, parent.Options, lineage{rootID: rootID, crawlID: crawlID, depth: parent.Depth - 1, child: true})
}

func (m *Manager) submit(ctx context.Context, rawURL string, opts crawler.JobOptions, lin lineage) (Handle, error) {
	opts, err := opts.Normalize()
	if err != nil {
		return Handle{}, err
	}
	if m.safety != nil {
		if err := m.safety.Check(ctx, rawURL); err != nil {
			return Handle{}, err
		}
	}
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", crawler.ErrInvalidOptions, err)
	}
	id, err := crawler.JobID(m.hasher, normalized)
	if err != nil {
		return Handle{}, err
	}
	crawlID := lin.crawlID
	if !lin.child {
		if crawlID, err = m.ids.NewID(); err != nil {
			return Handle{}, fmt.Errorf("crawl id: %w", err)
		}
	}

	now := m.now()
	m.mu.Lock()
	existing, err := m.store.GetJob(ctx, id)
	switch {
	case err == nil && !existing.Status.Terminal():
		m.mu.Unlock()
		metrics.ObserveSubmit(true)
		m.logger.Debug("submission coalesced", zap.String("job_id", id), zap.String("status", string(existing.Status)))
		return Handle{ID: id, Status: existing.Status, Existing: true}, nil
	case err != nil && !errors.Is(err, crawler.ErrJobNotFound):
		m.mu.Unlock()
		return Handle{}, fmt.Errorf("load job %s: %w", id, err)
	}
	resubmitted := err == nil

	job := crawler.Job{
		ID:            id,
		URL:           rawURL,
		NormalizedURL: normalized,
		CreatedAt:     now,
	}
	if resubmitted {
		job = existing
		job.URL = rawURL
	}
	resetForRun(&job, now)
	job.Options = opts
	job.RootID = id
	job.CrawlID = crawlID
	job.Depth = 0
	if opts.Recursive {
		job.Depth = opts.MaxDepth
	}
	if lin.child {
		job.RootID = lin.rootID
		job.Depth = lin.depth
	}
	if err := m.store.SaveJob(ctx, job); err != nil {
		m.mu.Unlock()
		return Handle{}, fmt.Errorf("save job %s: %w", id, err)
	}
	m.mu.Unlock()

	if err := m.enqueue(ctx, id, now); err != nil {
		m.abortSubmit(id, err)
		return Handle{}, err
	}
	metrics.ObserveSubmit(false)
	m.logger.Info("job submitted",
		zap.String("job_id", id),
		zap.String("url", normalized),
		zap.Int("depth", job.Depth),
		zap.Bool("resubmitted", resubmitted),
	)
	return Handle{ID: id, Status: crawler.JobStatusQueued}, nil
}

// abortSubmit marks a job whose ID never reached the ready queue as failed so
// it does not linger as queued forever.
func (m *Manager) abortSubmit(id string, cause error) {
	ctx := context.Background()
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.store.GetJob(ctx, id)
	if err != nil || job.Status != crawler.JobStatusQueued {
		return
	}
	now := m.now()
	job.Status = crawler.JobStatusFailed
	job.LastError = cause.Error()
	job.FinishedAt = &now
	job.UpdatedAt = now
	if err := m.store.SaveJob(ctx, job); err != nil {
		m.logger.Warn("failed to record aborted submission", zap.String("job_id", id), zap.Error(err))
	}
	m.notifyLocked(id)
}

// GetStatus returns the current job record.
func (m *Manager) GetStatus(ctx context.Context, id string) (crawler.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Wait blocks until the job reaches a terminal state or ctx ends. On ctx
// expiry it returns the latest record together with the context error.
func (m *Manager) Wait(ctx context.Context, id string) (crawler.Job, error) {
	for {
		m.mu.Lock()
		job, err := m.store.GetJob(ctx, id)
		if err != nil {
			m.mu.Unlock()
			return crawler.Job{}, fmt.Errorf("get job %s: %w", id, err)
		}
		if job.Status.Terminal() {
			m.mu.Unlock()
			return job, nil
		}
		ch := make(chan struct{})
		m.waiters[id] = append(m.waiters[id], ch)
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			m.dropWaiter(id, ch)
			return job, fmt.Errorf("wait for job %s: %w", id, ctx.Err())
		case <-ch:
		}
	}
}

// Dequeue blocks for admission and the next ready job, then leases it to the
// caller. Stale ready entries (deleted, already active or finished jobs) are
// skipped.
func (m *Manager) Dequeue(ctx context.Context) (Lease, error) {
	if m.admission != nil {
		if err := m.admission.Wait(ctx); err != nil {
			return Lease{}, err
		}
	}
	for {
		item, err := m.ready.Dequeue(ctx)
		if err != nil {
			return Lease{}, fmt.Errorf("dequeue: %w", err)
		}
		lease, ok, err := m.activate(ctx, item.JobID)
		if err != nil {
			return Lease{}, err
		}
		if ok {
			return lease, nil
		}
		m.logger.Debug("skipping stale ready entry", zap.String("job_id", item.JobID))
	}
}

func (m *Manager) activate(ctx context.Context, id string) (Lease, bool, error) {
	token, err := m.ids.NewID()
	if err != nil {
		return Lease{}, false, fmt.Errorf("lease token: %w", err)
	}
	m.mu.Lock()
	job, err := m.store.GetJob(ctx, id)
	if errors.Is(err, crawler.ErrJobNotFound) {
		m.mu.Unlock()
		return Lease{}, false, nil
	}
	if err != nil {
		m.mu.Unlock()
		return Lease{}, false, fmt.Errorf("load job %s: %w", id, err)
	}
	if job.Status != crawler.JobStatusQueued {
		m.mu.Unlock()
		return Lease{}, false, nil
	}
	now := m.now()
	expires := now.Add(m.opts.LeaseDuration)
	job.Status = crawler.JobStatusActive
	job.Runs++
	job.Attempts = 0
	job.StartedAt = &now
	job.UpdatedAt = now
	job.LeaseToken = token
	job.LeaseExpiresAt = &expires
	if err := m.store.SaveJob(ctx, job); err != nil {
		m.mu.Unlock()
		return Lease{}, false, fmt.Errorf("activate job %s: %w", id, err)
	}
	m.mu.Unlock()

	m.events.Emit(progress.Event{
		JobID: id,
		TS:    now,
		Stage: progress.StageActive,
		URL:   job.NormalizedURL,
		Runs:  job.Runs,
	})
	return Lease{Job: job, Token: token, ExpiresAt: expires}, true, nil
}

// Heartbeat extends the lease. It returns crawler.ErrLeaseLost when the job
// is no longer active under token.
func (m *Manager) Heartbeat(ctx context.Context, id, token string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, err := m.leased(ctx, id, token)
	if err != nil {
		return time.Time{}, err
	}
	now := m.now()
	expires := now.Add(m.opts.LeaseDuration)
	job.LeaseExpiresAt = &expires
	job.UpdatedAt = now
	if err := m.store.SaveJob(ctx, job); err != nil {
		return time.Time{}, fmt.Errorf("extend lease %s: %w", id, err)
	}
	return expires, nil
}

// Complete records a successful run.
func (m *Manager) Complete(ctx context.Context, id, token string, result crawler.Result, attempts int, fromCache bool) error {
	return m.finish(ctx, id, token, func(job *crawler.Job) {
		tier := result.Tier
		job.Status = crawler.JobStatusCompleted
		job.Result = &result
		job.Tier = &tier
		job.FromCache = fromCache
		job.Attempts = attempts
		job.LastError = ""
	})
}

// Fail records an exhausted run. cause becomes the job's error message.
func (m *Manager) Fail(ctx context.Context, id, token string, cause error, attempts int) error {
	return m.finish(ctx, id, token, func(job *crawler.Job) {
		job.Status = crawler.JobStatusFailed
		job.Attempts = attempts
		job.Result = nil
		job.LastError = "unknown error"
		if cause != nil {
			job.LastError = cause.Error()
		}
	})
}

func (m *Manager) finish(ctx context.Context, id, token string, apply func(*crawler.Job)) error {
	m.mu.Lock()
	job, err := m.leased(ctx, id, token)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	now := m.now()
	apply(&job)
	job.FinishedAt = &now
	job.UpdatedAt = now
	clearLease(&job)
	if err := m.store.SaveJob(ctx, job); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	m.notifyLocked(id)
	m.mu.Unlock()

	source := "fetch"
	if job.FromCache {
		source = "cache"
	}
	metrics.ObserveJob(string(job.Status), source)
	m.events.Emit(terminalEvent(job, now))
	m.applyRetention(ctx, job.Status)
	return nil
}

// Abandon surfaces a job whose worker crashed as stalled without waiting for
// the lease to expire.
func (m *Manager) Abandon(ctx context.Context, id, token, reason string) error {
	m.mu.Lock()
	job, err := m.leased(ctx, id, token)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	requeue, evts, err := m.stallLocked(ctx, job, reason)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.afterStall(ctx, requeue, evts)
	return nil
}

// ReapStalled marks every active job with an expired lease as stalled. Jobs
// under the stall limit are requeued; the rest fail. It returns how many jobs
// were reaped.
func (m *Manager) ReapStalled(ctx context.Context) (int, error) {
	active, err := m.store.ListJobs(ctx, crawler.JobFilter{Status: crawler.JobStatusActive})
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	reaped := 0
	for _, candidate := range active {
		now := m.now()
		if candidate.LeaseExpiresAt != nil && candidate.LeaseExpiresAt.After(now) {
			continue
		}
		m.mu.Lock()
		job, err := m.store.GetJob(ctx, candidate.ID)
		if err != nil || job.Status != crawler.JobStatusActive ||
			(job.LeaseExpiresAt != nil && job.LeaseExpiresAt.After(now)) {
			m.mu.Unlock()
			continue
		}
		requeue, evts, err := m.stallLocked(ctx, job, "lease expired")
		m.mu.Unlock()
		if err != nil {
			return reaped, err
		}
		m.afterStall(ctx, requeue, evts)
		reaped++
	}
	return reaped, nil
}

// stallLocked records a stall and decides between requeue and failure. The
// caller holds mu.
func (m *Manager) stallLocked(ctx context.Context, job crawler.Job, reason string) (bool, []progress.Event, error) {
	now := m.now()
	job.Stalls++
	job.UpdatedAt = now
	clearLease(&job)
	evts := []progress.Event{{
		JobID: job.ID,
		TS:    now,
		Stage: progress.StageStalled,
		URL:   job.NormalizedURL,
		Runs:  job.Runs,
		Note:  reason,
	}}
	requeue := job.Stalls <= m.opts.MaxStalls
	if requeue {
		job.Status = crawler.JobStatusQueued
	} else {
		job.Status = crawler.JobStatusFailed
		job.LastError = StallLimitMessage
		job.FinishedAt = &now
		evts = append(evts, terminalEvent(job, now))
	}
	if err := m.store.SaveJob(ctx, job); err != nil {
		return false, nil, fmt.Errorf("stall job %s: %w", job.ID, err)
	}
	metrics.ObserveStall()
	if !requeue {
		m.notifyLocked(job.ID)
		metrics.ObserveJob(string(crawler.JobStatusFailed), "stall")
	}
	m.logger.Warn("job stalled",
		zap.String("job_id", job.ID),
		zap.Int("stalls", job.Stalls),
		zap.Bool("requeued", requeue),
		zap.String("reason", reason),
	)
	return requeue, evts, nil
}

func (m *Manager) afterStall(ctx context.Context, requeue bool, evts []progress.Event) {
	for _, evt := range evts {
		m.events.Emit(evt)
	}
	if len(evts) == 0 {
		return
	}
	id := evts[0].JobID
	if !requeue {
		m.applyRetention(ctx, crawler.JobStatusFailed)
		return
	}
	if err := m.enqueue(ctx, id, m.now()); err != nil {
		m.logger.Error("requeue stalled job failed", zap.String("job_id", id), zap.Error(err))
		m.abortSubmit(id, err)
	}
}

// Counts reports jobs by state plus the ready-queue depth.
func (m *Manager) Counts(ctx context.Context) (Counts, error) {
	byStatus, err := m.store.CountJobs(ctx)
	if err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	return Counts{
		Queued:    byStatus[crawler.JobStatusQueued],
		Active:    byStatus[crawler.JobStatusActive],
		Completed: byStatus[crawler.JobStatusCompleted],
		Failed:    byStatus[crawler.JobStatusFailed],
		Ready:     m.ready.Len(),
	}, nil
}

// List returns jobs in status (all when empty), most recently updated first.
func (m *Manager) List(ctx context.Context, status crawler.JobStatus, limit int) ([]crawler.Job, error) {
	jobs, err := m.store.ListJobs(ctx, crawler.JobFilter{Status: status, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Retry moves a failed job back to queued.
func (m *Manager) Retry(ctx context.Context, id string) (crawler.Job, error) {
	m.mu.Lock()
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		m.mu.Unlock()
		return crawler.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if job.Status != crawler.JobStatusFailed {
		m.mu.Unlock()
		return crawler.Job{}, fmt.Errorf("%w: job %s is %s", crawler.ErrNotRetryable, id, job.Status)
	}
	now := m.now()
	resetForRun(&job, now)
	if err := m.store.SaveJob(ctx, job); err != nil {
		m.mu.Unlock()
		return crawler.Job{}, fmt.Errorf("save job %s: %w", id, err)
	}
	m.mu.Unlock()

	if err := m.enqueue(ctx, id, now); err != nil {
		m.abortSubmit(id, err)
		return crawler.Job{}, err
	}
	m.logger.Info("job retried", zap.String("job_id", id))
	return job, nil
}

// Clean deletes every job in status. Active jobs cannot be cleaned.
func (m *Manager) Clean(ctx context.Context, status crawler.JobStatus) (int, error) {
	switch status {
	case crawler.JobStatusCompleted, crawler.JobStatusFailed, crawler.JobStatusQueued:
	default:
		return 0, fmt.Errorf("%w: cannot clean %q jobs", crawler.ErrInvalidStatus, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed, err := m.store.PruneJobs(ctx, status, 0)
	if err != nil {
		return removed, fmt.Errorf("clean %s jobs: %w", status, err)
	}
	m.logger.Info("jobs cleaned", zap.String("status", string(status)), zap.Int("removed", removed))
	return removed, nil
}

// Restore re-enqueues queued jobs found in the store, oldest first. It is
// used at startup with a durable job store.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	jobs, err := m.store.ListJobs(ctx, crawler.JobFilter{Status: crawler.JobStatusQueued})
	if err != nil {
		return 0, fmt.Errorf("list queued jobs: %w", err)
	}
	restored := 0
	for i := len(jobs) - 1; i >= 0; i-- {
		if err := m.enqueue(ctx, jobs[i].ID, jobs[i].CreatedAt); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// ApplyRetention prunes both terminal states down to their configured size.
func (m *Manager) ApplyRetention(ctx context.Context) (int, error) {
	total := 0
	for _, status := range []crawler.JobStatus{crawler.JobStatusCompleted, crawler.JobStatusFailed} {
		removed, err := m.store.PruneJobs(ctx, status, m.keep(status))
		total += removed
		if err != nil {
			return total, fmt.Errorf("prune %s jobs: %w", status, err)
		}
	}
	return total, nil
}

func (m *Manager) applyRetention(ctx context.Context, status crawler.JobStatus) {
	removed, err := m.store.PruneJobs(ctx, status, m.keep(status))
	if err != nil {
		m.logger.Warn("retention prune failed", zap.String("status", string(status)), zap.Error(err))
		return
	}
	if removed > 0 {
		m.logger.Debug("retention pruned jobs", zap.String("status", string(status)), zap.Int("removed", removed))
	}
}

func (m *Manager) keep(status crawler.JobStatus) int {
	if status == crawler.JobStatusCompleted {
		return m.opts.KeepCompleted
	}
	return m.opts.KeepFailed
}

// leased loads id and verifies token owns its active lease. Caller holds mu.
func (m *Manager) leased(ctx context.Context, id, token string) (crawler.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if errors.Is(err, crawler.ErrJobNotFound) {
		return crawler.Job{}, fmt.Errorf("%w: job %s no longer exists", crawler.ErrLeaseLost, id)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if job.Status != crawler.JobStatusActive || job.LeaseToken == "" || job.LeaseToken != token {
		return crawler.Job{}, fmt.Errorf("%w: job %s", crawler.ErrLeaseLost, id)
	}
	return job, nil
}

func (m *Manager) enqueue(ctx context.Context, id string, at time.Time) error {
	if err := m.ready.Enqueue(ctx, crawler.QueueItem{JobID: id, Submitted: at}); err != nil {
		return fmt.Errorf("enqueue job %s: %w", id, err)
	}
	return nil
}

// notifyLocked wakes Wait callers for id. Caller holds mu.
func (m *Manager) notifyLocked(id string) {
	for _, ch := range m.waiters[id] {
		close(ch)
	}
	delete(m.waiters, id)
}

func (m *Manager) dropWaiter(id string, target chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chans := m.waiters[id]
	for i, ch := range chans {
		if ch == target {
			m.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(m.waiters[id]) == 0 {
		delete(m.waiters, id)
	}
}

func (m *Manager) now() time.Time {
	return m.clock.Now().UTC()
}

func resetForRun(job *crawler.Job, now time.Time) {
	job.Status = crawler.JobStatusQueued
	job.Attempts = 0
	job.Runs = 0
	job.Stalls = 0
	job.LastError = ""
	job.Result = nil
	job.Tier = nil
	job.FromCache = false
	job.StartedAt = nil
	job.FinishedAt = nil
	job.UpdatedAt = now
	clearLease(job)
}

func clearLease(job *crawler.Job) {
	job.LeaseToken = ""
	job.LeaseExpiresAt = nil
}

func terminalEvent(job crawler.Job, now time.Time) progress.Event {
	stage := progress.StageCompleted
	if job.Status == crawler.JobStatusFailed {
		stage = progress.StageFailed
	}
	evt := progress.Event{
		JobID: job.ID,
		TS:    now,
		Stage: stage,
		URL:   job.NormalizedURL,
		Runs:  job.Runs,
		Note:  job.LastError,
	}
	if job.Tier != nil {
		evt.Tier = job.Tier.String()
	}
	if job.StartedAt != nil && now.After(*job.StartedAt) {
		evt.Dur = now.Sub(*job.StartedAt)
	}
	return evt
}
