package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tiered-scraper/internal/clock/manual"
	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/hash/sha256"
	"github.com/JakeFAU/tiered-scraper/internal/id/uuid"
	"github.com/JakeFAU/tiered-scraper/internal/progress"
	memqueue "github.com/JakeFAU/tiered-scraper/internal/queue/memory"
	memstore "github.com/JakeFAU/tiered-scraper/internal/storage/memory"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages(jobID string) []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Stage
	for _, evt := range r.events {
		if evt.JobID == jobID {
			out = append(out, evt.Stage)
		}
	}
	return out
}

type denyAll struct{}

func (denyAll) Check(context.Context, string) error { return crawler.ErrUnsafeURL }

type harness struct {
	mgr    *Manager
	store  *memstore.JobStore
	ready  *memqueue.Queue
	clock  *manual.Clock
	events *recordingEmitter
}

func newHarness(t *testing.T, opts Options) harness {
	t.Helper()
	h := harness{
		store:  memstore.NewJobStore(),
		ready:  memqueue.NewQueue(64),
		clock:  manual.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		events: &recordingEmitter{},
	}
	mgr, err := New(Deps{
		Store:  h.store,
		Ready:  h.ready,
		Hasher: sha256.New(),
		IDs:    uuid.New(),
		Clock:  h.clock,
		Events: h.events,
	}, opts)
	require.NoError(t, err)
	h.mgr = mgr
	return h
}

func dequeue(t *testing.T, mgr *Manager) Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lease, err := mgr.Dequeue(ctx)
	require.NoError(t, err)
	return lease
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, DefaultOptions())
	require.Error(t, err)

	h := newHarness(t, DefaultOptions())
	_, err = New(Deps{
		Store:  h.store,
		Ready:  h.ready,
		Hasher: sha256.New(),
		IDs:    uuid.New(),
		Clock:  h.clock,
	}, Options{})
	require.ErrorContains(t, err, "lease duration")
}

func TestSubmitDedupUnderConcurrency(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultOptions())
	urls := []string{
		"https://Example.com/page?b=2&a=1",
		"https://example.com:443/page?a=1&b=2&utm_source=x",
		"https://example.com/page?a=1&b=2#frag",
	}

	const callers = 24
	handles := make([]Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := h.mgr.Submit(context.Background(), urls[i%len(urls)], crawler.JobOptions{})
			require.NoError(t, err)
			handles[i] = handle
		}(i)
	}
	wg.Wait()

	created := 0
	for _, handle := range handles {
		require.Equal(t, handles[0].ID, handle.ID)
		if !handle.Existing {
			created++
		}
	}
	require.Equal(t, 1, created)
	require.Equal(t, 1, h.ready.Len())

	lease := dequeue(t, h.mgr)
	require.Equal(t, handles[0].ID, lease.Job.ID)
	require.Equal(t, 1, lease.Job.Runs)

	again, err := h.mgr.Submit(context.Background(), urls[0], crawler.JobOptions{})
	require.NoError(t, err)
	require.True(t, again.Existing)
	require.Equal(t, crawler.JobStatusActive, again.Status)
	require.Equal(t, 0, h.ready.Len())
}

func TestSubmitRejectsUnsafeAndInvalid(t *testing.T) {
	t.Parallel()

	store := memstore.NewJobStore()
	mgr, err := New(Deps{
		Store:  store,
		Ready:  memqueue.NewQueue(4),
		Hasher: sha256.New(),
		IDs:    uuid.New(),
		Clock:  manual.New(time.Now()),
		Safety: denyAll{},
	}, DefaultOptions())
	require.NoError(t, err)

	_, err = mgr.Submit(context.Background(), "http://127.0.0.1/", crawler.JobOptions{})
	require.ErrorIs(t, err, crawler.ErrUnsafeURL)

	_, err = mgr.Submit(context.Background(), "https://example.com/", crawler.JobOptions{MaxPages: 500})
	require.ErrorIs(t, err, crawler.ErrInvalidOptions)

	counts, err := store.CountJobs(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts[crawler.JobStatusQueued])
}

func TestLeaseTokenGuardsTransitions(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	handle, err := h.mgr.Submit(ctx, "https://example.com/", crawler.JobOptions{})
	require.NoError(t, err)
	lease := dequeue(t, h.mgr)

	require.ErrorIs(t, h.mgr.Complete(ctx, handle.ID, "stale", crawler.Result{Title: "x"}, 1, false), crawler.ErrLeaseLost)
	_, err = h.mgr.Heartbeat(ctx, handle.ID, "stale")
	require.ErrorIs(t, err, crawler.ErrLeaseLost)

	h.clock.Advance(10 * time.Second)
	expires, err := h.mgr.Heartbeat(ctx, handle.ID, lease.Token)
	require.NoError(t, err)
	require.True(t, h.clock.Now().Add(30*time.Second).Equal(expires))

	h.clock.Advance(2 * time.Second)
	result := crawler.Result{URL: "https://example.com/", Title: "OK", Tier: crawler.TierStealth}
	require.NoError(t, h.mgr.Complete(ctx, handle.ID, lease.Token, result, 3, false))
	require.ErrorIs(t, h.mgr.Fail(ctx, handle.ID, lease.Token, errors.New("late"), 1), crawler.ErrLeaseLost)

	job, err := h.mgr.GetStatus(ctx, handle.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 3, job.Attempts)
	require.Equal(t, "OK", job.Result.Title)
	require.Equal(t, crawler.TierStealth, *job.Tier)
	require.Empty(t, job.LeaseToken)
	require.Equal(t, []progress.Stage{progress.StageActive, progress.StageCompleted}, h.events.stages(handle.ID))
}

func TestReapStalledRequeuesThenFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	handle, err := h.mgr.Submit(ctx, "https://example.com/slow", crawler.JobOptions{})
	require.NoError(t, err)
	dequeue(t, h.mgr)

	reaped, err := h.mgr.ReapStalled(ctx)
	require.NoError(t, err)
	require.Zero(t, reaped, "lease has not expired yet")

	h.clock.Advance(31 * time.Second)
	reaped, err = h.mgr.ReapStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	job, err := h.mgr.GetStatus(ctx, handle.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusQueued, job.Status)
	require.Equal(t, 1, job.Stalls)
	require.Equal(t, 1, h.ready.Len())

	second := dequeue(t, h.mgr)
	require.Equal(t, 2, second.Job.Runs)
	h.clock.Advance(31 * time.Second)
	reaped, err = h.mgr.ReapStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reaped)

	job, err = h.mgr.GetStatus(ctx, handle.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Equal(t, StallLimitMessage, job.LastError)
	require.Zero(t, h.ready.Len())
	require.Equal(t, []progress.Stage{
		progress.StageActive,
		progress.StageStalled,
		progress.StageActive,
		progress.StageStalled,
		progress.StageFailed,
	}, h.events.stages(handle.ID))
}

func TestAbandonMarksStalledImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	handle, err := h.mgr.Submit(ctx, "https://example.com/panic", crawler.JobOptions{})
	require.NoError(t, err)
	lease := dequeue(t, h.mgr)

	require.NoError(t, h.mgr.Abandon(ctx, handle.ID, lease.Token, "worker panic"))
	require.ErrorIs(t, h.mgr.Abandon(ctx, handle.ID, lease.Token, "again"), crawler.ErrLeaseLost)

	job, err := h.mgr.GetStatus(ctx, handle.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusQueued, job.Status)
	require.Equal(t, 1, job.Stalls)
}

func TestResubmitTerminalJobResets(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	handle, err := h.mgr.Submit(ctx, "https://example.com/", crawler.JobOptions{})
	require.NoError(t, err)
	lease := dequeue(t, h.mgr)
	require.NoError(t, h.mgr.Fail(ctx, handle.ID, lease.Token, errors.New("boom"), 3))

	again, err := h.mgr.Submit(ctx, "https://example.com/", crawler.JobOptions{Selectors: map[string]string{"h": "h1"}})
	require.NoError(t, err)
	require.False(t, again.Existing)
	require.Equal(t, handle.ID, again.ID)

	job, err := h.mgr.GetStatus(ctx, handle.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusQueued, job.Status)
	require.Empty(t, job.LastError)
	require.Zero(t, job.Attempts)
	require.Equal(t, "h1", job.Options.Selectors["h"])
}

func TestRetryAndClean(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	failed, err := h.mgr.Submit(ctx, "https://example.com/a", crawler.JobOptions{})
	require.NoError(t, err)
	lease := dequeue(t, h.mgr)
	require.NoError(t, h.mgr.Fail(ctx, failed.ID, lease.Token, crawler.ErrExhausted, 3))

	done, err := h.mgr.Submit(ctx, "https://example.com/b", crawler.JobOptions{})
	require.NoError(t, err)
	lease = dequeue(t, h.mgr)
	require.NoError(t, h.mgr.Complete(ctx, done.ID, lease.Token, crawler.Result{Title: "b"}, 1, false))

	_, err = h.mgr.Retry(ctx, done.ID)
	require.ErrorIs(t, err, crawler.ErrNotRetryable)
	_, err = h.mgr.Retry(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)

	job, err := h.mgr.Retry(ctx, failed.ID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusQueued, job.Status)

	_, err = h.mgr.Clean(ctx, crawler.JobStatusActive)
	require.ErrorIs(t, err, crawler.ErrInvalidStatus)

	removed, err := h.mgr.Clean(ctx, crawler.JobStatusCompleted)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	counts, err := h.mgr.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, Counts{Queued: 1, Ready: 1}, counts)

	removed, err = h.mgr.Clean(ctx, crawler.JobStatusQueued)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	// The ready entry now points at a deleted job and is skipped.
	dctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = h.mgr.Dequeue(dctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetentionKeepsNewestTerminalJobs(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.KeepCompleted = 2
	h := newHarness(t, opts)
	ctx := context.Background()

	var ids []string
	for _, path := range []string{"/1", "/2", "/3"} {
		handle, err := h.mgr.Submit(ctx, "https://example.com"+path, crawler.JobOptions{})
		require.NoError(t, err)
		lease := dequeue(t, h.mgr)
		h.clock.Advance(time.Second)
		require.NoError(t, h.mgr.Complete(ctx, handle.ID, lease.Token, crawler.Result{}, 1, false))
		ids = append(ids, handle.ID)
	}

	_, err := h.mgr.GetStatus(ctx, ids[0])
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	for _, id := range ids[1:] {
		_, err := h.mgr.GetStatus(ctx, id)
		require.NoError(t, err)
	}
	jobs, err := h.mgr.List(ctx, crawler.JobStatusCompleted, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, ids[2], jobs[0].ID)
}

func TestWaitReturnsOnTerminalState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	handle, err := h.mgr.Submit(ctx, "https://example.com/", crawler.JobOptions{})
	require.NoError(t, err)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	job, err := h.mgr.Wait(shortCtx, handle.ID)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, crawler.JobStatusQueued, job.Status)

	done := make(chan crawler.Job, 1)
	go func() {
		job, err := h.mgr.Wait(ctx, handle.ID)
		if err == nil {
			done <- job
		}
	}()
	lease := dequeue(t, h.mgr)
	require.NoError(t, h.mgr.Complete(ctx, handle.ID, lease.Token, crawler.Result{Title: "OK"}, 1, false))

	select {
	case job := <-done:
		require.Equal(t, crawler.JobStatusCompleted, job.Status)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after completion")
	}
}

func TestSubmitChildInheritsLineage(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	root, err := h.mgr.Submit(ctx, "https://example.com/", crawler.JobOptions{Recursive: true, MaxDepth: 2})
	require.NoError(t, err)
	parent, err := h.mgr.GetStatus(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, 2, parent.Depth)
	require.Equal(t, root.ID, parent.RootID)

	child, err := h.mgr.SubmitChild(ctx, parent, "https://example.com/about")
	require.NoError(t, err)
	got, err := h.mgr.GetStatus(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Depth)
	require.Equal(t, root.ID, got.RootID)
	require.NotEmpty(t, parent.CrawlID)
	require.Equal(t, parent.CrawlID, got.CrawlID)
	require.True(t, got.Options.Recursive)
}

func TestResubmittedRootStartsNewCrawl(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	opts := crawler.JobOptions{Recursive: true, MaxDepth: 1}
	handle, err := h.mgr.Submit(ctx, "https://example.com/", opts)
	require.NoError(t, err)
	lease := dequeue(t, h.mgr)
	first := lease.Job.CrawlID
	require.NotEmpty(t, first)
	require.NoError(t, h.mgr.Complete(ctx, handle.ID, lease.Token, crawler.Result{URL: "https://example.com/"}, 1, false))

	_, err = h.mgr.Submit(ctx, "https://example.com/", opts)
	require.NoError(t, err)
	again, err := h.mgr.GetStatus(ctx, handle.ID)
	require.NoError(t, err)
	require.NotEmpty(t, again.CrawlID)
	require.NotEqual(t, first, again.CrawlID)
}

func TestRestoreRequeuesQueuedJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, DefaultOptions())
	ctx := context.Background()
	now := h.clock.Now()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, h.store.SaveJob(ctx, crawler.Job{
			ID:            id,
			NormalizedURL: "https://example.com/" + id,
			Status:        crawler.JobStatusQueued,
			CreatedAt:     now,
			UpdatedAt:     now,
		}))
	}
	restored, err := h.mgr.Restore(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, restored)
	require.Equal(t, 2, h.ready.Len())
}
