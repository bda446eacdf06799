package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeJobs struct {
	reaps     atomic.Int32
	retention atomic.Int32
	err       error
}

func (f *fakeJobs) ReapStalled(context.Context) (int, error) {
	f.reaps.Add(1)
	return 1, f.err
}

func (f *fakeJobs) ApplyRetention(context.Context) (int, error) {
	f.retention.Add(1)
	return 2, f.err
}

type counter struct{ calls atomic.Int32 }

func (c *counter) Sweep() int { c.calls.Add(1); return 3 }
func (c *counter) Prune() int { c.calls.Add(1); return 4 }

func TestJanitorRunsScheduledTasks(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{}
	cache := &counter{}
	budgets := &counter{}
	j, err := New(Config{ReapSchedule: "@every 1s", RetentionSchedule: "@every 1s"}, jobs, cache, budgets, zap.NewNop())
	require.NoError(t, err)

	j.Start()
	require.Eventually(t, func() bool {
		return jobs.reaps.Load() > 0 && jobs.retention.Load() > 0
	}, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, j.Stop(context.Background()))

	require.Positive(t, cache.calls.Load())
	require.Positive(t, budgets.calls.Load())
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	t.Parallel()

	_, err := New(Config{ReapSchedule: "every now and then"}, &fakeJobs{}, nil, nil, nil)
	require.ErrorContains(t, err, "schedule reaper")
}

func TestJanitorTasksWrapErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("store down")
	jobs := &fakeJobs{err: boom}
	j, err := New(Config{}, jobs, nil, nil, nil)
	require.NoError(t, err)

	require.ErrorIs(t, j.Reap(context.Background()), boom)
	require.ErrorIs(t, j.Retain(context.Background()), boom)
	require.NoError(t, (&Janitor{jobs: &fakeJobs{}, logger: zap.NewNop()}).Retain(context.Background()))
}
