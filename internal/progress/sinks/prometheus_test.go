package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/tiered-scraper/internal/progress"
)

func TestPrometheusSinkTracksActiveJobs(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []progress.Event{
		{JobID: "a", TS: now, Stage: progress.StageActive},
		{JobID: "a", TS: now, Stage: progress.StageActive},
		{JobID: "b", TS: now, Stage: progress.StageActive},
		{JobID: "a", TS: now, Stage: progress.StageAttempt, Site: "example.com", Outcome: "success"},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.jobsActive))

	batch = []progress.Event{
		{JobID: "a", TS: now, Stage: progress.StageCompleted, Dur: 3 * time.Second, Runs: 1},
		{JobID: "b", TS: now, Stage: progress.StageStalled},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.jobsActive))
	require.Equal(t, 3.0, testutil.ToFloat64(sink.transitions.WithLabelValues("active")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("stalled")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.jobRuntime, "scraper_job_runtime_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
