package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/tiered-scraper/internal/progress"
)

// PrometheusSink tracks how many jobs are active and how long runs take.
// Counters for attempts and terminal states live in the metrics package.
type PrometheusSink struct {
	jobsActive  prometheus.Gauge
	jobRuntime  *prometheus.HistogramVec
	jobRuns     prometheus.Histogram
	transitions *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_jobs_active",
			Help: "Jobs currently holding a lease.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_job_runtime_seconds",
			Help:    "Wall time from dispatch to a terminal state.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"result"}),
		jobRuns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_job_runs",
			Help:    "Dispatch count of jobs reaching a terminal state.",
			Buckets: []float64{1, 2, 3, 5},
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_job_transitions_total",
			Help: "Lifecycle transitions partitioned by stage.",
		}, []string{"stage"}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsActive,
		s.jobRuntime,
		s.jobRuns,
		s.transitions,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	if evt.Stage == progress.StageAttempt {
		return
	}
	s.transitions.WithLabelValues(string(evt.Stage)).Inc()
	switch evt.Stage {
	case progress.StageActive:
		if s.tracker.start(evt.JobID) {
			s.jobsActive.Inc()
		}
		return
	case progress.StageCompleted:
		s.observeRuntime(evt, "success")
	case progress.StageFailed:
		s.observeRuntime(evt, "error")
	}
	// Stalled jobs lose their lease and are either requeued or failed.
	if s.tracker.complete(evt.JobID) {
		s.jobsActive.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
	if evt.Runs > 0 {
		s.jobRuns.Observe(float64(evt.Runs))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{active: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
