package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]crawler.Job),
	}
}

// SaveJob inserts or replaces a job.
func (s *JobStore) SaveJob(_ context.Context, job crawler.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, crawler.ErrJobNotFound
	}
	return job, nil
}

// DeleteJob removes a job; deleting a missing job is not an error.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

// ListJobs returns jobs matching filter, most recently updated first.
func (s *JobStore) ListJobs(_ context.Context, filter crawler.JobFilter) ([]crawler.Job, error) {
	s.mu.RLock()
	out := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, job)
	}
	s.mu.RUnlock()

	sortNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountJobs tallies jobs per status. Every known status is present.
func (s *JobStore) CountJobs(_ context.Context) (map[crawler.JobStatus]int, error) {
	counts := map[crawler.JobStatus]int{
		crawler.JobStatusQueued:    0,
		crawler.JobStatusActive:    0,
		crawler.JobStatusCompleted: 0,
		crawler.JobStatusFailed:    0,
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// PruneJobs keeps the newest keep jobs in status and deletes the rest.
func (s *JobStore) PruneJobs(_ context.Context, status crawler.JobStatus, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	matching := make([]crawler.Job, 0)
	for _, job := range s.jobs {
		if job.Status == status {
			matching = append(matching, job)
		}
	}
	if len(matching) <= keep {
		return 0, nil
	}
	sortNewestFirst(matching)
	for _, job := range matching[keep:] {
		delete(s.jobs, job.ID)
	}
	return len(matching) - keep, nil
}

func sortNewestFirst(jobs []crawler.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].UpdatedAt.Equal(jobs[j].UpdatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].UpdatedAt.After(jobs[j].UpdatedAt)
	})
}
