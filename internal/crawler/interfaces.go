package crawler

import (
	"context"
	"time"
)

// JobFilter narrows ListJobs. A zero Status matches every status.
type JobFilter struct {
	Status JobStatus
	Limit  int
}

// JobStore persists scrape jobs.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (Job, error)
	SaveJob(ctx context.Context, job Job) error
	DeleteJob(ctx context.Context, jobID string) error
	// ListJobs returns matching jobs, most recently updated first.
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	CountJobs(ctx context.Context) (map[JobStatus]int, error)
	// PruneJobs deletes all but the keep most recently updated jobs in status.
	PruneJobs(ctx context.Context, status JobStatus, keep int) (int, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL through one tier.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HealthChecker is implemented by tiers that can report their availability.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// ResultCache stores the last successful extraction per normalized URL.
type ResultCache interface {
	Get(ctx context.Context, normalizedURL string) (Result, error)
	Set(ctx context.Context, normalizedURL string, result Result, ttl time.Duration) error
}

// Queue provides enqueue/dequeue semantics for ready job IDs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Len() int
}

// SafetyChecker rejects URLs that point at internal infrastructure.
type SafetyChecker interface {
	Check(ctx context.Context, rawURL string) error
}

// RobotsChecker answers whether a user agent may fetch a URL.
type RobotsChecker interface {
	Allowed(ctx context.Context, rawURL string, userAgent string) (bool, error)
}

// Hasher computes digests for content-addressed IDs.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces lease tokens and request IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID     string
	Submitted time.Time
}
