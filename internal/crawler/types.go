package crawler

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is expected for the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ParseJobStatus maps user input onto a known status.
func ParseJobStatus(raw string) (JobStatus, bool) {
	switch JobStatus(raw) {
	case JobStatusQueued, JobStatusActive, JobStatusCompleted, JobStatusFailed:
		return JobStatus(raw), true
	case "waiting", "wait":
		return JobStatusQueued, true
	default:
		return "", false
	}
}

// JobOptions captures per-job knobs requested by the client.
type JobOptions struct {
	Selectors        map[string]string `json:"selectors,omitempty"`
	Recursive        bool              `json:"recursive"`
	MaxDepth         int               `json:"max_depth"`
	MaxPages         int               `json:"max_pages"`
	Proxy            string            `json:"proxy,omitempty"`
	UserAgent        string            `json:"user_agent,omitempty"`
	Mobile           bool              `json:"mobile,omitempty"`
	UseAI            bool              `json:"use_ai,omitempty"`
	WebhookURL       string            `json:"webhook_url,omitempty"`
	WebhookSecret    string            `json:"-"`
	IgnoreRobots     bool              `json:"ignore_robots,omitempty"`
	ForceTier        *Tier             `json:"force_tier,omitempty"`
	HydrationDelay   time.Duration     `json:"hydration_delay,omitempty"`
	MaxContentLength int               `json:"max_content_length"`
}

// Job represents the metadata persisted for each submitted scrape request.
type Job struct {
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	NormalizedURL  string     `json:"normalized_url"`
	Options        JobOptions `json:"options"`
	Status         JobStatus  `json:"status"`
	Attempts       int        `json:"attempts"`
	Runs           int        `json:"runs"`
	Stalls         int        `json:"stalls"`
	LastError      string     `json:"error,omitempty"`
	Result         *Result    `json:"result,omitempty"`
	Tier           *Tier      `json:"tier,omitempty"`
	FromCache      bool       `json:"from_cache,omitempty"`
	RootID         string     `json:"root_id,omitempty"`
	// CrawlID is minted on every root submission and inherited by children,
	// so a resubmitted root starts a fresh crawl tree.
	CrawlID        string     `json:"crawl_id,omitempty"`
	Depth          int        `json:"depth"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LeaseToken     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
}

// Result is the structured payload extracted from a fetched page.
type Result struct {
	URL        string            `json:"url"`
	FinalURL   string            `json:"final_url,omitempty"`
	StatusCode int               `json:"status_code"`
	Title      string            `json:"title"`
	Content    string            `json:"content"`
	Links      []string          `json:"links,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	Tier       Tier              `json:"tier"`
	FetchedAt  time.Time         `json:"fetched_at"`
}

// MobileUserAgent is sent for mobile requests that carry no explicit agent.
const MobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) " +
	"AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"

// FetchRequest captures everything a tier needs to fetch a URL.
type FetchRequest struct {
	JobID             string
	URL               string
	Proxy             string
	UserAgent         string
	Mobile            bool
	Selectors         map[string]string
	Headers           http.Header
	Timeout           time.Duration
	HydrationDelay    time.Duration
	IgnoreRobots      bool
	MaxContentLength  int
	CaptureScreenshot bool
}

// FetchResponse is returned by a Fetcher. Page is set by tiers that extract
// remotely; otherwise Body carries the raw markup.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Page       *Result
	Screenshot []byte
	Duration   time.Duration
}

// Outcome classifies a single fetch attempt.
type Outcome string

// Attempt outcomes.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomeAntiBot   Outcome = "anti_bot"
	OutcomeSoftBlock Outcome = "soft_block"
	OutcomeError     Outcome = "error"
	OutcomeSkipped   Outcome = "skipped"
)

// Attempt records one pass of the escalation loop. It is never persisted.
type Attempt struct {
	Number   int           `json:"number"`
	Tier     Tier          `json:"tier"`
	Proxy    string        `json:"proxy,omitempty"`
	Outcome  Outcome       `json:"outcome"`
	Elapsed  time.Duration `json:"elapsed"`
	Err      string        `json:"error,omitempty"`
	Snapshot string        `json:"snapshot,omitempty"`
}

// LifecycleEvent names a queue transition surfaced to observers.
type LifecycleEvent string

// Lifecycle events emitted by the queue.
const (
	EventActive    LifecycleEvent = "active"
	EventCompleted LifecycleEvent = "completed"
	EventFailed    LifecycleEvent = "failed"
	EventStalled   LifecycleEvent = "stalled"
)
