package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages. The first four mirror queue transitions.
const (
	StageActive    Stage = Stage(crawler.EventActive)
	StageCompleted Stage = Stage(crawler.EventCompleted)
	StageFailed    Stage = Stage(crawler.EventFailed)
	StageStalled   Stage = Stage(crawler.EventStalled)
	StageAttempt   Stage = "attempt"
)

// StageFor maps a queue lifecycle event onto its Stage.
func StageFor(evt crawler.LifecycleEvent) Stage {
	return Stage(evt)
}

// Event captures a single job milestone.
type Event struct {
	// JobID is the content-addressed job identifier.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// URL is the job URL; it should not contain credentials.
	URL string
	// Site is the sanitized host label used for per-site metrics.
	Site string
	Tier string
	// Outcome and Attempt describe StageAttempt events.
	Outcome crawler.Outcome
	Attempt int
	// Runs is the dispatch count at the time of the event.
	Runs int
	// Dur is the attempt latency or, for terminal stages, the job runtime.
	Dur time.Duration
	// Note carries low-volume context such as the error text.
	Note string
}

// Terminal reports whether the event closes a job run.
func (e Event) Terminal() bool {
	return e.Stage == StageCompleted || e.Stage == StageFailed
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageActive, StageCompleted, StageFailed, StageStalled:
	case StageAttempt:
		if e.Site == "" {
			return errors.New("attempt requires site")
		}
		if e.Outcome == "" {
			return errors.New("attempt requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
