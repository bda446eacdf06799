package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/progress"
)

// CompletionMessage is the payload published for each terminal job.
type CompletionMessage struct {
	JobID      string    `json:"job_id"`
	URL        string    `json:"url"`
	Status     string    `json:"status"`
	Tier       string    `json:"tier,omitempty"`
	Error      string    `json:"error,omitempty"`
	Runs       int       `json:"runs"`
	FinishedAt time.Time `json:"finished_at"`
}

// PublisherSink forwards completed and failed events to a topic.
type PublisherSink struct {
	publisher crawler.Publisher
	topic     string
	logger    *zap.Logger
}

// NewPublisherSink builds a PublisherSink.
func NewPublisherSink(publisher crawler.Publisher, topic string, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}
}

// Consume publishes one message per terminal event. The first publish error
// is returned after the rest of the batch has been attempted.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var firstErr error
	for _, evt := range batch {
		if !evt.Terminal() {
			continue
		}
		msg := CompletionMessage{
			JobID:      evt.JobID,
			URL:        evt.URL,
			Status:     string(evt.Stage),
			Tier:       evt.Tier,
			Runs:       evt.Runs,
			FinishedAt: evt.TS,
		}
		if evt.Stage == progress.StageFailed {
			msg.Error = evt.Note
		}
		id, err := s.publisher.Publish(ctx, s.topic, msg)
		if err != nil {
			s.logger.Warn("publish completion failed", zap.String("job_id", evt.JobID), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("publish completion for %s: %w", evt.JobID, err)
			}
			continue
		}
		s.logger.Debug("published completion", zap.String("job_id", evt.JobID), zap.String("message_id", id))
	}
	return firstErr
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
