package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/progress"
)

// LogSink emits structured logs for each lifecycle event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Failures and stalls log at warn.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("url", evt.URL),
			zap.Int("runs", evt.Runs),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Tier != "" {
			fields = append(fields, zap.String("tier", evt.Tier))
		}
		if evt.Stage == progress.StageAttempt {
			fields = append(fields, zap.Int("attempt", evt.Attempt), zap.String("outcome", string(evt.Outcome)))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageFailed, progress.StageStalled:
			s.logger.Warn("job event", fields...)
		case progress.StageAttempt:
			s.logger.Debug("job event", fields...)
		default:
			s.logger.Info("job event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
