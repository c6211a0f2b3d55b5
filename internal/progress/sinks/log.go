package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/listing-harvester/internal/progress"
)

// LogSink writes one structured log line per event. Attempts log at debug,
// campaign and chain milestones at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		level := zapcore.InfoLevel
		if evt.Stage == progress.StageAttempt {
			level = zapcore.DebugLevel
		}
		if ce := s.logger.Check(level, "progress event"); ce != nil {
			ce.Write(
				zap.Stringer("campaign_id", evt.CampaignUUID()),
				zap.String("stage", string(evt.Stage)),
				zap.String("target", evt.Target),
				zap.String("tier", evt.Tier),
				zap.String("outcome", evt.Outcome),
				zap.Bool("warmup", evt.Warmup),
				zap.String("session_id", evt.SessionID),
				zap.String("identity_id", evt.IdentityID),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Int64("bytes", evt.Bytes),
				zap.Int64("records", evt.Records),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
