// internal/repository/log_mirror.go
package repository

import (
	"context"

	"go.uber.org/zap"

	"feeder-gateway/internal/model"
)

// logMirror records mirror traffic in the log when no database is configured
type logMirror struct {
	logger *zap.Logger
}

// NewLogMirror creates a log-only mirror
func NewLogMirror(logger *zap.Logger) Mirror {
	return &logMirror{logger: logger}
}

// Name returns the mirror name
func (r *logMirror) Name() string {
	return "log"
}

// SaveSnapshot logs the snapshot summary
func (r *logMirror) SaveSnapshot(_ context.Context, snapshot model.Snapshot) error {
	valid := 0
	for _, ch := range snapshot.Channels {
		if ch.Valid {
			valid++
		}
	}
	r.logger.Debug("Snapshot mirrored",
		zap.Uint64("sequence", snapshot.Sequence),
		zap.Int("channels", len(snapshot.Channels)),
		zap.Int("valid", valid),
	)
	return nil
}

// SaveOutcome logs the outcome
func (r *logMirror) SaveOutcome(_ context.Context, outcome model.Outcome) error {
	r.logger.Info("Command outcome",
		zap.String("correlation_id", outcome.CorrelationID),
		zap.String("target", outcome.Target),
		zap.String("action", outcome.Action),
		zap.String("status", string(outcome.Status)),
		zap.String("reason", outcome.Reason),
		zap.Duration("latency", outcome.Latency()),
	)
	return nil
}
