// internal/repository/postgres_mirror.go
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"feeder-gateway/internal/database"
	"feeder-gateway/internal/model"
)

const upsertChannelQuery = `
		INSERT INTO sensor_channels (name, value, unit, valid, updated_at, sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name) DO UPDATE SET
			value = EXCLUDED.value,
			unit = EXCLUDED.unit,
			valid = EXCLUDED.valid,
			updated_at = EXCLUDED.updated_at,
			sequence = EXCLUDED.sequence,
			mirrored_at = NOW()
		WHERE sensor_channels.sequence < EXCLUDED.sequence
	`

const insertOutcomeQuery = `
		INSERT INTO command_outcomes (
			id, correlation_id, target, action, line, status,
			reason, detail, source, submitted_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

// postgresMirror implements Mirror on PostgreSQL
type postgresMirror struct {
	db     *database.DB
	logger *zap.Logger
}

// NewPostgresMirror creates a new PostgreSQL mirror
func NewPostgresMirror(db *database.DB, logger *zap.Logger) Mirror {
	return &postgresMirror{
		db:     db,
		logger: logger,
	}
}

// Name returns the mirror name
func (r *postgresMirror) Name() string {
	return "postgres"
}

// SaveSnapshot upserts every channel in one transaction
func (r *postgresMirror) SaveSnapshot(ctx context.Context, snapshot model.Snapshot) (err error) {
	if len(snapshot.Channels) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, rollback(tx))
		}
	}()

	for _, name := range snapshot.Names() {
		ch := snapshot.Channels[name]
		if _, err = tx.ExecContext(ctx, upsertChannelQuery,
			ch.Name, ch.Value, ch.Unit, ch.Valid, ch.UpdatedAt, int64(snapshot.Sequence),
		); err != nil {
			return fmt.Errorf("failed to upsert channel %s: %w", name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// SaveOutcome inserts one outcome row
func (r *postgresMirror) SaveOutcome(ctx context.Context, outcome model.Outcome) error {
	_, err := r.db.ExecContext(ctx, insertOutcomeQuery,
		uuid.New(), outcome.CorrelationID, outcome.Target, outcome.Action,
		nullString(outcome.Line), string(outcome.Status), nullString(outcome.Reason),
		nullString(outcome.Detail), nullString(outcome.Source),
		outcome.SubmittedAt, outcome.ResolvedAt,
	)
	if err != nil {
		r.logger.Debug("Failed to insert command outcome",
			zap.String("correlation_id", outcome.CorrelationID),
			zap.Error(err),
		)
		return fmt.Errorf("failed to insert command outcome: %w", err)
	}
	return nil
}

func rollback(tx *sql.Tx) error {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
