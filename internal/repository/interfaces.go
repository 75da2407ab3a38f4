// internal/repository/interfaces.go
package repository

import (
	"context"

	"feeder-gateway/internal/model"
)

// Mirror is the cloud mirror boundary. Implementations store the latest
// channel values and every resolved command outcome.
type Mirror interface {
	// SaveSnapshot upserts the latest value of every channel in the snapshot
	SaveSnapshot(ctx context.Context, snapshot model.Snapshot) error

	// SaveOutcome appends one resolved command outcome
	SaveOutcome(ctx context.Context, outcome model.Outcome) error

	// Name identifies the mirror in logs and metrics
	Name() string
}
