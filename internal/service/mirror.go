// internal/service/mirror.go
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"feeder-gateway/internal/metrics"
	"feeder-gateway/internal/model"
	"feeder-gateway/internal/repository"
)

// MirrorSync forwards snapshots and outcomes to the cloud mirror.
// Mirror failures are logged and counted, never propagated.
type MirrorSync struct {
	mirror   repository.Mirror
	sub      *Subscription
	outcomes <-chan model.Outcome
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewMirrorSync creates a mirror consumer
func NewMirrorSync(mirror repository.Mirror, sub *Subscription, outcomes <-chan model.Outcome, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *MirrorSync {
	return &MirrorSync{
		mirror:   mirror,
		sub:      sub,
		outcomes: outcomes,
		timeout:  timeout,
		metrics:  m,
		logger:   logger.With(zap.String("component", "mirror"), zap.String("mirror", mirror.Name())),
	}
}

// Run consumes until ctx is cancelled
func (s *MirrorSync) Run(ctx context.Context) error {
	defer s.sub.Close()

	snapshots := s.sub.C()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snapshot, ok := <-snapshots:
			if !ok {
				return nil
			}
			s.write(ctx, "snapshot", func(wctx context.Context) error {
				return s.mirror.SaveSnapshot(wctx, snapshot)
			})
		case outcome := <-s.outcomes:
			s.write(ctx, "outcome", func(wctx context.Context) error {
				return s.mirror.SaveOutcome(wctx, outcome)
			})
		}
	}
}

func (s *MirrorSync) write(ctx context.Context, kind string, fn func(context.Context) error) {
	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := fn(wctx)
	s.metrics.MirrorWrite(kind, err)
	if err != nil {
		s.logger.Warn("Mirror write failed", zap.String("kind", kind), zap.Error(err))
	}
}
