// internal/service/telemetry.go
package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"feeder-gateway/internal/config"
	"feeder-gateway/internal/model"
	"feeder-gateway/internal/protocol"
)

// TelemetryPump is the only goroutine touching the normalizer. It ingests
// deltas, runs the staleness tick and publishes every new snapshot.
type TelemetryPump struct {
	normalizer *Normalizer
	publisher  *Publisher
	tick       time.Duration
	clock      clock.Clock
	logger     *zap.Logger

	deltas     chan protocol.SensorDelta
	invalidate chan string

	lastTelemetry atomic.Pointer[time.Time]
}

// NewTelemetryPump creates a pump feeding publisher
func NewTelemetryPump(cfg *config.TelemetryConfig, normalizer *Normalizer, publisher *Publisher, clk clock.Clock, logger *zap.Logger) *TelemetryPump {
	buffer := cfg.DeltaBuffer
	if buffer < 1 {
		buffer = 1
	}
	return &TelemetryPump{
		normalizer: normalizer,
		publisher:  publisher,
		tick:       cfg.TickInterval,
		clock:      clk,
		logger:     logger.With(zap.String("component", "telemetry")),
		deltas:     make(chan protocol.SensorDelta, buffer),
		invalidate: make(chan string, 1),
	}
}

// Deliver queues a delta, waiting while the queue is full
func (p *TelemetryPump) Deliver(ctx context.Context, delta protocol.SensorDelta) {
	now := p.clock.Now()
	p.lastTelemetry.Store(&now)

	select {
	case p.deltas <- delta:
	case <-ctx.Done():
	}
}

// LastTelemetry returns when the last telemetry line arrived
func (p *TelemetryPump) LastTelemetry() (time.Time, bool) {
	t := p.lastTelemetry.Load()
	if t == nil {
		return time.Time{}, false
	}
	return *t, true
}

// LinkUp implements LinkObserver
func (p *TelemetryPump) LinkUp(protocol.Session, model.Candidate) {}

// LinkDown implements LinkObserver; channels keep their last values but turn invalid
func (p *TelemetryPump) LinkDown(reason error) {
	text := "link down"
	if reason != nil {
		text = reason.Error()
	}
	select {
	case p.invalidate <- text:
	default:
	}
}

// Run processes inputs until ctx is cancelled
func (p *TelemetryPump) Run(ctx context.Context) error {
	ticker := p.clock.Ticker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case delta := <-p.deltas:
			p.publisher.Publish(p.normalizer.Ingest(delta))
		case reason := <-p.invalidate:
			// Deltas read before the link went down belong to the old session
			p.drain()
			if snapshot, changed := p.normalizer.InvalidateAll(reason); changed {
				p.publisher.Publish(snapshot)
			}
		case now := <-ticker.C:
			if snapshot, changed := p.normalizer.Tick(now); changed {
				p.publisher.Publish(snapshot)
			}
		}
	}
}

func (p *TelemetryPump) drain() {
	for {
		select {
		case delta := <-p.deltas:
			p.normalizer.Ingest(delta)
		default:
			return
		}
	}
}
