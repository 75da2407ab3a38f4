// internal/service/gateway.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"feeder-gateway/internal/config"
	"feeder-gateway/internal/discovery"
	"feeder-gateway/internal/metrics"
	"feeder-gateway/internal/model"
	"feeder-gateway/internal/protocol"
	"feeder-gateway/internal/repository"
	"feeder-gateway/internal/utils"
)

const eventBuffer = 64

// Gateway wires the device-facing components together and exposes the
// operations used by the HTTP and websocket surfaces.
type Gateway struct {
	config     *config.Config
	codec      *protocol.Codec
	scanner    *discovery.Scanner
	supervisor *Supervisor
	commands   *CommandGateway
	pump       *TelemetryPump
	publisher  *Publisher
	mirror     *MirrorSync
	hotplug    *discovery.HotplugWatcher
	clock      clock.Clock
	logger     *utils.ServiceLogger

	mirrorOutcomes chan model.Outcome
	events         chan model.GatewayEvent
	startedAt      time.Time
}

// NewGateway creates the gateway. mirror may be nil to disable mirroring.
func NewGateway(
	cfg *config.Config,
	scanner *discovery.Scanner,
	opener protocol.Opener,
	mirror repository.Mirror,
	m *metrics.Metrics,
	clk clock.Clock,
	logger *zap.Logger,
) *Gateway {
	gw := &Gateway{
		config:         cfg,
		codec:          protocol.NewCodec(cfg.Gateway.FeedRunTime),
		scanner:        scanner,
		clock:          clk,
		logger:         utils.NewServiceLogger(logger, "feeder-gateway"),
		mirrorOutcomes: make(chan model.Outcome, max(cfg.Gateway.OutcomeBuffer, 1)),
		events:         make(chan model.GatewayEvent, eventBuffer),
		startedAt:      clk.Now(),
	}

	// Telemetry path
	gw.publisher = NewPublisher(cfg.Publisher.SubscriberBuffer, m, logger)
	normalizer := NewNormalizer(&cfg.Telemetry, clk, m, logger)
	gw.pump = NewTelemetryPump(&cfg.Telemetry, normalizer, gw.publisher, clk, logger)

	// Link and command path
	gw.supervisor = NewSupervisor(scanner, opener, scanner.Handshake(), gw.codec, gw,
		&cfg.Supervisor, cfg.Scanner.MinConfidence, clk, m, logger)
	gw.commands = NewCommandGateway(gw.codec, &cfg.Gateway, gw.supervisor, clk, m, logger)

	// Command dispatch must be enabled before telemetry consumers hear about the link
	gw.supervisor.AddObserver(gw.commands)
	gw.supervisor.AddObserver(gw.pump)
	gw.supervisor.AddObserver(gw)

	scanner.SetConfirmed(gw.supervisor.IsConnectedPath)

	// Mirror subscribes like any other consumer
	if mirror != nil {
		gw.mirror = NewMirrorSync(mirror, gw.publisher.Subscribe("mirror"), gw.mirrorOutcomes,
			cfg.Mirror.WriteTimeout, m, logger)
	}
	return gw
}

// SetHotplug attaches a hot-plug watcher. It must be called before Run.
func (gw *Gateway) SetHotplug(watcher *discovery.HotplugWatcher) {
	gw.hotplug = watcher
	gw.supervisor.SetHotplug(watcher.Events())
}

// Run starts every task and blocks until ctx is cancelled
func (gw *Gateway) Run(ctx context.Context) error {
	gw.logger.LogServiceStart(gw.config.App.Version, map[string]interface{}{
		"min_confidence": gw.config.Scanner.MinConfidence,
		"ack_timeout":    gw.config.Gateway.AckTimeout.String(),
		"watchdog":       gw.config.Supervisor.Watchdog.String(),
		"mirror":         gw.mirror != nil,
		"hotplug":        gw.hotplug != nil,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.pump.Run(gctx) })
	g.Go(func() error { return gw.commands.Run(gctx) })
	g.Go(func() error { return gw.forwardOutcomes(gctx) })
	if gw.mirror != nil {
		g.Go(func() error { return gw.mirror.Run(gctx) })
	}
	if gw.hotplug != nil {
		g.Go(func() error { return gw.hotplug.Run(gctx) })
	}
	// Supervisor last, so consumers are running before the first LinkUp
	g.Go(func() error { return gw.supervisor.Run(gctx) })

	err := g.Wait()
	gw.logger.LogServiceStop("context cancelled")
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("gateway stopped: %w", err)
	}
	return nil
}

// HandleEvent routes one decoded device line. It runs on the reader task.
func (gw *Gateway) HandleEvent(ctx context.Context, event protocol.Event) {
	switch ev := event.(type) {
	case protocol.SensorDelta:
		gw.commands.HandleTelemetry(ev.Line)
		gw.pump.Deliver(ctx, ev)
	case protocol.Acknowledgement:
		gw.commands.HandleAck(ev)
	}
}

// LinkUp implements LinkObserver
func (gw *Gateway) LinkUp(_ protocol.Session, candidate model.Candidate) {
	gw.emitEvent(model.NewGatewayEvent(model.EventLinkUp, "INFO", map[string]interface{}{
		"port":       candidate.Path,
		"confidence": candidate.Confidence,
	}))
}

// LinkDown implements LinkObserver
func (gw *Gateway) LinkDown(reason error) {
	data := map[string]interface{}{}
	if reason != nil {
		data["reason"] = reason.Error()
	}
	gw.emitEvent(model.NewGatewayEvent(model.EventLinkDown, "WARNING", data))
}

// forwardOutcomes copies every outcome to the mirror and the event stream
func (gw *Gateway) forwardOutcomes(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case outcome := <-gw.commands.Outcomes():
			if gw.mirror != nil {
				select {
				case gw.mirrorOutcomes <- outcome:
				default:
					gw.logger.Warn("Mirror outcome buffer full, dropping", zap.String("correlation_id", outcome.CorrelationID))
				}
			}

			severity := "INFO"
			if !outcome.Succeeded() {
				severity = "WARNING"
			}
			gw.emitEvent(model.NewGatewayEvent(model.EventCommandResolved, severity, map[string]interface{}{
				"correlation_id": outcome.CorrelationID,
				"target":         outcome.Target,
				"action":         outcome.Action,
				"status":         outcome.Status,
				"reason":         outcome.Reason,
			}))
		}
	}
}

func (gw *Gateway) emitEvent(event model.GatewayEvent) {
	select {
	case gw.events <- event:
	default:
		gw.logger.Debug("Event stream full, dropping", zap.String("event_type", string(event.Type)))
	}
}

// Events streams link and command events to a single consumer
func (gw *Gateway) Events() <-chan model.GatewayEvent {
	return gw.events
}

// Submit sends a control request to the device and waits for its outcome
func (gw *Gateway) Submit(ctx context.Context, req model.ControlRequest) (model.Outcome, error) {
	return gw.commands.Submit(ctx, req)
}

// SubmitLine sends a raw device line after validating it against the command grammar
func (gw *Gateway) SubmitLine(ctx context.Context, line, correlationID, source string) (model.Outcome, error) {
	return gw.commands.SubmitLine(ctx, line, correlationID, source)
}

// Subscribe registers a snapshot consumer
func (gw *Gateway) Subscribe(name string) *Subscription {
	return gw.publisher.Subscribe(name)
}

// Latest returns the most recent snapshot
func (gw *Gateway) Latest() (model.Snapshot, bool) {
	return gw.publisher.Latest()
}

// ScanPorts runs the port scanner on demand
func (gw *Gateway) ScanPorts(ctx context.Context, probe bool) []model.Candidate {
	if probe {
		return gw.scanner.ScanWithProbe(ctx)
	}
	return gw.scanner.Scan(ctx)
}

// Connection returns the supervisor state
func (gw *Gateway) Connection() model.ConnectionState {
	return gw.supervisor.State()
}

// Status returns the operational summary
func (gw *Gateway) Status() model.GatewayStatus {
	status := model.GatewayStatus{
		Connection:  gw.supervisor.State(),
		QueueDepth:  gw.commands.QueueDepth(),
		InFlight:    gw.commands.InFlight(),
		Subscribers: gw.publisher.Count(),
		StartedAt:   gw.startedAt,
	}
	if last, ok := gw.pump.LastTelemetry(); ok {
		status.LastTelemetryAt = &last
	}
	return status
}
