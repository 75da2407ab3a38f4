// internal/service/supervisor.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"feeder-gateway/internal/config"
	"feeder-gateway/internal/discovery"
	"feeder-gateway/internal/metrics"
	"feeder-gateway/internal/model"
	"feeder-gateway/internal/protocol"
	"feeder-gateway/internal/utils"
)

// CandidateSource produces ranked serial candidates
type CandidateSource interface {
	Scan(ctx context.Context) []model.Candidate
}

// EventSink receives every decoded line read from the connected device
type EventSink interface {
	HandleEvent(ctx context.Context, event protocol.Event)
}

// LinkObserver is notified when the supervisor enters or leaves the connected state
type LinkObserver interface {
	LinkUp(session protocol.Session, candidate model.Candidate)
	LinkDown(reason error)
}

// LossReporter accepts out-of-band evidence that the link is dead
type LossReporter interface {
	ReportLoss(err error)
}

// Supervisor owns the link lifecycle: it probes for the device, keeps the
// reader task running while connected and reconnects after failures.
type Supervisor struct {
	source    CandidateSource
	opener    protocol.Opener
	handshake protocol.HandshakeConfig
	codec     *protocol.Codec
	sink      EventSink
	config    *config.SupervisorConfig
	minScore  int
	clock     clock.Clock
	metrics   *metrics.Metrics
	logger    *zap.Logger

	observers []LinkObserver
	hotplug   <-chan discovery.HotplugEvent
	loss      chan error

	mu    sync.RWMutex
	state model.ConnectionState
}

// NewSupervisor creates a new connection supervisor
func NewSupervisor(
	source CandidateSource,
	opener protocol.Opener,
	handshake protocol.HandshakeConfig,
	codec *protocol.Codec,
	sink EventSink,
	cfg *config.SupervisorConfig,
	minConfidence int,
	clk clock.Clock,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		source:    source,
		opener:    opener,
		handshake: handshake,
		codec:     codec,
		sink:      sink,
		config:    cfg,
		minScore:  minConfidence,
		clock:     clk,
		metrics:   m,
		logger:    utils.NewComponentLogger(logger, "supervisor"),
		loss:      make(chan error, 1),
		state: model.ConnectionState{
			State: model.LinkStateDisconnected,
			Since: clk.Now(),
		},
	}
}

// AddObserver registers a link observer. It must be called before Run.
func (s *Supervisor) AddObserver(observer LinkObserver) {
	s.observers = append(s.observers, observer)
}

// SetHotplug installs the hot-plug event stream. It must be called before Run.
func (s *Supervisor) SetHotplug(events <-chan discovery.HotplugEvent) {
	s.hotplug = events
}

// State returns a copy of the current connection state
func (s *Supervisor) State() model.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := s.state
	if state.Candidate != nil {
		c := *state.Candidate
		state.Candidate = &c
	}
	return state
}

// IsConnectedPath reports whether path is the port of the live session
func (s *Supervisor) IsConnectedPath(path string) bool {
	state := s.State()
	return state.Connected() && state.Candidate != nil && state.Candidate.Path == path
}

// ReportLoss forces the connected link down. It never blocks.
func (s *Supervisor) ReportLoss(err error) {
	select {
	case s.loss <- err:
	default:
	}
}

// Run drives the state machine until ctx is cancelled
func (s *Supervisor) Run(ctx context.Context) error {
	backoff := s.config.MinBackoff
	attempts := 0

	for {
		if ctx.Err() != nil {
			s.setState(model.LinkStateDisconnected, nil, nil, attempts)
			return nil
		}

		s.setState(model.LinkStateProbing, nil, nil, attempts)
		session, candidate, line, err := s.probe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(model.LinkStateDisconnected, nil, nil, attempts)
				return nil
			}
			attempts++
			s.logProbeFailure(err, attempts, backoff)
			s.setState(model.LinkStateDisconnected, nil, err, attempts)

			if !s.wait(ctx, backoff) {
				return nil
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		attempts = 0
		backoff = s.config.MinBackoff
		s.metrics.ProbeAttempt("connected")

		reason := s.runConnected(ctx, session, candidate, line)
		if ctx.Err() != nil {
			return nil
		}

		// A lost link is re-probed at once; an unresponsive one waits out the backoff
		if errors.Is(reason, protocol.ErrLinkLost) {
			continue
		}
		if !s.wait(ctx, backoff) {
			return nil
		}
		backoff = s.nextBackoff(backoff)
	}
}

// probe scans for candidates and returns the first that passes the handshake
func (s *Supervisor) probe(ctx context.Context) (protocol.Session, model.Candidate, string, error) {
	// Filter by confidence
	var eligible []model.Candidate
	for _, c := range s.source.Scan(ctx) {
		if c.Confidence >= s.minScore {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		s.metrics.ProbeAttempt("absent")
		return nil, model.Candidate{}, "", ErrDeviceAbsent
	}

	var errs []error
	for _, candidate := range eligible {
		if ctx.Err() != nil {
			return nil, model.Candidate{}, "", ctx.Err()
		}

		// Open port
		session, err := s.opener.Open(ctx, candidate)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		// Confirm the firmware answers
		line, err := protocol.Handshake(ctx, session, s.handshake, s.clock)
		if err != nil {
			if closeErr := session.Close(); closeErr != nil {
				s.logger.Debug("Failed to close rejected candidate", zap.String("port", candidate.Path), zap.Error(closeErr))
			}
			errs = append(errs, err)
			continue
		}
		return session, candidate, line, nil
	}

	s.metrics.ProbeAttempt("failed")
	return nil, model.Candidate{}, "", fmt.Errorf("%w: %d candidates tried: %w",
		protocol.ErrHandshakeFailed, len(eligible), errors.Join(errs...))
}

// runConnected serves one session until it is lost and returns the reason
func (s *Supervisor) runConnected(ctx context.Context, session protocol.Session, candidate model.Candidate, greeting string) error {
	link := utils.NewLinkLogger(s.logger, candidate.Path)
	link.LogConnection("connected", nil)

	// A loss reported against the previous session is stale
	select {
	case <-s.loss:
	default:
	}

	s.setState(model.LinkStateConnected, &candidate, nil, 0)
	for _, o := range s.observers {
		o.LinkUp(session, candidate)
	}

	// Start reader
	readerCtx, cancel := context.WithCancel(ctx)
	readerErr := make(chan error, 1)
	alive := make(chan struct{}, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		readerErr <- s.readLoop(readerCtx, session, greeting, alive)
	}()

	watchdog := s.clock.Timer(s.config.Watchdog)
	hotplug := s.hotplug
	var reason error

loop:
	for {
		select {
		case <-ctx.Done():
			reason = ctx.Err()
			break loop
		case err := <-readerErr:
			reason = err
			break loop
		case err := <-s.loss:
			reason = err
			break loop
		case <-alive:
			// Telemetry arrived, rearm watchdog
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(s.config.Watchdog)
		case <-watchdog.C:
			reason = fmt.Errorf("%w: no telemetry for %s", ErrWatchdogExpired, s.config.Watchdog)
			break loop
		case event, ok := <-hotplug:
			if !ok {
				hotplug = nil
				continue
			}
			if event.Op == discovery.HotplugRemoved && event.Path == candidate.Path {
				reason = fmt.Errorf("%w: %s removed", protocol.ErrLinkLost, candidate.Path)
				break loop
			}
		}
	}

	// Stop reader before notifying observers
	watchdog.Stop()
	cancel()
	wg.Wait()

	s.setState(model.LinkStateDisconnected, nil, reason, 0)
	for _, o := range s.observers {
		o.LinkDown(reason)
	}
	if err := session.Close(); err != nil {
		link.Debug("Failed to close session", zap.Error(err))
	}

	if ctx.Err() == nil {
		s.metrics.LinkLoss(lossLabel(reason))
		link.LogConnection("disconnected", reason)
	}
	return reason
}

// readLoop is the only reader of the session while connected
func (s *Supervisor) readLoop(ctx context.Context, session protocol.Session, greeting string, alive chan<- struct{}) error {
	if greeting != "" {
		s.dispatch(ctx, s.codec.Decode(greeting), alive)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		line, err := session.ReadLine()
		switch {
		case err == nil:
			s.dispatch(ctx, s.codec.Decode(line), alive)
			continue
		case errors.Is(err, protocol.ErrWouldBlock):
		default:
			if errors.Is(err, protocol.ErrLinkLost) {
				return err
			}
			return fmt.Errorf("%w: %w", protocol.ErrLinkLost, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.config.PollInterval):
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, event protocol.Event, alive chan<- struct{}) {
	switch ev := event.(type) {
	case protocol.SensorDelta:
		s.metrics.Line("telemetry")
		select {
		case alive <- struct{}{}:
		default:
		}
	case protocol.Acknowledgement:
		s.metrics.Line("ack")
	case protocol.Unrecognized:
		s.metrics.Line("unrecognized")
		s.logger.Debug("Unrecognized device line", zap.String("line", ev.Line), zap.String("reason", ev.Reason))
	}
	s.sink.HandleEvent(ctx, event)
}

// wait sleeps for the backoff, waking early on a hot-plug arrival
func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	timer := s.clock.Timer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case event, ok := <-s.hotplug:
			if !ok {
				s.hotplug = nil
				continue
			}
			if event.Op == discovery.HotplugAdded {
				s.logger.Info("Serial device added, probing now", zap.String("port", event.Path))
				return true
			}
		}
	}
}

func (s *Supervisor) nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > s.config.MaxBackoff {
		next = s.config.MaxBackoff
	}
	return next
}

func (s *Supervisor) logProbeFailure(err error, attempts int, backoff time.Duration) {
	fields := []zap.Field{
		zap.Int("attempts", attempts),
		zap.Duration("retry_in", backoff),
	}
	// An absent device is the normal idle state
	if errors.Is(err, ErrDeviceAbsent) {
		s.logger.Debug("No feeder controller found", fields...)
		return
	}
	s.logger.Info("Probe failed", append(fields, zap.Error(err))...)
}

func (s *Supervisor) setState(state model.LinkState, candidate *model.Candidate, err error, attempts int) {
	s.mu.Lock()
	if s.state.State != state {
		s.state.Since = s.clock.Now()
	}
	s.state.State = state
	s.state.Candidate = candidate
	s.state.Attempts = attempts
	if err != nil {
		s.state.LastError = err.Error()
	}
	s.mu.Unlock()

	s.metrics.SetConnectionState(state)
}

func lossLabel(reason error) string {
	switch {
	case errors.Is(reason, ErrWatchdogExpired):
		return "watchdog"
	case errors.Is(reason, protocol.ErrLinkLost):
		return "link_lost"
	default:
		return "other"
	}
}
