// internal/service/command_gateway.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"feeder-gateway/internal/config"
	"feeder-gateway/internal/metrics"
	"feeder-gateway/internal/model"
	"feeder-gateway/internal/protocol"
)

const ackBuffer = 16

type result struct {
	outcome model.Outcome
	err     error
}

// pendingRequest is a queued or in-flight control request
type pendingRequest struct {
	req       model.ControlRequest
	cmd       protocol.Command
	submitted time.Time

	result   chan result
	finished chan struct{}
	once     sync.Once
}

// heldAction keeps a duplicate key busy while the device runs an acknowledged action
type heldAction struct {
	target string
	until  time.Time
}

// CommandGateway serializes control requests onto the link. Exactly one
// request is in flight at a time; acknowledgements are matched in FIFO order.
type CommandGateway struct {
	codec   *protocol.Codec
	config  *config.GatewayConfig
	loss    LossReporter
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger

	acks     chan protocol.Acknowledgement
	wake     chan struct{}
	outcomes chan model.Outcome

	connected atomic.Bool

	mu       sync.Mutex
	session  protocol.Session
	queue    []*pendingRequest
	busy     map[string]*pendingRequest
	held     map[string]heldAction
	inFlight *pendingRequest
	timeouts []time.Time
}

// NewCommandGateway creates a new command gateway
func NewCommandGateway(codec *protocol.Codec, cfg *config.GatewayConfig, loss LossReporter, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *CommandGateway {
	buffer := cfg.OutcomeBuffer
	if buffer < 1 {
		buffer = 1
	}
	return &CommandGateway{
		codec:    codec,
		config:   cfg,
		loss:     loss,
		clock:    clk,
		metrics:  m,
		logger:   logger.With(zap.String("component", "command-gateway")),
		acks:     make(chan protocol.Acknowledgement, ackBuffer),
		wake:     make(chan struct{}, 1),
		outcomes: make(chan model.Outcome, buffer),
		busy:     make(map[string]*pendingRequest),
		held:     make(map[string]heldAction),
	}
}

// Outcomes streams every resolved outcome. Outcomes are dropped when nobody keeps up.
func (g *CommandGateway) Outcomes() <-chan model.Outcome {
	return g.outcomes
}

// Submit validates, queues and waits for one control request. The returned
// error is nil only when the outcome status is SUCCESS. If ctx ends first the
// request stays queued and its eventual outcome is still emitted.
func (g *CommandGateway) Submit(ctx context.Context, req model.ControlRequest) (model.Outcome, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	submitted := g.clock.Now()

	// Validate before checking the link
	cmd, err := g.codec.Encode(req)
	if err != nil {
		return g.reject(req, cmd, submitted, model.OutcomeRejected, err, "")
	}
	if !g.connected.Load() {
		return g.reject(req, cmd, submitted, model.OutcomeNotConnected, ErrNotConnected, "")
	}

	p, outcome, err := g.enqueue(req, cmd, submitted)
	if p == nil {
		return outcome, err
	}

	select {
	case res := <-p.result:
		return res.outcome, res.err
	case <-ctx.Done():
		return g.outcome(p.req, p.cmd, submitted, model.OutcomeFailed, ctx.Err(), "caller stopped waiting"), ctx.Err()
	}
}

// SubmitLine parses a raw device line into a control request and submits it
func (g *CommandGateway) SubmitLine(ctx context.Context, line, correlationID, source string) (model.Outcome, error) {
	req, err := g.codec.ParseCommand(line)
	req.CorrelationID = correlationID
	req.Source = source
	if err != nil {
		if req.CorrelationID == "" {
			req.CorrelationID = uuid.NewString()
		}
		return g.reject(req, protocol.Command{Line: line}, g.clock.Now(), model.OutcomeRejected, err, "")
	}
	return g.Submit(ctx, req)
}

// enqueue applies duplicate suppression and the queue bound
func (g *CommandGateway) enqueue(req model.ControlRequest, cmd protocol.Command, submitted time.Time) (*pendingRequest, model.Outcome, error) {
	g.mu.Lock()

	if g.session == nil {
		g.mu.Unlock()
		outcome, err := g.reject(req, cmd, submitted, model.OutcomeNotConnected, ErrNotConnected, "")
		return nil, outcome, err
	}

	if existing, ok := g.busy[cmd.DedupKey]; ok {
		g.mu.Unlock()
		outcome, err := g.reject(req, cmd, submitted, model.OutcomeAlreadyInProgress, ErrAlreadyInProgress,
			"duplicate of "+existing.req.CorrelationID)
		return nil, outcome, err
	}
	if h, ok := g.held[cmd.DedupKey]; ok {
		if submitted.Before(h.until) {
			g.mu.Unlock()
			outcome, err := g.reject(req, cmd, submitted, model.OutcomeAlreadyInProgress, ErrAlreadyInProgress,
				"device still running until "+h.until.Format(time.RFC3339))
			return nil, outcome, err
		}
		delete(g.held, cmd.DedupKey)
	}

	if len(g.queue) >= g.config.QueueSize {
		g.mu.Unlock()
		outcome, err := g.reject(req, cmd, submitted, model.OutcomeFailed, ErrQueueFull, "")
		return nil, outcome, err
	}

	p := &pendingRequest{
		req:       req,
		cmd:       cmd,
		submitted: submitted,
		result:    make(chan result, 1),
		finished:  make(chan struct{}),
	}
	g.queue = append(g.queue, p)
	g.busy[cmd.DedupKey] = p
	depth := len(g.queue)
	g.mu.Unlock()

	g.metrics.SetQueueDepth(depth)
	g.logger.Debug("Command queued",
		zap.String("correlation_id", req.CorrelationID),
		zap.String("line", cmd.Line),
		zap.Int("queue_depth", depth),
	)

	select {
	case g.wake <- struct{}{}:
	default:
	}
	return p, model.Outcome{}, nil
}

// Run dispatches queued requests one at a time until ctx is cancelled
func (g *CommandGateway) Run(ctx context.Context) error {
	for {
		p := g.next()
		if p == nil {
			select {
			case <-ctx.Done():
				g.failAll(fmt.Errorf("%w: gateway stopping", ErrNotConnected))
				return nil
			case <-g.wake:
			}
			continue
		}
		g.dispatch(ctx, p)
	}
}

// next pops the queue head and marks it in flight
func (g *CommandGateway) next() *pendingRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.queue) == 0 {
		return nil
	}
	p := g.queue[0]
	g.queue[0] = nil
	g.queue = g.queue[1:]
	g.inFlight = p
	g.metrics.SetQueueDepth(len(g.queue))
	return p
}

func (g *CommandGateway) dispatch(ctx context.Context, p *pendingRequest) {
	g.mu.Lock()
	session := g.session
	current := g.inFlight == p
	g.mu.Unlock()

	// Already failed by a link loss; the session may belong to a newer link
	if !current {
		return
	}
	select {
	case <-p.finished:
		return
	default:
	}

	if session == nil {
		g.resolve(p, model.OutcomeNotConnected, ErrNotConnected, "")
		return
	}

	// Acks that arrived after an earlier timeout must not satisfy this request
	g.drainAcks()

	if err := session.WriteLine(p.cmd.Line); err != nil {
		g.resolve(p, model.OutcomeFailed, fmt.Errorf("failed to write command: %w", err), "")
		if errors.Is(err, protocol.ErrLinkLost) {
			g.loss.ReportLoss(err)
		}
		return
	}
	g.logger.Debug("Command written",
		zap.String("correlation_id", p.req.CorrelationID),
		zap.String("line", p.cmd.Line),
	)

	// Wait for the matching acknowledgement
	timeout := g.config.AckTimeout + p.cmd.RunTime
	timer := g.clock.Timer(timeout)
	defer timer.Stop()

	for {
		select {
		case ack := <-g.acks:
			// A refusal naming no command answers whatever is in flight
			refused := !ack.Success && ack.Keyword == ""
			if ack.Keyword != p.cmd.AckKeyword && !refused {
				g.logger.Debug("Ignoring unrelated acknowledgement",
					zap.String("expected", p.cmd.AckKeyword),
					zap.String("line", ack.Line),
				)
				continue
			}
			if !ack.Success {
				g.resolve(p, model.OutcomeFailed, fmt.Errorf("%w: %s", ErrCommandFailed, ackReason(ack)), ack.Line)
				return
			}
			g.succeed(p, ack)
			return
		case <-timer.C:
			g.resolve(p, model.OutcomeTimedOut, fmt.Errorf("%w after %s", ErrCommandTimeout, timeout), "")
			g.recordTimeout()
			return
		case <-p.finished:
			return
		case <-ctx.Done():
			g.resolve(p, model.OutcomeFailed, fmt.Errorf("%w: gateway stopping", ErrNotConnected), "")
			return
		}
	}
}

func ackReason(ack protocol.Acknowledgement) string {
	if ack.Detail != "" {
		return ack.Detail
	}
	return ack.Marker
}

func (g *CommandGateway) succeed(p *pendingRequest, ack protocol.Acknowledgement) {
	now := g.clock.Now()

	g.mu.Lock()
	g.timeouts = nil
	for _, target := range p.cmd.Releases {
		for key, h := range g.held {
			if target == protocol.ReleaseAll || h.target == target {
				delete(g.held, key)
			}
		}
	}
	if p.cmd.RunTime > 0 {
		g.held[p.cmd.DedupKey] = heldAction{target: p.cmd.Target, until: now.Add(p.cmd.RunTime)}
	}
	g.mu.Unlock()

	g.resolve(p, model.OutcomeSuccess, nil, ack.Line)
}

// recordTimeout escalates a streak of timeouts to a link loss
func (g *CommandGateway) recordTimeout() {
	now := g.clock.Now()

	g.mu.Lock()
	recent := g.timeouts[:0]
	for _, t := range g.timeouts {
		if now.Sub(t) <= g.config.TimeoutWindow {
			recent = append(recent, t)
		}
	}
	g.timeouts = append(recent, now)
	streak := len(g.timeouts)
	escalate := streak >= g.config.TimeoutStreak
	if escalate {
		g.timeouts = nil
	}
	g.mu.Unlock()

	if escalate {
		g.logger.Warn("Repeated command timeouts, treating link as lost", zap.Int("timeouts", streak))
		g.loss.ReportLoss(fmt.Errorf("%w: %d command timeouts within %s", protocol.ErrLinkLost, streak, g.config.TimeoutWindow))
	}
}

// HandleAck routes a device acknowledgement to the in-flight request
func (g *CommandGateway) HandleAck(ack protocol.Acknowledgement) {
	select {
	case g.acks <- ack:
	default:
		g.logger.Warn("Acknowledgement buffer full, dropping", zap.String("line", ack.Line))
	}
}

// HandleTelemetry satisfies an in-flight request that is answered by a telemetry line
func (g *CommandGateway) HandleTelemetry(line string) {
	g.mu.Lock()
	waiting := g.inFlight != nil && g.inFlight.cmd.AckKeyword == protocol.TelemetryKeyword
	g.mu.Unlock()

	if waiting {
		g.HandleAck(protocol.Acknowledgement{
			Marker:  protocol.TelemetryKeyword,
			Keyword: protocol.TelemetryKeyword,
			Success: true,
			Line:    line,
		})
	}
}

// LinkUp implements LinkObserver
func (g *CommandGateway) LinkUp(session protocol.Session, candidate model.Candidate) {
	g.mu.Lock()
	g.session = session
	g.timeouts = nil
	// Opening the port resets the controller, so nothing is still running
	g.held = make(map[string]heldAction)
	g.mu.Unlock()

	g.connected.Store(true)
	g.logger.Info("Command dispatch enabled", zap.String("port", candidate.Path))
}

// LinkDown implements LinkObserver; every queued and in-flight request fails
func (g *CommandGateway) LinkDown(reason error) {
	g.connected.Store(false)

	g.mu.Lock()
	g.session = nil
	g.held = make(map[string]heldAction)
	g.mu.Unlock()

	err := fmt.Errorf("%w: %v", protocol.ErrLinkLost, reason)
	if reason == nil {
		err = protocol.ErrLinkLost
	}
	n := g.failAll(err)
	if n > 0 {
		g.logger.Info("Failed pending commands after link loss", zap.Int("count", n))
	}
}

func (g *CommandGateway) failAll(err error) int {
	g.mu.Lock()
	pending := g.queue
	g.queue = nil
	if g.inFlight != nil {
		pending = append(pending, g.inFlight)
		g.inFlight = nil
	}
	g.mu.Unlock()
	g.metrics.SetQueueDepth(0)

	for _, p := range pending {
		g.resolve(p, model.OutcomeFailed, err, "")
	}
	return len(pending)
}

func (g *CommandGateway) drainAcks() {
	for {
		select {
		case <-g.acks:
		default:
			return
		}
	}
}

// QueueDepth returns the number of requests waiting for the link
func (g *CommandGateway) QueueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// InFlight returns the correlation id of the request awaiting acknowledgement
func (g *CommandGateway) InFlight() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight == nil {
		return ""
	}
	return g.inFlight.req.CorrelationID
}

// resolve settles a queued request exactly once
func (g *CommandGateway) resolve(p *pendingRequest, status model.OutcomeStatus, err error, line string) {
	p.once.Do(func() {
		g.mu.Lock()
		if g.busy[p.cmd.DedupKey] == p {
			delete(g.busy, p.cmd.DedupKey)
		}
		if g.inFlight == p {
			g.inFlight = nil
		}
		g.mu.Unlock()

		outcome := g.outcome(p.req, p.cmd, p.submitted, status, err, "")
		if line != "" {
			outcome.Detail = line
		}
		g.emit(outcome)

		p.result <- result{outcome: outcome, err: err}
		close(p.finished)
	})
}

// reject resolves a request that never reached the queue
func (g *CommandGateway) reject(req model.ControlRequest, cmd protocol.Command, submitted time.Time, status model.OutcomeStatus, err error, detail string) (model.Outcome, error) {
	outcome := g.outcome(req, cmd, submitted, status, err, detail)
	g.emit(outcome)
	g.logger.Debug("Command not dispatched",
		zap.String("correlation_id", req.CorrelationID),
		zap.String("status", string(status)),
		zap.Error(err),
	)
	return outcome, err
}

func (g *CommandGateway) outcome(req model.ControlRequest, cmd protocol.Command, submitted time.Time, status model.OutcomeStatus, err error, detail string) model.Outcome {
	outcome := model.Outcome{
		CorrelationID: req.CorrelationID,
		Target:        req.Target,
		Action:        req.Action,
		Line:          cmd.Line,
		Status:        status,
		Detail:        detail,
		Source:        req.Source,
		SubmittedAt:   submitted,
		ResolvedAt:    g.clock.Now(),
	}
	if err != nil {
		outcome.Reason = err.Error()
	}
	return outcome
}

func (g *CommandGateway) emit(outcome model.Outcome) {
	// Only requests that reached the device have a meaningful latency
	latency := time.Duration(0)
	if outcome.Status == model.OutcomeSuccess || outcome.Status == model.OutcomeTimedOut {
		latency = outcome.Latency()
	}
	g.metrics.CommandResolved(outcome.Status, latency)

	select {
	case g.outcomes <- outcome:
	default:
		g.logger.Debug("Outcome stream full, dropping", zap.String("correlation_id", outcome.CorrelationID))
	}
}
