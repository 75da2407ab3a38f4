package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"feeder-gateway/internal/config"
	"feeder-gateway/internal/discovery"
	"feeder-gateway/internal/model"
	"feeder-gateway/internal/protocol"
	"feeder-gateway/internal/protocol/protocoltest"
)

type staticSource []model.Candidate

func (s staticSource) Scan(context.Context) []model.Candidate {
	return append([]model.Candidate(nil), s...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recordingSink) HandleEvent(_ context.Context, event protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) deltas() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if _, ok := e.(protocol.SensorDelta); ok {
			n++
		}
	}
	return n
}

type recordingObserver struct {
	up   chan model.Candidate
	down chan error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{up: make(chan model.Candidate, 8), down: make(chan error, 8)}
}

func (o *recordingObserver) LinkUp(_ protocol.Session, c model.Candidate) {
	select {
	case o.up <- c:
	default:
	}
}

func (o *recordingObserver) LinkDown(reason error) {
	select {
	case o.down <- reason:
	default:
	}
}

func (o *recordingObserver) waitUp(t *testing.T) model.Candidate {
	t.Helper()
	select {
	case c := <-o.up:
		return c
	case <-time.After(3 * time.Second):
		require.FailNow(t, "link never came up")
	}
	return model.Candidate{}
}

func (o *recordingObserver) waitDown(t *testing.T) error {
	t.Helper()
	select {
	case err := <-o.down:
		return err
	case <-time.After(3 * time.Second):
		require.FailNow(t, "link never went down")
	}
	return nil
}

type supervisorFixture struct {
	supervisor *Supervisor
	opener     *protocoltest.FakeOpener
	observer   *recordingObserver
	sink       *recordingSink

	mu       sync.Mutex
	sessions []*protocoltest.FakeSession
}

func (f *supervisorFixture) session(i int) *protocoltest.FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

func testSupervisorConfig() *config.SupervisorConfig {
	return &config.SupervisorConfig{
		MinBackoff:   10 * time.Millisecond,
		MaxBackoff:   40 * time.Millisecond,
		Watchdog:     5 * time.Second,
		PollInterval: 2 * time.Millisecond,
	}
}

func newSupervisorFixture(t *testing.T, cfg *config.SupervisorConfig, source CandidateSource, respond bool) *supervisorFixture {
	t.Helper()
	f := &supervisorFixture{observer: newRecordingObserver(), sink: &recordingSink{}}
	f.opener = protocoltest.NewFakeOpener(func(c model.Candidate) (*protocoltest.FakeSession, error) {
		s := protocoltest.NewFakeSession(c.Path)
		if respond {
			s.OnWrite(protocoltest.Responder(s))
		}
		f.mu.Lock()
		f.sessions = append(f.sessions, s)
		f.mu.Unlock()
		return s, nil
	})

	handshake := protocol.HandshakeConfig{
		ProbeLine:    "STATUS",
		Markers:      []string{"[DATA]"},
		Timeout:      50 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	}
	f.supervisor = NewSupervisor(source, f.opener, handshake, protocol.NewCodec(time.Second), f.sink,
		cfg, 30, clock.New(), nil, zap.NewNop())
	f.supervisor.AddObserver(f.observer)
	return f
}

func runSupervisor(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, s.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
}

var feederPort = model.Candidate{Path: "/dev/ttyACM0", Confidence: 120}

func TestSupervisor_ConnectsAndDeliversGreeting(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig(), staticSource{feederPort}, true)
	runSupervisor(t, f.supervisor)

	up := f.observer.waitUp(t)
	assert.Equal(t, feederPort.Path, up.Path)

	state := f.supervisor.State()
	assert.Equal(t, model.LinkStateConnected, state.State)
	require.NotNil(t, state.Candidate)
	assert.True(t, f.supervisor.IsConnectedPath(feederPort.Path))
	assert.False(t, f.supervisor.IsConnectedPath("/dev/ttyUSB0"))

	// The handshake answer is the first telemetry line
	require.Eventually(t, func() bool { return f.sink.deltas() >= 1 }, time.Second, 5*time.Millisecond)

	f.session(0).Feed("[DATA] TEMP1:26,WEIGHT:1.30", "[ACK] FEED:100", "garbage ###")
	require.Eventually(t, func() bool {
		f.sink.mu.Lock()
		defer f.sink.mu.Unlock()
		return len(f.sink.events) >= 4
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_LinkLossTriggersReprobe(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig(), staticSource{feederPort}, true)
	runSupervisor(t, f.supervisor)

	f.observer.waitUp(t)
	first := f.session(0)
	first.Unplug()

	reason := f.observer.waitDown(t)
	assert.ErrorIs(t, reason, protocol.ErrLinkLost)
	assert.True(t, first.Closed())

	f.observer.waitUp(t)
	assert.Len(t, f.opener.Opened(), 2)
	assert.Equal(t, model.LinkStateConnected, f.supervisor.State().State)
}

func TestSupervisor_AbsentDeviceBacksOff(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig(), staticSource{
		{Path: "/dev/ttyS0", Confidence: 0},
	}, true)
	runSupervisor(t, f.supervisor)

	require.Eventually(t, func() bool {
		return f.supervisor.State().Attempts >= 3
	}, 2*time.Second, 5*time.Millisecond)

	state := f.supervisor.State()
	assert.NotEqual(t, model.LinkStateConnected, state.State)
	assert.Contains(t, state.LastError, ErrDeviceAbsent.Error())
	assert.Empty(t, f.opener.Opened(), "candidates below the threshold are never opened")
}

func TestSupervisor_SilentCandidateFailsHandshake(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig(), staticSource{feederPort}, false)
	runSupervisor(t, f.supervisor)

	require.Eventually(t, func() bool {
		return f.supervisor.State().Attempts >= 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Contains(t, f.supervisor.State().LastError, "handshake")
	assert.True(t, f.session(0).Closed())
}

func TestSupervisor_WatchdogExpires(t *testing.T) {
	cfg := testSupervisorConfig()
	cfg.Watchdog = 80 * time.Millisecond
	f := newSupervisorFixture(t, cfg, staticSource{feederPort}, true)
	runSupervisor(t, f.supervisor)

	f.observer.waitUp(t)
	reason := f.observer.waitDown(t)
	assert.ErrorIs(t, reason, ErrWatchdogExpired)
}

func TestSupervisor_ReportLoss(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig(), staticSource{feederPort}, true)
	runSupervisor(t, f.supervisor)

	f.observer.waitUp(t)
	f.supervisor.ReportLoss(errors.Join(protocol.ErrLinkLost, errors.New("ack timeouts")))

	reason := f.observer.waitDown(t)
	assert.ErrorIs(t, reason, protocol.ErrLinkLost)
}

func TestSupervisor_HotplugRemoval(t *testing.T) {
	f := newSupervisorFixture(t, testSupervisorConfig(), staticSource{feederPort}, true)
	events := make(chan discovery.HotplugEvent, 4)
	f.supervisor.SetHotplug(events)
	runSupervisor(t, f.supervisor)

	f.observer.waitUp(t)

	events <- discovery.HotplugEvent{Op: discovery.HotplugRemoved, Path: "/dev/ttyUSB9"}
	events <- discovery.HotplugEvent{Op: discovery.HotplugRemoved, Path: feederPort.Path}

	reason := f.observer.waitDown(t)
	assert.ErrorIs(t, reason, protocol.ErrLinkLost)
	assert.Contains(t, reason.Error(), feederPort.Path)
}

func TestSupervisor_NextBackoffCaps(t *testing.T) {
	s := &Supervisor{config: &config.SupervisorConfig{MinBackoff: time.Second, MaxBackoff: 5 * time.Second}}

	assert.Equal(t, 2*time.Second, s.nextBackoff(time.Second))
	assert.Equal(t, 4*time.Second, s.nextBackoff(2*time.Second))
	assert.Equal(t, 5*time.Second, s.nextBackoff(4*time.Second))
	assert.Equal(t, 5*time.Second, s.nextBackoff(5*time.Second))
}
