package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"feeder-gateway/internal/metrics"
	"feeder-gateway/internal/model"
)

type memoryMirror struct {
	mu        sync.Mutex
	snapshots []uint64
	outcomes  []string
	err       error
}

func (m *memoryMirror) Name() string { return "memory" }

func (m *memoryMirror) SaveSnapshot(_ context.Context, s model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, s.Sequence)
	return m.err
}

func (m *memoryMirror) SaveOutcome(_ context.Context, o model.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o.CorrelationID)
	return m.err
}

func (m *memoryMirror) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots), len(m.outcomes)
}

func runMirror(t *testing.T, mirror *memoryMirror, m *metrics.Metrics) (*Publisher, chan model.Outcome) {
	t.Helper()
	publisher := NewPublisher(4, nil, zap.NewNop())
	outcomes := make(chan model.Outcome, 4)
	ms := NewMirrorSync(mirror, publisher.Subscribe("mirror"), outcomes, time.Second, m, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, ms.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		assert.Zero(t, publisher.Count(), "subscription is released on exit")
	})
	return publisher, outcomes
}

func TestMirrorSync_WritesSnapshotsAndOutcomes(t *testing.T) {
	mirror := &memoryMirror{}
	publisher, outcomes := runMirror(t, mirror, nil)

	publisher.Publish(snap(1))
	publisher.Publish(snap(2))
	outcomes <- model.Outcome{CorrelationID: "c-1", Status: model.OutcomeSuccess}

	require.Eventually(t, func() bool {
		s, o := mirror.counts()
		return s == 2 && o == 1
	}, time.Second, 5*time.Millisecond)

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, mirror.snapshots)
	assert.Equal(t, []string{"c-1"}, mirror.outcomes)
}

func TestMirrorSync_FailuresAreCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	mirror := &memoryMirror{err: errors.New("connection refused")}
	publisher, outcomes := runMirror(t, mirror, metrics.New(reg))

	publisher.Publish(snap(1))
	outcomes <- model.Outcome{CorrelationID: "c-1"}

	require.Eventually(t, func() bool {
		return metricValue(t, reg, "feeder_gateway_mirror_writes_total") == 2
	}, time.Second, 5*time.Millisecond)

	// The consumer keeps running after failures
	publisher.Publish(snap(2))
	require.Eventually(t, func() bool {
		s, _ := mirror.counts()
		return s == 2
	}, time.Second, 5*time.Millisecond)
}
