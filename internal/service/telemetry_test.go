package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"feeder-gateway/internal/model"
)

func startPump(t *testing.T) (*TelemetryPump, *Subscription, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	cfg := testTelemetryConfig()
	publisher := NewPublisher(8, nil, zap.NewNop())
	pump := NewTelemetryPump(cfg, NewNormalizer(cfg, clk, nil, zap.NewNop()), publisher, clk, zap.NewNop())
	sub := publisher.Subscribe("test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pump.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		sub.Close()
	})
	return pump, sub, clk
}

func nextSnapshot(t *testing.T, sub *Subscription) model.Snapshot {
	t.Helper()
	select {
	case s := <-sub.C():
		return s
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no snapshot published")
	}
	return model.Snapshot{}
}

func TestTelemetryPump_PublishesEachDelta(t *testing.T) {
	pump, sub, clk := startPump(t)

	_, ok := pump.LastTelemetry()
	assert.False(t, ok)

	pump.Deliver(context.Background(), delta("TEMP1", "22.5"))
	s := nextSnapshot(t, sub)
	r, ok := s.Channel(ChannelFeedTemperature)
	require.True(t, ok)
	assert.Equal(t, 22.5, r.Value)

	pump.Deliver(context.Background(), delta("WEIGHT", "2"))
	s = nextSnapshot(t, sub)
	assert.Len(t, s.Channels, 2)

	last, ok := pump.LastTelemetry()
	require.True(t, ok)
	assert.Equal(t, clk.Now(), last)
}

func TestTelemetryPump_LinkDownInvalidatesChannels(t *testing.T) {
	pump, sub, _ := startPump(t)

	pump.Deliver(context.Background(), delta("TEMP1", "22.5", "HUM1", "40"))
	nextSnapshot(t, sub)

	pump.LinkDown(errors.New("device unplugged"))
	s := nextSnapshot(t, sub)
	for _, name := range s.Names() {
		assert.False(t, s.Channels[name].Valid, name)
	}
	assert.Equal(t, 22.5, s.Channels[ChannelFeedTemperature].Value)
}

func TestTelemetryPump_TickPublishesStaleness(t *testing.T) {
	pump, sub, clk := startPump(t)

	pump.Deliver(context.Background(), delta("WEIGHT", "1.5"))
	nextSnapshot(t, sub)

	clk.Add(6 * time.Second)
	s := nextSnapshot(t, sub)
	r, _ := s.Channel(ChannelWeight)
	assert.False(t, r.Valid)
}

func TestTelemetryPump_DeliverStopsOnContext(t *testing.T) {
	clk := clock.NewMock()
	cfg := testTelemetryConfig()
	cfg.DeltaBuffer = 1
	pump := NewTelemetryPump(cfg, NewNormalizer(cfg, clk, nil, zap.NewNop()), NewPublisher(1, nil, zap.NewNop()), clk, zap.NewNop())

	pump.Deliver(context.Background(), delta("TEMP1", "20"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		pump.Deliver(ctx, delta("TEMP1", "21"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Deliver ignored context cancellation")
	}
}
