package protocol_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feeder-gateway/internal/protocol"
	"feeder-gateway/internal/protocol/protocoltest"
)

func handshakeConfig() protocol.HandshakeConfig {
	return protocol.HandshakeConfig{
		ProbeLine:    "STATUS",
		Markers:      []string{"[DATA]", "Fish Feeder"},
		BootDelay:    5 * time.Millisecond,
		Timeout:      200 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	}
}

func TestHandshake_AcceptsMarkerLine(t *testing.T) {
	session := protocoltest.NewFakeSession("/dev/ttyACM0")
	session.Feed("boot noise", "")
	session.OnWrite(protocoltest.Responder(session))

	line, err := protocol.Handshake(context.Background(), session, handshakeConfig(), clock.New())
	require.NoError(t, err)

	assert.Contains(t, line, "[DATA]")
	assert.Equal(t, []string{"STATUS"}, session.Writes())
}

func TestHandshake_SilentDeviceFails(t *testing.T) {
	session := protocoltest.NewFakeSession("/dev/ttyUSB0")
	session.Feed("unrelated chatter")

	start := time.Now()
	_, err := protocol.Handshake(context.Background(), session, handshakeConfig(), clock.New())

	assert.ErrorIs(t, err, protocol.ErrHandshakeFailed)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHandshake_LinkErrorFails(t *testing.T) {
	session := protocoltest.NewFakeSession("/dev/ttyUSB0")
	session.Unplug()

	_, err := protocol.Handshake(context.Background(), session, handshakeConfig(), clock.New())
	assert.ErrorIs(t, err, protocol.ErrHandshakeFailed)
}

func TestHandshake_ContextCancelled(t *testing.T) {
	session := protocoltest.NewFakeSession("/dev/ttyACM0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := protocol.Handshake(ctx, session, handshakeConfig(), clock.New())
	assert.ErrorIs(t, err, context.Canceled)
}
