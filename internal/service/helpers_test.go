package service

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"feeder-gateway/internal/config"
	"feeder-gateway/internal/protocol"
)

// metricValue sums every sample of a counter or gauge family
func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

func testTelemetryConfig() *config.TelemetryConfig {
	return &config.TelemetryConfig{
		TickInterval:     time.Second,
		DefaultFreshness: 10 * time.Second,
		Freshness:        map[string]time.Duration{"weight": 5 * time.Second},
		MissLimit:        3,
		DeltaBuffer:      4,
	}
}

func testGatewayConfig() *config.GatewayConfig {
	return &config.GatewayConfig{
		QueueSize:     4,
		AckTimeout:    200 * time.Millisecond,
		TimeoutStreak: 3,
		TimeoutWindow: time.Minute,
		FeedRunTime:   100 * time.Millisecond,
		OutcomeBuffer: 16,
	}
}

func delta(pairs ...string) protocol.SensorDelta {
	codec := protocol.NewCodec(time.Second)
	line := "[DATA] "
	for i := 0; i+1 < len(pairs); i += 2 {
		if i > 0 {
			line += ","
		}
		line += pairs[i] + ":" + pairs[i+1]
	}
	return codec.Decode(line).(protocol.SensorDelta)
}
