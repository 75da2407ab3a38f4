package service

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"feeder-gateway/internal/metrics"
)

func newTestNormalizer(t *testing.T) (*Normalizer, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	return NewNormalizer(testTelemetryConfig(), clk, nil, zap.NewNop()), clk
}

func TestNormalizer_CanonicalChannels(t *testing.T) {
	n, clk := newTestNormalizer(t)

	s := n.Ingest(delta("TEMP1", "25.3", "HUM1", "65", "TEMP2", "31", "WEIGHT", "1.25", "BATV", "12.6", "TIME", "42"))

	assert.Equal(t, uint64(1), s.Sequence)
	assert.Equal(t, clk.Now(), s.Timestamp)

	tests := []struct {
		channel string
		value   float64
		unit    string
	}{
		{ChannelFeedTemperature, 25.3, "°C"},
		{ChannelFeedHumidity, 65, "%"},
		{ChannelControlTemperature, 31, "°C"},
		{ChannelWeight, 1250, "g"},
		{ChannelBatteryVoltage, 12.6, "V"},
		{ChannelDeviceUptime, 42, "s"},
	}
	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			r, ok := s.Channel(tt.channel)
			require.True(t, ok)
			assert.InDelta(t, tt.value, r.Value, 1e-9)
			assert.Equal(t, tt.unit, r.Unit)
			assert.True(t, r.Valid)
		})
	}
}

func TestNormalizer_WeightConversionIsExact(t *testing.T) {
	n, _ := newTestNormalizer(t)

	s := n.Ingest(delta("WEIGHT", "0.29"))
	r, _ := s.Channel(ChannelWeight)
	assert.Equal(t, 290.0, r.Value)

	s = n.Ingest(delta("WEIGHT", "-0.01"))
	r, _ = s.Channel(ChannelWeight)
	assert.False(t, r.Valid)
	assert.Equal(t, 290.0, r.Value, "invalid readings keep the last good value")
}

func TestNormalizer_StateWords(t *testing.T) {
	n, _ := newTestNormalizer(t)

	s := n.Ingest(delta("LED", "ON", "FAN", "off", "ACTUATOR", "UP", "AUGER", "reverse", "BLOWER", "180"))

	expect := map[string]float64{
		ChannelRelayLED:      1,
		ChannelRelayFan:      0,
		ChannelActuatorState: 1,
		ChannelAugerState:    2,
		ChannelBlowerState:   180,
	}
	for name, want := range expect {
		r, ok := s.Channel(name)
		require.True(t, ok, name)
		assert.True(t, r.Valid, name)
		assert.Equal(t, want, r.Value, name)
	}

	s = n.Ingest(delta("AUGER", "sideways"))
	r, _ := s.Channel(ChannelAugerState)
	assert.False(t, r.Valid)
}

func TestNormalizer_OutOfRangeMarksInvalid(t *testing.T) {
	n, clk := newTestNormalizer(t)

	n.Ingest(delta("HUM1", "55"))
	clk.Add(time.Second)
	s := n.Ingest(delta("HUM1", "140"))

	r, _ := s.Channel(ChannelFeedHumidity)
	assert.False(t, r.Valid)
	assert.Equal(t, 55.0, r.Value)
	assert.Equal(t, clk.Now(), r.UpdatedAt)
}

func TestNormalizer_AbsentChannelsInvalidateAfterMissLimit(t *testing.T) {
	n, _ := newTestNormalizer(t)

	n.Ingest(delta("TEMP1", "20", "WEIGHT", "1"))
	for i := 0; i < 2; i++ {
		s := n.Ingest(delta("WEIGHT", "1"))
		r, _ := s.Channel(ChannelFeedTemperature)
		assert.True(t, r.Valid, "still within miss limit after %d misses", i+1)
	}

	s := n.Ingest(delta("WEIGHT", "1"))
	r, _ := s.Channel(ChannelFeedTemperature)
	assert.False(t, r.Valid)
	assert.Equal(t, 20.0, r.Value)
}

func TestNormalizer_TickExpiresStaleChannels(t *testing.T) {
	n, clk := newTestNormalizer(t)

	first := n.Ingest(delta("TEMP1", "20", "WEIGHT", "1"))

	clk.Add(4 * time.Second)
	s, changed := n.Tick(clk.Now())
	assert.False(t, changed)
	assert.Equal(t, first.Sequence, s.Sequence)

	clk.Add(2 * time.Second)
	s, changed = n.Tick(clk.Now())
	require.True(t, changed)
	weight, _ := s.Channel(ChannelWeight)
	temp, _ := s.Channel(ChannelFeedTemperature)
	assert.False(t, weight.Valid, "weight has a 5s freshness override")
	assert.True(t, temp.Valid)

	clk.Add(5 * time.Second)
	s, changed = n.Tick(clk.Now())
	require.True(t, changed)
	temp, _ = s.Channel(ChannelFeedTemperature)
	assert.False(t, temp.Valid)
	assert.Greater(t, s.Sequence, first.Sequence)
}

func TestNormalizer_InvalidateAll(t *testing.T) {
	n, _ := newTestNormalizer(t)

	_, changed := n.InvalidateAll("empty")
	assert.False(t, changed)

	n.Ingest(delta("TEMP1", "20", "HUM1", "50"))
	s, changed := n.InvalidateAll("link lost")
	require.True(t, changed)
	for _, name := range s.Names() {
		assert.False(t, s.Channels[name].Valid, name)
	}

	_, changed = n.InvalidateAll("again")
	assert.False(t, changed)
}

func TestNormalizer_SnapshotsAreIndependent(t *testing.T) {
	n, _ := newTestNormalizer(t)

	first := n.Ingest(delta("TEMP1", "20"))
	n.Ingest(delta("TEMP1", "21"))

	r, _ := first.Channel(ChannelFeedTemperature)
	assert.Equal(t, 20.0, r.Value)
}

func TestNormalizer_UnknownFieldsCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	clk := clock.NewMock()
	n := NewNormalizer(testTelemetryConfig(), clk, metrics.New(reg), zap.NewNop())

	s := n.Ingest(delta("TEMP1", "20", "CO2", "400", "LUX", "900"))

	assert.Len(t, s.Channels, 1)
	assert.Equal(t, 2.0, metricValue(t, reg, "feeder_gateway_unknown_channels_total"))
}
