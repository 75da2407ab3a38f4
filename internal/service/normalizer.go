// internal/service/normalizer.go
package service

import (
	"math"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"feeder-gateway/internal/config"
	"feeder-gateway/internal/metrics"
	"feeder-gateway/internal/model"
	"feeder-gateway/internal/protocol"
)

// Canonical channel names
const (
	ChannelFeedTemperature    = "feed_temperature"
	ChannelFeedHumidity       = "feed_humidity"
	ChannelControlTemperature = "control_temperature"
	ChannelControlHumidity    = "control_humidity"
	ChannelWeight             = "weight"
	ChannelBatteryVoltage     = "battery_voltage"
	ChannelBatteryCurrent     = "battery_current"
	ChannelSolarVoltage       = "solar_voltage"
	ChannelSolarCurrent       = "solar_current"
	ChannelSoilMoisture       = "soil_moisture"
	ChannelRelayLED           = "relay_led"
	ChannelRelayFan           = "relay_fan"
	ChannelBlowerState        = "blower_state"
	ChannelActuatorState      = "actuator_state"
	ChannelAugerState         = "auger_state"
	ChannelDeviceUptime       = "device_uptime"
)

// converter turns a raw device value into canonical units; ok=false marks the reading invalid
type converter func(raw protocol.RawValue) (float64, bool)

type channelSpec struct {
	name    string
	unit    string
	aliases []string
	convert converter
}

var (
	switchWords   = map[string]float64{"off": 0, "on": 1, "false": 0, "true": 1}
	actuatorWords = map[string]float64{
		"stop": 0, "stopped": 0, "idle": 0,
		"up": 1, "opening": 1, "extending": 1,
		"down": 2, "closing": 2, "retracting": 2,
	}
	augerWords = map[string]float64{
		"stop": 0, "stopped": 0, "off": 0,
		"forward": 1, "fwd": 1, "on": 1,
		"reverse": 2, "rev": 2, "backward": 2,
	}
)

var channelTable = []channelSpec{
	{ChannelFeedTemperature, "°C", []string{"temp", "temp1", "feed_temp"}, between(-40, 85)},
	{ChannelFeedHumidity, "%", []string{"hum", "hum1", "feed_hum"}, between(0, 100)},
	{ChannelControlTemperature, "°C", []string{"temp2", "control_temp"}, between(-40, 85)},
	{ChannelControlHumidity, "%", []string{"hum2", "control_hum"}, between(0, 100)},
	{ChannelWeight, "g", []string{"weight"}, kilogramsToGrams},
	{ChannelBatteryVoltage, "V", []string{"batv", "load_voltage"}, between(0, 30)},
	{ChannelBatteryCurrent, "A", []string{"bati", "load_current"}, finite},
	{ChannelSolarVoltage, "V", []string{"solv", "solar_voltage"}, between(0, 50)},
	{ChannelSolarCurrent, "A", []string{"soli", "solar_current"}, finite},
	{ChannelSoilMoisture, "%", []string{"soil", "soil_moisture"}, between(0, 100)},
	{ChannelRelayLED, "state", []string{"led"}, state(switchWords, 1)},
	{ChannelRelayFan, "state", []string{"fan"}, state(switchWords, 1)},
	{ChannelBlowerState, "pwm", []string{"blower"}, state(switchWords, 255)},
	{ChannelActuatorState, "state", []string{"actuator"}, state(actuatorWords, 2)},
	{ChannelAugerState, "state", []string{"auger"}, state(augerWords, 2)},
	{ChannelDeviceUptime, "s", []string{"time", "uptime"}, between(0, math.MaxFloat64)},
}

func between(min, max float64) converter {
	return func(raw protocol.RawValue) (float64, bool) {
		if !raw.Numeric {
			return 0, false
		}
		return raw.Number, raw.Number >= min && raw.Number <= max
	}
}

func finite(raw protocol.RawValue) (float64, bool) {
	return raw.Number, raw.Numeric
}

// kilogramsToGrams converts the scale's kg reading exactly; negative weight is invalid
func kilogramsToGrams(raw protocol.RawValue) (float64, bool) {
	if !raw.Numeric {
		return 0, false
	}
	kg, err := decimal.NewFromString(raw.Text)
	if err != nil {
		kg = decimal.NewFromFloat(raw.Number)
	}
	grams, _ := kg.Mul(decimal.NewFromInt(1000)).Float64()
	return grams, grams >= 0
}

// state accepts a number in [0, max] or one of the device's state words
func state(words map[string]float64, max float64) converter {
	return func(raw protocol.RawValue) (float64, bool) {
		if raw.Numeric {
			return raw.Number, raw.Number >= 0 && raw.Number <= max
		}
		v, ok := words[strings.ToLower(strings.TrimSpace(raw.Text))]
		return v, ok
	}
}

type channelState struct {
	reading model.ChannelReading
	misses  int
}

// Normalizer owns the canonical sensor channels. It is not safe for
// concurrent use; the telemetry pump is its only caller.
type Normalizer struct {
	aliases          map[string]*channelSpec
	channels         map[string]*channelState
	freshness        map[string]time.Duration
	defaultFreshness time.Duration
	missLimit        int

	sequence uint64
	last     model.Snapshot

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewNormalizer creates a normalizer with the canonical channel table
func NewNormalizer(cfg *config.TelemetryConfig, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Normalizer {
	n := &Normalizer{
		aliases:          make(map[string]*channelSpec),
		channels:         make(map[string]*channelState),
		freshness:        cfg.Freshness,
		defaultFreshness: cfg.DefaultFreshness,
		missLimit:        cfg.MissLimit,
		clock:            clk,
		metrics:          m,
		logger:           logger.With(zap.String("component", "normalizer")),
	}
	// Index by canonical name and alias
	for i := range channelTable {
		def := &channelTable[i]
		n.aliases[def.name] = def
		for _, alias := range def.aliases {
			n.aliases[alias] = def
		}
	}
	n.last = model.Snapshot{Timestamp: clk.Now(), Channels: map[string]model.ChannelReading{}}
	return n
}

// Ingest applies one telemetry delta and returns the resulting snapshot.
// Channels absent from the delta keep their value; after missLimit
// consecutive absences they are marked invalid.
func (n *Normalizer) Ingest(delta protocol.SensorDelta) model.Snapshot {
	now := n.clock.Now()
	seen := make(map[string]bool, len(delta.Values))
	var unknown []string

	for field, raw := range delta.Values {
		def, ok := n.aliases[strings.ToLower(field)]
		if !ok {
			unknown = append(unknown, field)
			continue
		}

		ch, exists := n.channels[def.name]
		if !exists {
			ch = &channelState{reading: model.ChannelReading{Name: def.name, Unit: def.unit}}
			n.channels[def.name] = ch
		}

		// Invalid values keep the last good value
		value, valid := def.convert(raw)
		if valid {
			ch.reading.Value = value
		}
		ch.reading.Valid = valid
		ch.reading.UpdatedAt = now
		ch.misses = 0
		seen[def.name] = true

		if !valid {
			n.logger.Debug("Invalid channel value",
				zap.String("channel", def.name),
				zap.String("raw", raw.Text),
			)
		}
	}

	for name, ch := range n.channels {
		if seen[name] {
			continue
		}
		ch.misses++
		if n.missLimit > 0 && ch.misses >= n.missLimit && ch.reading.Valid {
			ch.reading.Valid = false
			n.logger.Debug("Channel missing from recent updates", zap.String("channel", name))
		}
	}

	if len(unknown) > 0 {
		n.metrics.UnknownChannels(len(unknown))
		n.logger.Debug("Unknown telemetry fields", zap.Strings("fields", unknown))
	}

	return n.snapshot(now)
}

// Tick invalidates channels older than their freshness threshold.
// changed is false, and the previous snapshot is returned, when nothing flipped.
func (n *Normalizer) Tick(now time.Time) (model.Snapshot, bool) {
	changed := false
	for name, ch := range n.channels {
		if !ch.reading.Valid {
			continue
		}
		if now.Sub(ch.reading.UpdatedAt) > n.freshnessFor(name) {
			ch.reading.Valid = false
			changed = true
			n.logger.Debug("Channel stale", zap.String("channel", name))
		}
	}

	if !changed {
		return n.last, false
	}
	return n.snapshot(now), true
}

// InvalidateAll marks every channel invalid, keeping last-known values
func (n *Normalizer) InvalidateAll(reason string) (model.Snapshot, bool) {
	changed := false
	for _, ch := range n.channels {
		if ch.reading.Valid {
			ch.reading.Valid = false
			changed = true
		}
	}

	if !changed {
		return n.last, false
	}
	n.logger.Info("All channels invalidated", zap.String("reason", reason))
	return n.snapshot(n.clock.Now()), true
}

// Last returns the most recent snapshot
func (n *Normalizer) Last() model.Snapshot {
	return n.last
}

func (n *Normalizer) freshnessFor(name string) time.Duration {
	if d, ok := n.freshness[name]; ok && d > 0 {
		return d
	}
	return n.defaultFreshness
}

// snapshot copies the channel state into a new immutable snapshot
func (n *Normalizer) snapshot(now time.Time) model.Snapshot {
	n.sequence++
	channels := make(map[string]model.ChannelReading, len(n.channels))
	for name, ch := range n.channels {
		channels[name] = ch.reading
	}
	n.last = model.Snapshot{
		Sequence:  n.sequence,
		Timestamp: now,
		Channels:  channels,
	}
	return n.last
}
