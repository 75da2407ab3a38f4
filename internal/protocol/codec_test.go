package protocol

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feeder-gateway/internal/model"
)

func newTestCodec() *Codec {
	return NewCodec(20 * time.Second)
}

func req(target, action string, params map[string]float64) model.ControlRequest {
	return model.ControlRequest{Target: target, Action: action, Params: params}
}

func TestEncode_Lines(t *testing.T) {
	codec := newTestCodec()

	tests := []struct {
		name    string
		request model.ControlRequest
		line    string
		ack     string
	}{
		{"fan on", req("relay", "fan_on", nil), "R:1", "R"},
		{"all off", req("relay", "all_off", nil), "R:0", "R"},
		{"led toggle", req("relay", "led_toggle", nil), "R:8", "R"},
		{"auger forward", req("auger", "forward", nil), "G:1", "G"},
		{"auger speed", req("auger", "speed", map[string]float64{"speed": 200}), "SPD:200", "SPD"},
		{"blower on", req("blower", "on", nil), "B:1", "B"},
		{"blower speed padded", req("blower", "speed", map[string]float64{"speed": 5}), "B:005", "B"},
		{"blower speed", req("blower", "speed", map[string]float64{"speed": 128}), "B:128", "B"},
		{"actuator up", req("actuator", "up", nil), "A:1", "A"},
		{"actuator timed up", req("actuator", "up", map[string]float64{"duration": 2.5}), "U:2.5", "U"},
		{"actuator timed down", req("actuator", "down", map[string]float64{"duration": 3}), "D:3", "D"},
		{"feed", req("feeder", "feed", map[string]float64{"amount": 100}), "FEED:100", "FEED"},
		{"timing", req("feeder", "timing", map[string]float64{
			"actuator_up": 3, "actuator_down": 2, "auger": 20, "blower": 15.5,
		}), "TIMING:3:2:20:15.5", "TIMING"},
		{"tare", req("scale", "tare", nil), "TARE", "TARE"},
		{"calibrate", req("scale", "calibrate", map[string]float64{"weight": 500}), "CAL:weight:0.5", "CAL"},
		{"status", req("system", "status", nil), "STATUS", TelemetryKeyword},
		{"emergency", req("SYSTEM", " Emergency_Stop ", nil), "WEB_EMERGENCY_STOP", "WEB_EMERGENCY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := codec.Encode(tt.request)
			require.NoError(t, err)
			assert.Equal(t, tt.line, cmd.Line)
			assert.Equal(t, tt.ack, cmd.AckKeyword)
			assert.NotEmpty(t, cmd.DedupKey)
		})
	}
}

func TestEncode_RunTimesAndReleases(t *testing.T) {
	codec := newTestCodec()

	feed, err := codec.Encode(req("feeder", "feed", map[string]float64{"amount": 50}))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, feed.RunTime)
	assert.Equal(t, "feeder/feed", feed.DedupKey)

	up, err := codec.Encode(req("actuator", "up", map[string]float64{"duration": 1.5}))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, up.RunTime)

	stop, err := codec.Encode(req("actuator", "stop", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{TargetActuator}, stop.Releases)

	emergency, err := codec.Encode(req("system", "emergency_stop", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{ReleaseAll}, emergency.Releases)
}

func TestEncode_Rejections(t *testing.T) {
	codec := newTestCodec()

	tests := []struct {
		name    string
		request model.ControlRequest
		unknown bool
	}{
		{"missing target", req("", "on", nil), false},
		{"unknown target", req("pump", "on", nil), true},
		{"unknown action", req("relay", "explode", nil), true},
		{"speed too high", req("blower", "speed", map[string]float64{"speed": 256}), false},
		{"speed negative", req("auger", "speed", map[string]float64{"speed": -1}), false},
		{"speed fractional", req("blower", "speed", map[string]float64{"speed": 12.5}), false},
		{"speed missing", req("blower", "speed", nil), false},
		{"duration too long", req("actuator", "up", map[string]float64{"duration": 31}), false},
		{"duration zero", req("actuator", "down", map[string]float64{"duration": 0}), false},
		{"feed too much", req("feeder", "feed", map[string]float64{"amount": 1001}), false},
		{"feed none", req("feeder", "feed", map[string]float64{"amount": 0}), false},
		{"timing incomplete", req("feeder", "timing", map[string]float64{"actuator_up": 1}), false},
		{"calibrate too heavy", req("scale", "calibrate", map[string]float64{"weight": 60000}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Encode(tt.request)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCommandRejected)
			assert.Equal(t, tt.unknown, errors.Is(err, ErrUnknownCommand))

			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestParseCommand_RoundTrip(t *testing.T) {
	codec := newTestCodec()

	requests := []model.ControlRequest{
		req("relay", "fan_on", nil),
		req("relay", "fan_off", nil),
		req("relay", "led_on", nil),
		req("relay", "led_off", nil),
		req("relay", "all_on", nil),
		req("relay", "all_off", nil),
		req("relay", "fan_toggle", nil),
		req("relay", "led_toggle", nil),
		req("auger", "forward", nil),
		req("auger", "reverse", nil),
		req("auger", "stop", nil),
		req("auger", "speed", map[string]float64{"speed": 0}),
		req("auger", "speed", map[string]float64{"speed": 255}),
		req("blower", "on", nil),
		req("blower", "off", nil),
		req("blower", "toggle", nil),
		req("blower", "speed", map[string]float64{"speed": 0}),
		req("blower", "speed", map[string]float64{"speed": 2}),
		req("blower", "speed", map[string]float64{"speed": 128}),
		req("actuator", "up", nil),
		req("actuator", "down", nil),
		req("actuator", "stop", nil),
		req("actuator", "up", map[string]float64{"duration": 0.5}),
		req("actuator", "down", map[string]float64{"duration": 30}),
		req("feeder", "feed", map[string]float64{"amount": 1}),
		req("feeder", "feed", map[string]float64{"amount": 250.5}),
		req("feeder", "timing", map[string]float64{"actuator_up": 3, "actuator_down": 2, "auger": 20, "blower": 15}),
		req("scale", "tare", nil),
		req("scale", "reset_calibration", nil),
		req("scale", "calibrate", map[string]float64{"weight": 1234}),
		req("system", "status", nil),
		req("system", "emergency_stop", nil),
		req("system", "reset_emergency", nil),
	}

	for _, original := range requests {
		cmd, err := codec.Encode(original)
		require.NoError(t, err, "%s/%s", original.Target, original.Action)

		t.Run(cmd.Line, func(t *testing.T) {
			parsed, err := codec.ParseCommand(cmd.Line)
			require.NoError(t, err)

			assert.Equal(t, original.Target, parsed.Target)
			assert.Equal(t, original.Action, parsed.Action)
			assert.Equal(t, len(original.Params), len(parsed.Params))
			for name, want := range original.Params {
				assert.InDelta(t, want, parsed.Params[name], 1e-9, name)
			}
		})
	}
}

func TestParseCommand_Rejections(t *testing.T) {
	codec := newTestCodec()

	for _, line := range []string{"", "X:1", "R:9", "G:5", "B:", "B:abc", "FEED:lots", "FEED:5000", "TIMING:1:2", "U:45", "HELLO"} {
		t.Run(line, func(t *testing.T) {
			_, err := codec.ParseCommand(line)
			assert.ErrorIs(t, err, ErrCommandRejected)
		})
	}
}

func TestDecode_Telemetry(t *testing.T) {
	codec := newTestCodec()

	t.Run("firmware data line", func(t *testing.T) {
		ev := codec.Decode("[DATA] TEMP1:26.4,HUM1:71,TEMP2:30.1,HUM2:55,WEIGHT:1.25,BATV:12.41,BATI:0.532,LED:1,FAN:0,TIME:345")
		delta, ok := ev.(SensorDelta)
		require.True(t, ok, "got %T", ev)

		assert.Len(t, delta.Values, 10)
		assert.InDelta(t, 26.4, delta.Values["temp1"].Number, 1e-9)
		assert.InDelta(t, 1.25, delta.Values["weight"].Number, 1e-9)
		assert.True(t, delta.Values["led"].Numeric)
	})

	t.Run("bare line with NaN", func(t *testing.T) {
		ev := codec.Decode("temp:25.3,hum:65.2,weight:NaN")
		delta, ok := ev.(SensorDelta)
		require.True(t, ok, "got %T", ev)

		require.Contains(t, delta.Values, "weight")
		assert.False(t, delta.Values["weight"].Numeric)
		assert.True(t, delta.Values["temp"].Numeric)
		assert.True(t, delta.Values["hum"].Numeric)
	})

	t.Run("malformed segments dropped", func(t *testing.T) {
		ev := codec.Decode("[DATA] TEMP1:25,garbage,:7,X:1,HUM1:,WEIGHT:abc")
		delta, ok := ev.(SensorDelta)
		require.True(t, ok, "got %T", ev)

		assert.Len(t, delta.Values, 3)
		assert.True(t, delta.Values["temp1"].Numeric)
		assert.False(t, delta.Values["hum1"].Numeric)
		assert.False(t, delta.Values["weight"].Numeric)
	})

	t.Run("state words kept as text", func(t *testing.T) {
		ev := codec.Decode("[DATA] ACTUATOR:opening,AUGER:stop")
		delta, ok := ev.(SensorDelta)
		require.True(t, ok)
		assert.Equal(t, "opening", delta.Values["actuator"].Text)
	})
}

func TestDecode_Acknowledgements(t *testing.T) {
	codec := newTestCodec()

	tests := []struct {
		line    string
		keyword string
		success bool
		detail  string
	}{
		{"[ACK] G:1 AUGER_FORWARD", "G", true, "AUGER_FORWARD"},
		{"[ACK] B:128 BLOWER_SPEED_50%", "B", true, "BLOWER_SPEED_50%"},
		{"[ACK] FEED:100.00 Feeding_Started_With_Params", "FEED", true, "Feeding_Started_With_Params"},
		{"[NAK] FEED Already_Feeding", "FEED", false, "Already_Feeding"},
		{"[ACK] TARE Weight_Tared", "TARE", true, "Weight_Tared"},
		{"[ACK] U:2.50 Actuator_Up_Started", "U", true, "Actuator_Up_Started"},
		{"[RELAY] IN1 (FAN) ON", "R", true, "IN1 (FAN) ON"},
		{"[WEB_EMERGENCY] EMERGENCY STOP - ALL MOTORS OFF", "WEB_EMERGENCY", true, "EMERGENCY STOP - ALL MOTORS OFF"},
		{"[ACK] SPD:200 Speed_Updated\r", "SPD", true, "Speed_Updated"},
		{"[ERROR] Already feeding", "", false, "Already feeding"},
		{"[ERROR] Invalid relay command: R:9", "", false, "Invalid relay command: R:9"},
		{"[NAK] Invalid duration", "", false, "Invalid duration"},
		{"[ERROR]", "", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			ev := codec.Decode(tt.line)
			ack, ok := ev.(Acknowledgement)
			require.True(t, ok, "got %T", ev)

			assert.Equal(t, tt.keyword, ack.Keyword)
			assert.Equal(t, tt.success, ack.Success)
			assert.Equal(t, tt.detail, ack.Detail)
		})
	}
}

func TestDecode_Unrecognized(t *testing.T) {
	codec := newTestCodec()

	for _, line := range []string{
		"",
		"   ",
		"====== FISH FEEDER STATUS ======",
		"[INFO] Sending comprehensive data...",
		"[ACK]",
		"[DATA",
		"[DATA] nothing here",
		"Ready: yes",
		"\x00\xff\xfe",
	} {
		t.Run(line, func(t *testing.T) {
			_, ok := codec.Decode(line).(Unrecognized)
			assert.True(t, ok)
		})
	}
}

func FuzzDecode(f *testing.F) {
	for _, seed := range []string{
		"[DATA] TEMP1:26.4,HUM1:71,WEIGHT:1.25",
		"temp:25.3,hum:65.2,weight:NaN",
		"[ACK] G:1 AUGER_FORWARD",
		"[NAK]",
		"[DATA] ,,,:,:::",
		"[[[]]]",
		strings.Repeat("x:1,", 100),
	} {
		f.Add(seed)
	}

	codec := newTestCodec()
	f.Fuzz(func(t *testing.T, line string) {
		switch ev := codec.Decode(line).(type) {
		case SensorDelta:
			require.NotEmpty(t, ev.Values)
			for name, v := range ev.Values {
				require.True(t, validChannelName(name))
				if !v.Numeric {
					require.Zero(t, v.Number)
				}
			}
		case Acknowledgement:
			require.NotEmpty(t, ev.Marker)
		case Unrecognized:
		default:
			t.Fatalf("unexpected event type %T", ev)
		}
	})
}

func TestDecode_TruncatedLines(t *testing.T) {
	codec := newTestCodec()
	line := "[DATA] TEMP1:26.4,HUM1:71,TEMP2:30.1,HUM2:55,WEIGHT:1.25,BATV:12.41"

	for i := 0; i <= len(line); i++ {
		assert.NotPanics(t, func() { codec.Decode(line[:i]) })
	}
}
