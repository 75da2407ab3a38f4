package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"feeder-gateway/internal/config"
	"feeder-gateway/internal/model"
	"feeder-gateway/internal/protocol/protocoltest"
)

func scannerConfig() *config.ScannerConfig {
	return &config.ScannerConfig{
		MinConfidence:    30,
		ProbeLine:        "STATUS",
		Markers:          []string{"[DATA]", "Fish Feeder"},
		BootDelay:        time.Millisecond,
		HandshakeTimeout: 100 * time.Millisecond,
		PollInterval:     time.Millisecond,
		ExtraPatterns:    []string{"/dev/serial/by-id/*feeder*"},
	}
}

func staticLister(ports ...*enumerator.PortDetails) PortLister {
	return func() ([]*enumerator.PortDetails, error) {
		return ports, nil
	}
}

func paths(candidates []model.Candidate) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Path)
	}
	return out
}

func TestScanner_ScoresLinuxPorts(t *testing.T) {
	lister := staticLister(
		&enumerator.PortDetails{Name: "/dev/ttyS0"},
		&enumerator.PortDetails{Name: "/dev/ttyUSB0", IsUSB: true, VID: "1a86", PID: "7523"},
		&enumerator.PortDetails{Name: "/dev/ttyACM0", IsUSB: true, VID: "2341", PID: "0042", Product: "Arduino Mega 2560"},
		&enumerator.PortDetails{Name: "/dev/ttyACM1", IsUSB: true, VID: "dead", PID: "beef"},
		&enumerator.PortDetails{Name: "/dev/serial/by-id/usb-feeder-if00"},
	)
	s := NewScanner(scannerConfig(), nil, zap.NewNop(), WithLister(lister), WithGOOS("linux"))

	candidates := s.Scan(context.Background())
	require.Len(t, candidates, 5)

	assert.Equal(t, []string{
		"/dev/ttyACM0",
		"/dev/ttyUSB0",
		"/dev/ttyACM1",
		"/dev/serial/by-id/usb-feeder-if00",
		"/dev/ttyS0",
	}, paths(candidates))

	assert.Equal(t, 120, candidates[0].Confidence)
	assert.True(t, candidates[0].HasSignal(model.SignalHardwareID))
	assert.True(t, candidates[0].HasSignal(model.SignalACMPort))
	assert.Equal(t, "2341", candidates[0].VendorID)

	assert.Equal(t, 100, candidates[1].Confidence)
	assert.Equal(t, "CH340 serial converter", candidates[1].Description)
	assert.Equal(t, 50, candidates[2].Confidence)
	assert.Empty(t, candidates[2].Description)
	assert.Equal(t, 30, candidates[3].Confidence)
	assert.True(t, candidates[3].HasSignal(model.SignalConfiguredPattern))
	assert.Zero(t, candidates[4].Confidence)
}

func TestScanner_HardwareCountsOnce(t *testing.T) {
	lister := staticLister(&enumerator.PortDetails{
		Name: "COM4", IsUSB: true, VID: "2341", PID: "0043", Product: "Arduino Uno",
	})
	s := NewScanner(scannerConfig(), nil, zap.NewNop(), WithLister(lister), WithGOOS("windows"))

	candidates := s.Scan(context.Background())
	require.Len(t, candidates, 1)
	assert.Equal(t, ScoreHardware+ScoreUSBPort, candidates[0].Confidence)
	assert.False(t, candidates[0].HasSignal(model.SignalDescription))
}

func TestScanner_DescriptionMatch(t *testing.T) {
	lister := staticLister(&enumerator.PortDetails{
		Name: "/dev/cu.wchusbserial1410", Product: "USB2.0-Serial CH340",
	})
	s := NewScanner(scannerConfig(), nil, zap.NewNop(), WithLister(lister), WithGOOS("darwin"))

	candidates := s.Scan(context.Background())
	require.Len(t, candidates, 1)
	assert.Equal(t, ScoreHardware+ScoreUSBPort, candidates[0].Confidence)
	assert.True(t, candidates[0].HasSignal(model.SignalDescription))
}

func TestScanner_TiesBreakByPath(t *testing.T) {
	lister := staticLister(
		&enumerator.PortDetails{Name: "/dev/ttyUSB2"},
		&enumerator.PortDetails{Name: "/dev/ttyUSB0"},
		&enumerator.PortDetails{Name: "/dev/ttyUSB1"},
	)
	s := NewScanner(scannerConfig(), nil, zap.NewNop(), WithLister(lister), WithGOOS("linux"))

	for i := 0; i < 3; i++ {
		assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyUSB2"}, paths(s.Scan(context.Background())))
	}
}

func TestScanner_EnumerationErrorYieldsEmptyList(t *testing.T) {
	lister := func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("permission denied")
	}
	s := NewScanner(scannerConfig(), nil, zap.NewNop(), WithLister(lister))

	candidates := s.Scan(context.Background())
	assert.NotNil(t, candidates)
	assert.Empty(t, candidates)
}

func TestScanner_ScanWithProbe(t *testing.T) {
	lister := staticLister(
		&enumerator.PortDetails{Name: "/dev/ttyUSB0"},
		&enumerator.PortDetails{Name: "/dev/ttyACM0"},
		&enumerator.PortDetails{Name: "/dev/ttyS0"},
	)
	opener := protocoltest.NewFakeOpener(func(c model.Candidate) (*protocoltest.FakeSession, error) {
		session := protocoltest.NewFakeSession(c.Path)
		if c.Path == "/dev/ttyUSB0" {
			session.OnWrite(protocoltest.Responder(session))
		}
		return session, nil
	})
	s := NewScanner(scannerConfig(), opener, zap.NewNop(),
		WithLister(lister), WithGOOS("linux"), WithClock(clock.New()))

	candidates := s.ScanWithProbe(context.Background())
	require.Len(t, candidates, 3)

	assert.Equal(t, "/dev/ttyUSB0", candidates[0].Path)
	assert.Equal(t, ScoreUSBPort+ScoreCommunication, candidates[0].Confidence)
	assert.True(t, candidates[0].HasSignal(model.SignalCommunication))
	assert.Equal(t, ScoreACMPort, candidates[1].Confidence)

	// Zero-score ports are never opened
	assert.ElementsMatch(t, []string{"/dev/ttyUSB0", "/dev/ttyACM0"}, opener.Opened())
}

func TestScanner_ProbeCreditsConfirmedPath(t *testing.T) {
	lister := staticLister(&enumerator.PortDetails{Name: "/dev/ttyACM0"})
	opener := protocoltest.NewFakeOpener(func(c model.Candidate) (*protocoltest.FakeSession, error) {
		return nil, errors.New("device busy")
	})
	s := NewScanner(scannerConfig(), opener, zap.NewNop(), WithLister(lister), WithGOOS("linux"))
	s.SetConfirmed(func(path string) bool { return path == "/dev/ttyACM0" })

	candidates := s.ScanWithProbe(context.Background())
	require.Len(t, candidates, 1)
	assert.Equal(t, ScoreACMPort+ScoreCommunication, candidates[0].Confidence)
	assert.Empty(t, opener.Opened())
}

func TestHardwareTable(t *testing.T) {
	table := NewHardwareTable()

	tests := []struct {
		vid, pid string
		want     bool
	}{
		{"2341", "0042", true},
		{"0x2A03", "0x0042", true},
		{"10C4", "EA60", true},
		{"0403", "6001", true},
		{"2341", "9999", false},
		{"", "", false},
		{"zzzz", "0042", false},
	}
	for _, tt := range tests {
		t.Run(tt.vid+":"+tt.pid, func(t *testing.T) {
			_, ok := table.MatchIDs(tt.vid, tt.pid)
			assert.Equal(t, tt.want, ok)
		})
	}

	assert.True(t, table.MatchDescription("Silicon Labs CP2102 USB to UART"))
	assert.False(t, table.MatchDescription("Bluetooth modem"))
	assert.Equal(t, 10, table.ProductCount())
}

func TestHardwareTable_Describe(t *testing.T) {
	table := NewHardwareTable()

	assert.Equal(t, "Arduino Mega 2560 R3", table.Describe("2341", "0042"))
	assert.Equal(t, "PL2303 Serial Port (Prolific Technology, Inc.)", table.Describe("067b", "2303"))
	assert.Empty(t, table.Describe("dead", "beef"))
	assert.Empty(t, table.Describe("", "2303"))
}

func TestScanner_NamesUnlistedUSBDevice(t *testing.T) {
	lister := staticLister(&enumerator.PortDetails{Name: "/dev/ttyUSB3", IsUSB: true, VID: "067B", PID: "2303"})
	s := NewScanner(scannerConfig(), nil, zap.NewNop(), WithLister(lister), WithGOOS("linux"))

	candidates := s.Scan(context.Background())
	require.Len(t, candidates, 1)
	assert.Equal(t, "PL2303 Serial Port (Prolific Technology, Inc.)", candidates[0].Description)
	assert.Equal(t, ScoreUSBPort, candidates[0].Confidence)
	assert.False(t, candidates[0].HasSignal(model.SignalHardwareID))
}
