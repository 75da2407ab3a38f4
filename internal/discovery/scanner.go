// internal/discovery/scanner.go
package discovery

import (
	"context"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"github.com/benbjohnson/clock"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"feeder-gateway/internal/config"
	"feeder-gateway/internal/model"
	"feeder-gateway/internal/protocol"
)

// Signal weights
const (
	ScoreHardware      = 70
	ScoreACMPort       = 50
	ScoreUSBPort       = 30
	ScoreConfigured    = 30
	ScoreCommunication = 80
)

var windowsCOMPort = regexp.MustCompile(`^COM[0-9]+$`)

// PortLister enumerates serial ports with their USB details
type PortLister func() ([]*enumerator.PortDetails, error)

// Scanner ranks serial ports by how likely they are to host the feeder controller
type Scanner struct {
	lister    PortLister
	goos      string
	hardware  *HardwareTable
	patterns  []string
	opener    protocol.Opener
	handshake protocol.HandshakeConfig
	clock     clock.Clock
	confirmed func(path string) bool
	logger    *zap.Logger
}

// ScannerOption customizes a Scanner
type ScannerOption func(*Scanner)

// WithLister replaces the OS port enumerator
func WithLister(lister PortLister) ScannerOption {
	return func(s *Scanner) { s.lister = lister }
}

// WithGOOS scores paths using another platform's naming conventions
func WithGOOS(goos string) ScannerOption {
	return func(s *Scanner) { s.goos = goos }
}

// WithClock sets the clock used by probe handshakes
func WithClock(clk clock.Clock) ScannerOption {
	return func(s *Scanner) { s.clock = clk }
}

// NewScanner creates a new port scanner. opener may be nil when probing is never requested.
func NewScanner(cfg *config.ScannerConfig, opener protocol.Opener, logger *zap.Logger, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		lister:   enumerator.GetDetailedPortsList,
		goos:     runtime.GOOS,
		hardware: NewHardwareTable(),
		patterns: cfg.ExtraPatterns,
		opener:   opener,
		handshake: protocol.HandshakeConfig{
			ProbeLine:    cfg.ProbeLine,
			Markers:      cfg.Markers,
			BootDelay:    cfg.BootDelay,
			Timeout:      cfg.HandshakeTimeout,
			PollInterval: cfg.PollInterval,
		},
		clock:  clock.New(),
		logger: logger.With(zap.String("component", "scanner")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handshake returns the identification exchange settings
func (s *Scanner) Handshake() protocol.HandshakeConfig {
	return s.handshake
}

// SetConfirmed installs a check for paths already verified by a live session.
// Probing skips those paths and credits them directly, since the port is held open.
func (s *Scanner) SetConfirmed(confirmed func(path string) bool) {
	s.confirmed = confirmed
}

// Scan ranks every visible serial port without touching the ports
func (s *Scanner) Scan(ctx context.Context) []model.Candidate {
	return s.scan(ctx, false)
}

// ScanWithProbe ranks ports and adds a live handshake for each plausible candidate
func (s *Scanner) ScanWithProbe(ctx context.Context) []model.Candidate {
	return s.scan(ctx, true)
}

func (s *Scanner) scan(ctx context.Context, probe bool) []model.Candidate {
	ports, err := s.lister()
	if err != nil {
		s.logger.Warn("Failed to enumerate serial ports", zap.Error(err))
		return []model.Candidate{}
	}

	candidates := make([]model.Candidate, 0, len(ports))
	for _, details := range ports {
		if details == nil || details.Name == "" {
			continue
		}
		candidates = append(candidates, s.score(details))
	}

	if probe {
		for i := range candidates {
			if ctx.Err() != nil {
				break
			}
			if candidates[i].Confidence > 0 {
				s.probe(ctx, &candidates[i])
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].Path < candidates[j].Path
	})

	s.logger.Debug("Port scan completed",
		zap.Int("ports", len(candidates)),
		zap.Bool("probe", probe),
	)
	return candidates
}

// score sums the static signals for one port
func (s *Scanner) score(details *enumerator.PortDetails) model.Candidate {
	c := model.Candidate{
		Path:         details.Name,
		SerialNumber: details.SerialNumber,
		Description:  details.Product,
	}
	if details.IsUSB {
		c.VendorID = strings.ToLower(details.VID)
		c.ProductID = strings.ToLower(details.PID)
	}

	// Hardware identity counts once, whichever way it matched
	if name, ok := s.hardware.MatchIDs(c.VendorID, c.ProductID); ok && details.IsUSB {
		c.Confidence += ScoreHardware
		c.Signals = append(c.Signals, model.SignalHardwareID)
		if c.Description == "" {
			c.Description = name
		}
	} else if s.hardware.MatchDescription(c.Description) {
		c.Confidence += ScoreHardware
		c.Signals = append(c.Signals, model.SignalDescription)
	}
	if c.Description == "" && details.IsUSB {
		c.Description = s.hardware.Describe(c.VendorID, c.ProductID)
	}

	switch s.pathSignal(details) {
	case model.SignalACMPort:
		c.Confidence += ScoreACMPort
		c.Signals = append(c.Signals, model.SignalACMPort)
	case model.SignalUSBPort:
		c.Confidence += ScoreUSBPort
		c.Signals = append(c.Signals, model.SignalUSBPort)
	default:
		if s.matchesConfigured(details.Name) {
			c.Confidence += ScoreConfigured
			c.Signals = append(c.Signals, model.SignalConfiguredPattern)
		}
	}

	return c
}

// pathSignal classifies the port name by the platform's microcontroller naming convention
func (s *Scanner) pathSignal(details *enumerator.PortDetails) model.Signal {
	base := filepath.Base(details.Name)

	switch s.goos {
	case "linux":
		switch {
		case strings.HasPrefix(base, "ttyACM"):
			return model.SignalACMPort
		case strings.HasPrefix(base, "ttyUSB"):
			return model.SignalUSBPort
		}
	case "darwin":
		switch {
		case strings.HasPrefix(base, "cu.usbmodem"):
			return model.SignalACMPort
		case strings.HasPrefix(base, "cu.usbserial"), strings.HasPrefix(base, "cu.wchusbserial"):
			return model.SignalUSBPort
		}
	case "windows":
		if details.IsUSB && windowsCOMPort.MatchString(details.Name) {
			return model.SignalUSBPort
		}
	}
	return ""
}

func (s *Scanner) matchesConfigured(path string) bool {
	for _, pattern := range s.patterns {
		if ok, err := filepath.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

// probe opens the port briefly and credits a successful handshake
func (s *Scanner) probe(ctx context.Context, c *model.Candidate) {
	if s.confirmed != nil && s.confirmed(c.Path) {
		c.Confidence += ScoreCommunication
		c.Signals = append(c.Signals, model.SignalCommunication)
		return
	}
	if s.opener == nil {
		return
	}

	session, err := s.opener.Open(ctx, *c)
	if err != nil {
		s.logger.Debug("Probe open failed", zap.String("port", c.Path), zap.Error(err))
		return
	}
	defer func() {
		if err := session.Close(); err != nil {
			s.logger.Debug("Probe close failed", zap.String("port", c.Path), zap.Error(err))
		}
	}()

	line, err := protocol.Handshake(ctx, session, s.handshake, s.clock)
	if err != nil {
		s.logger.Debug("Probe handshake failed", zap.String("port", c.Path), zap.Error(err))
		return
	}

	c.Confidence += ScoreCommunication
	c.Signals = append(c.Signals, model.SignalCommunication)
	s.logger.Info("Probe confirmed feeder controller",
		zap.String("port", c.Path),
		zap.String("response", line),
	)
}
