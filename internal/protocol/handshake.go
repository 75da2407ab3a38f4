// internal/protocol/handshake.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// HandshakeConfig controls the identification exchange run on a freshly opened port
type HandshakeConfig struct {
	ProbeLine    string
	Markers      []string
	BootDelay    time.Duration
	Timeout      time.Duration
	PollInterval time.Duration
}

// Handshake confirms that a session talks to the feeder controller. Opening
// the port resets most Arduino boards, so it waits BootDelay before writing
// ProbeLine and then accepts the first line containing one of Markers.
// It returns the matching line.
func Handshake(ctx context.Context, session Session, cfg HandshakeConfig, clk clock.Clock) (string, error) {
	if clk == nil {
		clk = clock.New()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}

	deadline := clk.Timer(cfg.BootDelay + cfg.Timeout)
	defer deadline.Stop()

	if cfg.BootDelay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("%w: no answer from %s", ErrHandshakeFailed, session.Path())
		case <-clk.After(cfg.BootDelay):
		}
	}

	if cfg.ProbeLine != "" {
		if err := session.WriteLine(cfg.ProbeLine); err != nil {
			return "", fmt.Errorf("%w: write probe: %v", ErrHandshakeFailed, err)
		}
	}

	for {
		line, err := session.ReadLine()
		switch {
		case err == nil:
			if matchesMarker(line, cfg.Markers) {
				return line, nil
			}
			select {
			case <-deadline.C:
				return "", fmt.Errorf("%w: no marker from %s", ErrHandshakeFailed, session.Path())
			default:
			}
			continue
		case errors.Is(err, ErrWouldBlock):
		default:
			return "", fmt.Errorf("%w: read: %v", ErrHandshakeFailed, err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", fmt.Errorf("%w: no answer from %s", ErrHandshakeFailed, session.Path())
		case <-clk.After(poll):
		}
	}
}

func matchesMarker(line string, markers []string) bool {
	if len(markers) == 0 {
		return strings.TrimSpace(line) != ""
	}
	for _, m := range markers {
		if m != "" && strings.Contains(line, m) {
			return true
		}
	}
	return false
}
