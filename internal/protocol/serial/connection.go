// internal/protocol/serial/connection.go
package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"feeder-gateway/internal/config"
	"feeder-gateway/internal/model"
	"feeder-gateway/internal/protocol"
)

const (
	readChunkSize = 256
	// eofReadLimit consecutive early zero-byte reads mean the device is gone
	eofReadLimit = 3
)

// port is the subset of serial.Port the line session needs
type port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Connection is a line-oriented session over a serial port.
// One goroutine may read while another writes.
type Connection struct {
	path        string
	port        port
	maxLine     int
	readTimeout time.Duration
	logger      *zap.Logger

	readMu     sync.Mutex
	buf        []byte
	chunk      []byte
	earlyEmpty int
	writeMu    sync.Mutex

	closed atomic.Bool
	lost   atomic.Pointer[error]
}

// newConnection wraps an open port. A positive readTimeout enables EOF
// detection: a zero-byte read returning before half the timeout is not a timeout.
func newConnection(path string, p port, maxLine int, readTimeout time.Duration, logger *zap.Logger) *Connection {
	return &Connection{
		path:        path,
		port:        p,
		maxLine:     maxLine,
		readTimeout: readTimeout,
		logger:      logger.With(zap.String("port", path)),
		chunk:       make([]byte, readChunkSize),
	}
}

// Path returns the port path
func (c *Connection) Path() string {
	return c.path
}

// ReadLine returns the next buffered line or performs one bounded read
func (c *Connection) ReadLine() (string, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if line, ok := c.nextLine(); ok {
		return line, nil
	}
	if err := c.state(); err != nil {
		return "", err
	}

	// The port read timeout bounds this call
	start := time.Now()
	n, err := c.port.Read(c.chunk)
	if err != nil {
		return "", c.markLost("read", err)
	}
	if n == 0 {
		if c.earlyEOF(time.Since(start)) {
			return "", c.markLost("read", io.EOF)
		}
		return "", protocol.ErrWouldBlock
	}
	c.earlyEmpty = 0
	c.buf = append(c.buf, c.chunk[:n]...)

	if line, ok := c.nextLine(); ok {
		return line, nil
	}
	if len(c.buf) > c.maxLine {
		c.logger.Debug("Discarding oversized partial line", zap.Int("bytes", len(c.buf)))
		c.buf = c.buf[:0]
	}
	return "", protocol.ErrWouldBlock
}

// nextLine pops one complete, non-empty line from the buffer
func (c *Connection) nextLine() (string, bool) {
	for {
		idx := bytes.IndexByte(c.buf, '\n')
		if idx < 0 {
			return "", false
		}

		raw := bytes.TrimRight(c.buf[:idx], "\r")
		c.buf = c.buf[idx+1:]

		if len(raw) == 0 {
			continue
		}
		if len(raw) > c.maxLine {
			c.logger.Debug("Discarding oversized line", zap.Int("bytes", len(raw)))
			continue
		}
		return string(raw), true
	}
}

// earlyEOF tracks zero-byte reads that returned too fast to be a timeout
func (c *Connection) earlyEOF(elapsed time.Duration) bool {
	if c.readTimeout <= 0 || elapsed >= c.readTimeout/2 {
		c.earlyEmpty = 0
		return false
	}
	c.earlyEmpty++
	return c.earlyEmpty >= eofReadLimit
}

// WriteLine writes one newline-terminated line
func (c *Connection) WriteLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.state(); err != nil {
		return err
	}

	data := []byte(line + "\n")
	n, err := c.port.Write(data)
	if err != nil {
		return c.markLost("write", err)
	}
	if n != len(data) {
		return c.markLost("write", fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data)))
	}

	c.logger.Debug("Line written to serial port", zap.String("line", line))
	return nil
}

// Close closes the port. It does not wait for an in-progress read.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := c.port.Close(); err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", c.path, err)
	}
	c.logger.Info("Serial port closed")
	return nil
}

func (c *Connection) state() error {
	if c.closed.Load() {
		return protocol.ErrNotOpen
	}
	if lost := c.lost.Load(); lost != nil {
		return *lost
	}
	return nil
}

func (c *Connection) markLost(op string, cause error) error {
	if c.closed.Load() {
		return protocol.ErrNotOpen
	}

	err := fmt.Errorf("%w: %s %s: %v", protocol.ErrLinkLost, op, c.path, cause)
	if c.lost.CompareAndSwap(nil, &err) {
		c.logger.Warn("Serial link lost",
			zap.String("op", op),
			zap.Bool("port_closed", isClosedPort(cause)),
			zap.Error(cause),
		)
	}
	return *c.lost.Load()
}

// Opener opens serial sessions with the configured line settings
type Opener struct {
	config *config.SerialConfig
	logger *zap.Logger
}

// NewOpener creates an opener for serial candidates
func NewOpener(cfg *config.SerialConfig, logger *zap.Logger) *Opener {
	return &Opener{config: cfg, logger: logger}
}

// Open opens the candidate's port
func (o *Opener) Open(ctx context.Context, candidate model.Candidate) (protocol.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := serial.Open(candidate.Path, o.mode())
	if err != nil {
		o.logger.Debug("Failed to open serial port",
			zap.String("port", candidate.Path),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to open serial port %s: %w", candidate.Path, err)
	}

	if err := o.prepare(p); err != nil {
		return nil, multierr.Append(err, p.Close())
	}

	o.logger.Info("Serial port opened",
		zap.String("port", candidate.Path),
		zap.Int("baud_rate", o.config.BaudRate),
	)
	return newConnection(candidate.Path, p, o.config.MaxLineLength, o.config.ReadTimeout, o.logger), nil
}

func (o *Opener) prepare(p serial.Port) error {
	if err := p.SetReadTimeout(o.config.ReadTimeout); err != nil {
		return fmt.Errorf("failed to set read timeout: %w", err)
	}
	if err := p.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to reset input buffer: %w", err)
	}
	return nil
}

// mode builds the serial mode from configuration
func (o *Opener) mode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: o.config.BaudRate,
		DataBits: o.config.DataBits,
	}

	switch o.config.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}

	switch o.config.Parity {
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}

	return mode
}

// isClosedPort reports whether err is the library's "port closed" error
func isClosedPort(err error) bool {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return portErr.Code() == serial.PortClosed
	}
	return errors.Is(err, io.EOF)
}
