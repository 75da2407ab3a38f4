// internal/protocol/protocol.go
package protocol

import (
	"context"
	"errors"

	"feeder-gateway/internal/model"
)

var (
	// ErrWouldBlock is returned by ReadLine when no complete line is buffered yet
	ErrWouldBlock = errors.New("no complete line available")
	// ErrLinkLost marks a session that was live and is now failing reads or writes
	ErrLinkLost = errors.New("link lost")
	// ErrNotOpen is returned for I/O on a session that was closed
	ErrNotOpen = errors.New("link not open")
	// ErrHandshakeFailed marks a candidate that did not answer like the feeder controller
	ErrHandshakeFailed = errors.New("handshake failed")
)

// Session is one open line-oriented link to the device.
// ReadLine and WriteLine may be called concurrently from one reader and one writer.
type Session interface {
	// Path returns the port the session was opened on
	Path() string

	// ReadLine returns the next complete line without its terminator,
	// or ErrWouldBlock when none is buffered yet. It never blocks for longer
	// than the link's read poll interval.
	ReadLine() (string, error)

	// WriteLine writes a line followed by a newline terminator
	WriteLine(line string) error

	// Close releases the port. Further I/O fails with ErrNotOpen.
	Close() error
}

// Opener opens sessions on scanned candidates
type Opener interface {
	Open(ctx context.Context, candidate model.Candidate) (Session, error)
}

// OpenerFunc adapts a function to the Opener interface
type OpenerFunc func(ctx context.Context, candidate model.Candidate) (Session, error)

// Open calls f(ctx, candidate)
func (f OpenerFunc) Open(ctx context.Context, candidate model.Candidate) (Session, error) {
	return f(ctx, candidate)
}
