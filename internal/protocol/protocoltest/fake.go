// internal/protocol/protocoltest/fake.go

// Package protocoltest provides in-memory sessions for exercising link consumers without hardware.
package protocoltest

import (
	"context"
	"fmt"
	"sync"

	"feeder-gateway/internal/model"
	"feeder-gateway/internal/protocol"
)

// FakeSession is an in-memory protocol.Session
type FakeSession struct {
	path string

	mu      sync.Mutex
	inbound []string
	writes  []string
	closed  bool
	lost    error
	onWrite func(line string)
}

// NewFakeSession creates a fake session for a port path
func NewFakeSession(path string) *FakeSession {
	return &FakeSession{path: path}
}

// Path returns the port path
func (f *FakeSession) Path() string { return f.path }

// Feed queues lines for ReadLine
func (f *FakeSession) Feed(lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inbound = append(f.inbound, lines...)
}

// OnWrite installs a hook called after every successful write, outside the lock
func (f *FakeSession) OnWrite(hook func(line string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onWrite = hook
}

// Unplug makes every later read and write fail with protocol.ErrLinkLost
func (f *FakeSession) Unplug() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = fmt.Errorf("%w: device unplugged", protocol.ErrLinkLost)
}

// Writes returns a copy of every line written so far
func (f *FakeSession) Writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

// Closed reports whether Close was called
func (f *FakeSession) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ReadLine pops the next queued line
func (f *FakeSession) ReadLine() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case f.closed:
		return "", protocol.ErrNotOpen
	case f.lost != nil:
		return "", f.lost
	case len(f.inbound) == 0:
		return "", protocol.ErrWouldBlock
	}

	line := f.inbound[0]
	f.inbound = f.inbound[1:]
	return line, nil
}

// WriteLine records a written line
func (f *FakeSession) WriteLine(line string) error {
	f.mu.Lock()
	switch {
	case f.closed:
		f.mu.Unlock()
		return protocol.ErrNotOpen
	case f.lost != nil:
		err := f.lost
		f.mu.Unlock()
		return err
	}
	f.writes = append(f.writes, line)
	hook := f.onWrite
	f.mu.Unlock()

	if hook != nil {
		hook(line)
	}
	return nil
}

// Close marks the session closed
func (f *FakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// FakeOpener opens sessions through a caller-supplied function
type FakeOpener struct {
	open func(candidate model.Candidate) (*FakeSession, error)

	mu     sync.Mutex
	opened []string
}

// NewFakeOpener creates an opener backed by open
func NewFakeOpener(open func(candidate model.Candidate) (*FakeSession, error)) *FakeOpener {
	return &FakeOpener{open: open}
}

// Open implements protocol.Opener
func (o *FakeOpener) Open(ctx context.Context, candidate model.Candidate) (protocol.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.opened = append(o.opened, candidate.Path)
	o.mu.Unlock()

	session, err := o.open(candidate)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Opened returns the paths opened so far, in order
func (o *FakeOpener) Opened() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

// Responder answers probe lines the way the feeder firmware does
func Responder(session *FakeSession) func(line string) {
	return func(line string) {
		switch line {
		case "STATUS":
			session.Feed("[DATA] TEMP1:25.3,HUM1:65,WEIGHT:1.25,TIME:12")
		}
	}
}
