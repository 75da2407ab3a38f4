// internal/service/errors.go
package service

import "errors"

var (
	// ErrDeviceAbsent means no candidate passed the handshake; it is an expected condition
	ErrDeviceAbsent = errors.New("device absent")
	// ErrNotConnected rejects commands while the supervisor has no live link
	ErrNotConnected = errors.New("device not connected")
	// ErrAlreadyInProgress rejects a request that duplicates one still running
	ErrAlreadyInProgress = errors.New("command already in progress")
	// ErrCommandTimeout means the device did not acknowledge in time
	ErrCommandTimeout = errors.New("command timed out")
	// ErrCommandFailed means the device answered with an error acknowledgement
	ErrCommandFailed = errors.New("command failed")
	// ErrQueueFull means the command queue is at capacity
	ErrQueueFull = errors.New("command queue full")
	// ErrWatchdogExpired means a connected link went quiet for too long
	ErrWatchdogExpired = errors.New("telemetry watchdog expired")
)
