// internal/model/command.go
package model

import "time"

// ControlRequest asks the device to perform one action
type ControlRequest struct {
	CorrelationID string             `json:"correlation_id,omitempty"`
	Target        string             `json:"target" binding:"required"`
	Action        string             `json:"action" binding:"required"`
	Params        map[string]float64 `json:"params,omitempty"`
	Source        string             `json:"source,omitempty"`
}

// Param returns a parameter value and whether it was supplied
func (r ControlRequest) Param(name string) (float64, bool) {
	v, ok := r.Params[name]
	return v, ok
}

// OutcomeStatus represents how a control request was resolved
type OutcomeStatus string

const (
	OutcomeSuccess           OutcomeStatus = "SUCCESS"
	OutcomeFailed            OutcomeStatus = "FAILED"
	OutcomeTimedOut          OutcomeStatus = "TIMED_OUT"
	OutcomeAlreadyInProgress OutcomeStatus = "ALREADY_IN_PROGRESS"
	OutcomeNotConnected      OutcomeStatus = "NOT_CONNECTED"
	OutcomeRejected          OutcomeStatus = "REJECTED"
)

// Outcome is the resolution of a control request
type Outcome struct {
	CorrelationID string        `json:"correlation_id"`
	Target        string        `json:"target"`
	Action        string        `json:"action"`
	Line          string        `json:"line,omitempty"`
	Status        OutcomeStatus `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	Source        string        `json:"source,omitempty"`
	SubmittedAt   time.Time     `json:"submitted_at"`
	ResolvedAt    time.Time     `json:"resolved_at"`
}

// Succeeded reports whether the device acknowledged the request
func (o Outcome) Succeeded() bool {
	return o.Status == OutcomeSuccess
}

// Latency returns the time between submission and resolution
func (o Outcome) Latency() time.Duration {
	return o.ResolvedAt.Sub(o.SubmittedAt)
}
