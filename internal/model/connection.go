// internal/model/connection.go
package model

import "time"

// LinkState represents the connection supervisor state
type LinkState string

const (
	LinkStateDisconnected LinkState = "DISCONNECTED"
	LinkStateProbing      LinkState = "PROBING"
	LinkStateConnected    LinkState = "CONNECTED"
)

// ConnectionState is a point-in-time copy of the supervisor state
type ConnectionState struct {
	State     LinkState  `json:"state"`
	Candidate *Candidate `json:"candidate,omitempty"`
	Since     time.Time  `json:"since"`
	LastError string     `json:"last_error,omitempty"`
	Attempts  int        `json:"attempts"`
}

// Connected reports whether the state is CONNECTED
func (s ConnectionState) Connected() bool {
	return s.State == LinkStateConnected
}

// GatewayStatus is the operational summary exposed to dashboards and health checks
type GatewayStatus struct {
	Connection      ConnectionState `json:"connection"`
	LastTelemetryAt *time.Time      `json:"last_telemetry_at,omitempty"`
	QueueDepth      int             `json:"queue_depth"`
	InFlight        string          `json:"in_flight,omitempty"`
	Subscribers     int             `json:"subscribers"`
	StartedAt       time.Time       `json:"started_at"`
}
