// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of gateway event
type EventType string

const (
	EventLinkUp          EventType = "LINK_UP"
	EventLinkDown        EventType = "LINK_DOWN"
	EventCommandResolved EventType = "COMMAND_RESOLVED"
)

// GatewayEvent is a notable change pushed to live subscribers
type GatewayEvent struct {
	ID        uuid.UUID              `json:"id"`
	Type      EventType              `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  string                 `json:"severity"` // INFO, WARNING
}

// NewGatewayEvent creates an event stamped with a fresh ID
func NewGatewayEvent(eventType EventType, severity string, data map[string]interface{}) GatewayEvent {
	return GatewayEvent{
		ID:        uuid.New(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		Severity:  severity,
	}
}
