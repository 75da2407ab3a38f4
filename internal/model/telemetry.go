// internal/model/telemetry.go
package model

import (
	"sort"
	"time"
)

// ChannelReading is the latest known state of one sensor channel
type ChannelReading struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Valid     bool      `json:"valid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is an immutable view of every known channel at one instant.
// Channels must not be mutated after construction.
type Snapshot struct {
	Sequence  uint64                    `json:"sequence"`
	Timestamp time.Time                 `json:"timestamp"`
	Channels  map[string]ChannelReading `json:"channels"`
}

// Channel returns the reading for a channel name
func (s Snapshot) Channel(name string) (ChannelReading, bool) {
	r, ok := s.Channels[name]
	return r, ok
}

// Names returns channel names in lexical order
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Channels))
	for name := range s.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
