// internal/model/candidate.go
package model

// Signal names the evidence that contributed to a candidate's confidence
type Signal string

const (
	SignalHardwareID        Signal = "hardware_id"
	SignalDescription       Signal = "description"
	SignalACMPort           Signal = "acm_port"
	SignalUSBPort           Signal = "usb_port"
	SignalConfiguredPattern Signal = "configured_pattern"
	SignalCommunication     Signal = "communication_test"
)

// Candidate is a serial port that may host the feeder controller.
// Candidates are rebuilt on every scan and never persisted.
type Candidate struct {
	Path         string   `json:"path"`
	VendorID     string   `json:"vendor_id,omitempty"`
	ProductID    string   `json:"product_id,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
	Description  string   `json:"description,omitempty"`
	Confidence   int      `json:"confidence"`
	Signals      []Signal `json:"signals,omitempty"`
}

// HasSignal reports whether the candidate was credited with the given signal
func (c Candidate) HasSignal(s Signal) bool {
	for _, existing := range c.Signals {
		if existing == s {
			return true
		}
	}
	return false
}
