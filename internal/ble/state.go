package ble

import "time"

// State is the lifecycle position of a sensor session.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	State State `json:"state"`
	// Reading is the latest parsed moisture value, nil when none is available.
	Reading    *int      `json:"reading"`
	Err        string    `json:"error,omitempty"`
	ErrKind    string    `json:"error_kind,omitempty"` // see Kind
	DeviceID   string    `json:"device_id,omitempty"`
	DeviceName string    `json:"device_name,omitempty"`
	At         time.Time `json:"at"`
}

// Connected reports whether the snapshot was taken on a live link.
func (s Snapshot) Connected() bool { return s.State == StateConnected }

// Scanning reports whether a scan was in progress.
func (s Snapshot) Scanning() bool { return s.State == StateScanning }
