// Package model holds the plain data records shared by the loop, the journal and
// the exporters.
package model

import "time"

// DeviceSnapshot is the state of one device at a point in time.
type DeviceSnapshot struct {
	Name      string            `json:"name"`
	Port      int               `json:"port"`
	Values    map[string]string `json:"values"`
	Unset     []string          `json:"unset,omitempty"`
	Sessions  int               `json:"sessions"`
	Timestamp time.Time         `json:"timestamp"`
}

// CommandRecord is one processed command line as written to the journal.
type CommandRecord struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Remote    string    `json:"remote"`
	Device    string    `json:"device"`
	Port      int       `json:"port"`
	Line      string    `json:"line"`
	Operation string    `json:"operation"`
	Output    string    `json:"output"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// StateChange is emitted after a status variable was successfully set.
type StateChange struct {
	Device    string    `json:"device"`
	Port      int       `json:"port"`
	Variable  string    `json:"variable"`
	Value     string    `json:"value"`
	Source    string    `json:"source"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
