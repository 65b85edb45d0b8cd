package domain

import "time"

// Command names the device understands.
const (
	CommandStartLiveView = "START_LIVE_VIEW"
	CommandStopLiveView  = "STOP_LIVE_VIEW"
)

// CommandStatus represents the resolution state of a queued command.
type CommandStatus string

const (
	CommandStatusPending   CommandStatus = "pending"
	CommandStatusCompleted CommandStatus = "completed"
	CommandStatusFailed    CommandStatus = "failed"
)

// Command is a durable imperative instruction queued for a device.
// Rows are never deleted; they double as an audit trail. A command is
// resolved exactly once, even when the change feed and the polling
// fallback both observe the same row.
type Command struct {
	ID           string        `json:"id"`
	DeviceID     string        `json:"device_id"`
	Name         string        `json:"command"`
	SessionID    string        `json:"session_id,omitempty"`
	Handled      bool          `json:"handled"`
	Status       CommandStatus `json:"status"`
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	HandledAt    *time.Time    `json:"handled_at,omitempty"`
}
