package domain

import "time"

// SessionStatus represents the lifecycle state of a live-view session.
type SessionStatus string

const (
	SessionStatusPending SessionStatus = "pending"
	SessionStatusActive  SessionStatus = "active"
	SessionStatusEnded   SessionStatus = "ended"
)

// Well-known fail reasons recorded when a session ends abnormally.
const (
	FailReasonHostOffline  = "host_offline"
	FailReasonStartTimeout = "start_timeout"
	FailReasonStartFailed  = "start_failed"
	FailReasonSuperseded   = "superseded"
	FailReasonNegotiation  = "negotiation_failed"
)

// Session represents one attempt to stream from a device to a viewer.
// At most one pending or active session per device is authoritative at
// a time; older ones are ended when a newer session takes over.
type Session struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"device_id"`
	ViewerID   string        `json:"viewer_id"`
	Status     SessionStatus `json:"status"`
	FailReason string        `json:"fail_reason,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	EndedAt    *time.Time    `json:"ended_at,omitempty"`
}

// IsLive reports whether the session still carries meaning for
// signaling (messages for ended sessions are discarded).
func (s *Session) IsLive() bool {
	return s.Status == SessionStatusPending || s.Status == SessionStatusActive
}

// StartLiveViewRequest is the request body for POST /live/:deviceID/start.
type StartLiveViewRequest struct {
	// SessionID, when set, adopts a session created by the caller
	// instead of creating a new row and command.
	SessionID string `json:"session_id"`
}

// LiveViewStatusResponse is the response for GET /live/status.
type LiveViewStatusResponse struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	Error     string `json:"error,omitempty"`
}
