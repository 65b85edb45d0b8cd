// Package signal defines the message shapes exchanged over the
// per-session signaling channel and the adapter that publishes and
// receives them. The channel carries hints, not truth: messages may be
// dropped, duplicated, or arrive out of order, and receivers must
// cross-check the session id against their tracked session before
// acting. Reliability lives in the session/command record layer.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind identifies a signaling message type.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
	KindStop      Kind = "stop"
)

// Stop reasons carried in the stop payload.
const (
	StopReasonManual    = "manual"
	StopReasonFailure   = "failure"
	StopReasonPageLeave = "page_leave"
)

var (
	ErrUnknownKind    = errors.New("unknown signal kind")
	ErrMissingSession = errors.New("signal message has no session id")
	ErrEmptyPayload   = errors.New("signal message has no payload")
)

// Message is the envelope carried on a session's signaling channel.
// Offer, answer, and candidate payloads are opaque negotiation blobs;
// this layer never parses them.
type Message struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SentAt    time.Time       `json:"sent_at"`
}

// StopPayload is the payload of a stop message.
type StopPayload struct {
	Reason string `json:"reason"`
}

// SessionTopic returns the signaling channel for a session.
func SessionTopic(sessionID string) string {
	return fmt.Sprintf("signal:session:%s", sessionID)
}

// Validate checks the message shape. Negotiation kinds require a
// payload; stop tolerates an empty one (reason defaults to manual).
func (m *Message) Validate() error {
	switch m.Kind {
	case KindOffer, KindAnswer, KindCandidate:
		if len(m.Payload) == 0 {
			return fmt.Errorf("%w: %s", ErrEmptyPayload, m.Kind)
		}
	case KindStop:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	if m.SessionID == "" {
		return ErrMissingSession
	}
	return nil
}

// StopReason extracts the reason from a stop message, defaulting to
// manual when the payload is absent or malformed.
func (m *Message) StopReason() string {
	var p StopPayload
	if len(m.Payload) == 0 || json.Unmarshal(m.Payload, &p) != nil || p.Reason == "" {
		return StopReasonManual
	}
	return p.Reason
}
