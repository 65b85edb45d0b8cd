package device

import (
	"context"
	"encoding/json"
)

// CaptureEventKind identifies a local capture signal.
type CaptureEventKind int

const (
	// CaptureOfferReady confirms negotiation began: the local
	// subsystem produced an offer for the session.
	CaptureOfferReady CaptureEventKind = iota
	// CaptureStartFailed reports a capture start error.
	CaptureStartFailed
	// CaptureStopped confirms local teardown finished.
	CaptureStopped
	// CaptureCrashed reports an abnormal loss of the local execution
	// context while a session was starting or active.
	CaptureCrashed
)

// CaptureEvent is a signal from the local capture subsystem.
type CaptureEvent struct {
	Kind      CaptureEventKind
	SessionID string
	Offer     json.RawMessage // set for CaptureOfferReady
	Err       error           // set for CaptureStartFailed and CaptureCrashed
}

// Capture is the local capture/negotiation subsystem the coordinator
// drives. Offers, answers, and candidates are opaque blobs; the
// subsystem owns their meaning. Start and stop requests are
// asynchronous, answered through Events.
type Capture interface {
	RequestStart(ctx context.Context, sessionID string) error
	RequestStop(ctx context.Context, sessionID string) error
	HandleAnswer(ctx context.Context, sessionID string, answer json.RawMessage) error
	AddCandidate(ctx context.Context, sessionID string, candidate json.RawMessage) error

	// Reload recreates the local execution context after a crash.
	Reload(ctx context.Context) error

	Events() <-chan CaptureEvent
}
