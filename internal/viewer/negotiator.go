package viewer

import (
	"context"
	"encoding/json"
)

// NegotiationEventKind identifies a local negotiation signal.
type NegotiationEventKind int

const (
	// NegotiationCandidate carries a local ICE candidate to forward
	// to the device.
	NegotiationCandidate NegotiationEventKind = iota
	// NegotiationConnected fires on first successful media delivery.
	NegotiationConnected
	// NegotiationFailed reports the attempt cannot produce a stream.
	NegotiationFailed
)

// NegotiationEvent is a signal from the local media stack.
type NegotiationEvent struct {
	Kind      NegotiationEventKind
	Candidate json.RawMessage // set for NegotiationCandidate
	Err       error           // set for NegotiationFailed
}

// Negotiator is the viewer's local media stack for one attempt. The
// controller never inspects the blobs it exchanges; it only moves them
// between the signaling channel and this interface.
type Negotiator interface {
	// HandleOffer consumes the device's offer and returns the answer
	// to send back.
	HandleOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	AddCandidate(ctx context.Context, candidate json.RawMessage) error
	Events() <-chan NegotiationEvent

	// Close releases capture and media resources. It must be safe to
	// call before HandleOffer and more than once.
	Close() error
}

// NegotiatorFactory creates the media stack for a fresh attempt.
type NegotiatorFactory func(ctx context.Context, sessionID string) (Negotiator, error)
