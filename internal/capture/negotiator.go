package capture

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/homeglance/liveview/internal/viewer"
	"github.com/homeglance/liveview/pkg/log"
)

// ProcessNegotiator runs one media helper process per viewer
// connection attempt. The helper answers the device's offer, streams
// local candidates, and reports connection outcome.
type ProcessNegotiator struct {
	sessionID string
	events    chan viewer.NegotiationEvent
	answers   chan json.RawMessage

	mu     sync.Mutex
	proc   *proc
	closed bool
}

var _ viewer.Negotiator = (*ProcessNegotiator)(nil)

// NewNegotiatorFactory returns a factory that spawns a fresh helper
// process for every attempt.
func NewNegotiatorFactory(cfg Config) viewer.NegotiatorFactory {
	return func(ctx context.Context, sessionID string) (viewer.Negotiator, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return newProcessNegotiator(cfg, sessionID)
	}
}

func newProcessNegotiator(cfg Config, sessionID string) (*ProcessNegotiator, error) {
	n := &ProcessNegotiator{
		sessionID: sessionID,
		events:    make(chan viewer.NegotiationEvent, 16),
		answers:   make(chan json.RawMessage, 1),
	}
	p, err := startProc(cfg, n.handleWire, n.handleExit)
	if err != nil {
		return nil, err
	}
	n.proc = p
	return n, nil
}

func (n *ProcessNegotiator) handleWire(ev wireEvent) {
	switch ev.Event {
	case evAnswerReady:
		select {
		case n.answers <- ev.Payload:
		default:
		}
	case evCandidate:
		n.emit(viewer.NegotiationEvent{Kind: viewer.NegotiationCandidate, Candidate: ev.Payload})
	case evConnected:
		n.emit(viewer.NegotiationEvent{Kind: viewer.NegotiationConnected})
	case evFailed:
		n.emit(viewer.NegotiationEvent{Kind: viewer.NegotiationFailed, Err: helperError(ev.Error)})
	default:
		log.L().Debug().Str("event", ev.Event).Msg("unhandled media helper event")
	}
}

func (n *ProcessNegotiator) handleExit(p *proc, exitErr error) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}
	n.emit(viewer.NegotiationEvent{Kind: viewer.NegotiationFailed, Err: errHelperGone})
}

func (n *ProcessNegotiator) emit(ev viewer.NegotiationEvent) {
	select {
	case n.events <- ev:
	default:
		log.L().Warn().Str(log.FieldSessionID, n.sessionID).Msg("negotiation event dropped, consumer stalled")
	}
}

// HandleOffer forwards the offer and waits for the helper's answer.
func (n *ProcessNegotiator) HandleOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	n.mu.Lock()
	p := n.proc
	closed := n.closed
	n.mu.Unlock()
	if closed || p == nil {
		return nil, errHelperGone
	}

	if err := p.send(wireRequest{Op: opOffer, SessionID: n.sessionID, Payload: offer}); err != nil {
		return nil, err
	}
	select {
	case answer := <-n.answers:
		return answer, nil
	case <-p.done:
		return nil, errHelperGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *ProcessNegotiator) AddCandidate(ctx context.Context, candidate json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.Lock()
	p := n.proc
	closed := n.closed
	n.mu.Unlock()
	if closed || p == nil {
		return errHelperGone
	}
	return p.send(wireRequest{Op: opCandidate, SessionID: n.sessionID, Payload: candidate})
}

func (n *ProcessNegotiator) Events() <-chan viewer.NegotiationEvent {
	return n.events
}

// Close kills the helper. Safe before HandleOffer and more than once.
func (n *ProcessNegotiator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	if n.proc != nil {
		n.proc.kill()
		n.proc = nil
	}
	return nil
}
