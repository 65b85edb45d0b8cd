package signal

import (
	"context"
	"encoding/json"

	"github.com/homeglance/liveview/pkg/log"
	"github.com/homeglance/liveview/pkg/pubsub"
)

// Bus publishes and receives signaling messages on per-session
// channels over the shared event bus. There are no retries here;
// losing a message is the caller's problem to recover via the record
// layer.
type Bus struct {
	ps pubsub.PubSub
}

// NewBus creates a signaling bus adapter.
func NewBus(ps pubsub.PubSub) *Bus {
	return &Bus{ps: ps}
}

// Publish sends a message on its session's channel.
func (b *Bus) Publish(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	event, err := pubsub.NewEvent(string(msg.Kind), msg.SessionID, msg)
	if err != nil {
		return err
	}
	return b.ps.Publish(ctx, SessionTopic(msg.SessionID), event)
}

// PublishOffer sends the device's negotiation offer.
func (b *Bus) PublishOffer(ctx context.Context, sessionID string, offer json.RawMessage) error {
	return b.Publish(ctx, &Message{Kind: KindOffer, SessionID: sessionID, Payload: offer})
}

// PublishAnswer sends the viewer's negotiation answer.
func (b *Bus) PublishAnswer(ctx context.Context, sessionID string, answer json.RawMessage) error {
	return b.Publish(ctx, &Message{Kind: KindAnswer, SessionID: sessionID, Payload: answer})
}

// PublishCandidate forwards an ICE candidate blob.
func (b *Bus) PublishCandidate(ctx context.Context, sessionID string, candidate json.RawMessage) error {
	return b.Publish(ctx, &Message{Kind: KindCandidate, SessionID: sessionID, Payload: candidate})
}

// PublishStop announces a stop with the given reason.
func (b *Bus) PublishStop(ctx context.Context, sessionID, reason string) error {
	payload, err := json.Marshal(StopPayload{Reason: reason})
	if err != nil {
		return err
	}
	return b.Publish(ctx, &Message{Kind: KindStop, SessionID: sessionID, Payload: payload})
}

// Subscribe delivers validated messages for one session. Malformed
// messages and messages tagged with a different session id are dropped
// with a debug log, never surfaced.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan *Message, error) {
	events, err := b.ps.Subscribe(ctx, SessionTopic(sessionID))
	if err != nil {
		return nil, err
	}

	out := make(chan *Message, 16)
	go func() {
		defer close(out)
		l := log.Ctx(ctx)
		for event := range events {
			var msg Message
			if err := event.UnmarshalPayload(&msg); err != nil {
				l.Debug().Err(err).Str(log.FieldSessionID, sessionID).Msg("dropping malformed signal message")
				continue
			}
			if err := msg.Validate(); err != nil {
				l.Debug().Err(err).Str(log.FieldSessionID, sessionID).Msg("dropping invalid signal message")
				continue
			}
			if msg.SessionID != sessionID {
				l.Debug().Str(log.FieldSessionID, msg.SessionID).Str(log.FieldSignal, string(msg.Kind)).Msg("dropping signal for foreign session")
				continue
			}
			select {
			case out <- &msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Unsubscribe tears down the session channel subscription.
func (b *Bus) Unsubscribe(ctx context.Context, sessionID string) error {
	return b.ps.Unsubscribe(ctx, SessionTopic(sessionID))
}
