package signal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/homeglance/liveview/pkg/pubsub"
)

func receiveMessage(t *testing.T, msgs <-chan *Message) *Message {
	t.Helper()
	select {
	case msg := <-msgs:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no signal message received")
		return nil
	}
}

func TestBusDeliversSessionMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := NewBus(pubsub.NewMemoryPubSub())
	msgs, err := bus.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}

	offer := json.RawMessage(`{"sdp":"v=0"}`)
	if err := bus.PublishOffer(ctx, "s1", offer); err != nil {
		t.Fatal(err)
	}

	msg := receiveMessage(t, msgs)
	if msg.Kind != KindOffer || msg.SessionID != "s1" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if string(msg.Payload) != string(offer) {
		t.Fatalf("payload altered in transit: %s", msg.Payload)
	}

	if err := bus.PublishStop(ctx, "s1", StopReasonFailure); err != nil {
		t.Fatal(err)
	}
	stop := receiveMessage(t, msgs)
	if stop.Kind != KindStop || stop.StopReason() != StopReasonFailure {
		t.Fatalf("unexpected stop message: %+v", stop)
	}
}

func TestBusDropsForeignAndMalformedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ps := pubsub.NewMemoryPubSub()
	bus := NewBus(ps)
	msgs, err := bus.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}

	// A message tagged for another session, crossed onto this channel.
	foreign, err := pubsub.NewEvent(string(KindStop), "s2", &Message{Kind: KindStop, SessionID: "s2"})
	if err != nil {
		t.Fatal(err)
	}
	if err := ps.Publish(ctx, SessionTopic("s1"), foreign); err != nil {
		t.Fatal(err)
	}

	// A payload that is not a Message at all.
	garbage := &pubsub.Event{Type: "noise", Key: "s1", Payload: json.RawMessage(`"???"`)}
	if err := ps.Publish(ctx, SessionTopic("s1"), garbage); err != nil {
		t.Fatal(err)
	}

	// A valid message follows; it must be the first thing delivered.
	if err := bus.PublishAnswer(ctx, "s1", json.RawMessage(`{"sdp":"v=0"}`)); err != nil {
		t.Fatal(err)
	}
	msg := receiveMessage(t, msgs)
	if msg.Kind != KindAnswer || msg.SessionID != "s1" {
		t.Fatalf("unexpected message survived filtering: %+v", msg)
	}
}

func TestPublishRejectsInvalidMessage(t *testing.T) {
	bus := NewBus(pubsub.NewMemoryPubSub())
	err := bus.PublishOffer(context.Background(), "s1", nil)
	if err == nil {
		t.Fatal("publishing an offer without payload must fail")
	}
}
