package signal

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	offer := json.RawMessage(`{"sdp":"v=0"}`)

	tests := []struct {
		name    string
		msg     Message
		wantErr error
	}{
		{"valid offer", Message{Kind: KindOffer, SessionID: "s1", Payload: offer}, nil},
		{"valid answer", Message{Kind: KindAnswer, SessionID: "s1", Payload: offer}, nil},
		{"valid candidate", Message{Kind: KindCandidate, SessionID: "s1", Payload: offer}, nil},
		{"stop without payload", Message{Kind: KindStop, SessionID: "s1"}, nil},
		{"offer without payload", Message{Kind: KindOffer, SessionID: "s1"}, ErrEmptyPayload},
		{"missing session", Message{Kind: KindStop}, ErrMissingSession},
		{"unknown kind", Message{Kind: "ping", SessionID: "s1"}, ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStopReasonDefaultsToManual(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"no payload", "", StopReasonManual},
		{"malformed payload", `{`, StopReasonManual},
		{"empty reason", `{"reason":""}`, StopReasonManual},
		{"failure", `{"reason":"failure"}`, StopReasonFailure},
		{"page leave", `{"reason":"page_leave"}`, StopReasonPageLeave},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Message{Kind: KindStop, SessionID: "s1"}
			if tt.payload != "" {
				msg.Payload = json.RawMessage(tt.payload)
			}
			if got := msg.StopReason(); got != tt.want {
				t.Fatalf("StopReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSessionTopic(t *testing.T) {
	if got := SessionTopic("abc-123"); got != "signal:session:abc-123" {
		t.Fatalf("SessionTopic() = %q", got)
	}
}
