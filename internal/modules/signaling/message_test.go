package signaling

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseValid(t *testing.T) {
	raw := []byte(`{"type":"offer","room_id":"r1","sender_id":"alice","payload":{"sdp":"v=0"}}`)
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Type != KindOffer || msg.RoomID != "r1" || msg.SenderID != "alice" {
		t.Errorf("unexpected envelope: %+v", msg)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{nope`},
		{"unknown type", `{"type":"teleport","room_id":"r1","sender_id":"a"}`},
		{"missing room", `{"type":"offer","sender_id":"a"}`},
		{"missing sender", `{"type":"offer","room_id":"r1"}`},
		{"blank sender", `{"type":"chat","room_id":"r1","sender_id":"  "}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			var malformed *MalformedMessageError
			if !errors.As(err, &malformed) {
				t.Errorf("Parse(%s) err = %v, want MalformedMessageError", tc.raw, err)
			}
		})
	}
}

func TestSystemKindsOmitSender(t *testing.T) {
	msg := &Message{Type: KindUserLeft, RoomID: "r1"}
	if err := msg.Validate(); err != nil {
		t.Errorf("system kind without sender rejected: %v", err)
	}
}

func TestKindSystem(t *testing.T) {
	system := []Kind{KindRoomState, KindUserJoined, KindUserLeft, KindError}
	for _, k := range system {
		if !k.System() {
			t.Errorf("%s should be system-originated", k)
		}
	}
	for _, k := range []Kind{KindOffer, KindChat, KindMediaControl} {
		if k.System() {
			t.Errorf("%s should not be system-originated", k)
		}
	}
}

func TestStampIdempotent(t *testing.T) {
	msg := &Message{Type: KindChat, RoomID: "r1", SenderID: "a"}
	msg.Stamp()
	first := msg.Timestamp
	if first == "" {
		t.Fatal("Stamp left timestamp empty")
	}
	if _, err := time.Parse(time.RFC3339Nano, first); err != nil {
		t.Fatalf("timestamp not RFC3339Nano: %v", err)
	}
	msg.Stamp()
	if msg.Timestamp != first {
		t.Error("Stamp overwrote existing timestamp")
	}
}

func TestTimeFallsBackToNow(t *testing.T) {
	msg := &Message{Timestamp: "garbage"}
	if d := time.Since(msg.Time()); d < 0 || d > time.Minute {
		t.Errorf("fallback time implausible: %v", msg.Time())
	}
}

func TestClass(t *testing.T) {
	chat := &Message{Type: KindChat}
	if chat.Class() != "chat" {
		t.Errorf("chat class = %q", chat.Class())
	}
	for _, k := range []Kind{KindOffer, KindAnswer, KindICECandidate, KindMediaControl} {
		m := &Message{Type: k}
		if m.Class() != "signal" {
			t.Errorf("%s class = %q, want signal", k, m.Class())
		}
	}
}

func TestEncodeOmitsZeroSeq(t *testing.T) {
	msg := &Message{Type: KindOffer, RoomID: "r1", SenderID: "a"}
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(string(data), `"seq"`) {
		t.Errorf("zero seq serialized: %s", data)
	}

	msg.Seq = 7
	data, _ = msg.Encode()
	if !strings.Contains(string(data), `"seq":7`) {
		t.Errorf("seq missing from envelope: %s", data)
	}
}
