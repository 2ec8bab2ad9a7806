package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/voxspace/core/internal/config"
	"github.com/voxspace/core/internal/modules/ratelimit"
	"github.com/voxspace/core/internal/modules/replay"
	"github.com/voxspace/core/internal/modules/room"
	pkgredis "github.com/voxspace/core/internal/pkg/redis"
	"github.com/voxspace/core/internal/pkg/workqueue"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/9"
	}
	rc, err := pkgredis.Connect(url)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { rc.Close() })

	cfg := config.SignalingConfig{
		MaxParticipants: 8,
		ReplayCapacity:  16,
		PresenceTTL:     30 * time.Second,
		ReconnectGrace:  45 * time.Second,
	}
	rooms := room.NewService(rc, cfg.PresenceTTL, cfg.MaxParticipants, nil)
	rm := replay.NewManager(cfg.ReplayCapacity, cfg.ReconnectGrace, time.Hour, nil)
	limiter := ratelimit.NewLimiter(rc, nil, nil)
	pool := workqueue.New(1, 8, nil)
	pool.Start(context.Background())

	return NewHub(cfg, rc, rooms, rm, limiter, pool, nil, nil, nil, nil, nil)
}

func testRoomID(t *testing.T) string {
	return fmt.Sprintf("hub-%s-%d", t.Name(), time.Now().UnixNano())
}

func recvMessage(t *testing.T, sub *Subscription) *Message {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription stream closed")
		}
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for bus message")
	}
	return nil
}

func TestPublishReachesSubscribers(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()
	roomID := testRoomID(t)

	subA := h.Subscribe(ctx, roomID)
	defer subA.Close()
	subB := h.Subscribe(ctx, roomID)
	defer subB.Close()

	// Pub/sub delivery starts only after the server registers the
	// subscription; give it a beat.
	time.Sleep(100 * time.Millisecond)

	payload, _ := json.Marshal(map[string]string{"text": "hello"})
	msg := &Message{Type: KindChat, RoomID: roomID, SenderID: "alice", Payload: payload}

	n, err := h.Publish(ctx, msg, "alice")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if n < 2 {
		t.Errorf("subscriber count = %d, want >= 2", n)
	}

	for _, sub := range []*Subscription{subA, subB} {
		got := recvMessage(t, sub)
		if got.Type != KindChat || got.SenderID != "alice" || got.RoomID != roomID {
			t.Errorf("envelope = %+v", got)
		}
		if got.Seq == 0 {
			t.Error("bus envelope missing replay sequence")
		}
		if got.Origin != h.instanceID {
			t.Errorf("envelope origin = %q, want publishing instance %q", got.Origin, h.instanceID)
		}
		if got.Timestamp == "" {
			t.Error("bus envelope missing timestamp")
		}
	}
}

func TestPublishAssignsIncreasingSequence(t *testing.T) {
	h := testHub(t)
	ctx := context.Background()
	roomID := testRoomID(t)

	var last uint64
	for i := 0; i < 3; i++ {
		msg := &Message{Type: KindOffer, RoomID: roomID, SenderID: "alice"}
		if _, err := h.Publish(ctx, msg, "alice"); err != nil {
			t.Fatalf("Publish #%d: %v", i+1, err)
		}
		if msg.Seq != last+1 {
			t.Errorf("seq = %d, want %d", msg.Seq, last+1)
		}
		last = msg.Seq
	}
}

func TestPublishRejectsSenderMismatch(t *testing.T) {
	h := testHub(t)
	msg := &Message{Type: KindChat, RoomID: testRoomID(t), SenderID: "mallory"}

	_, err := h.Publish(context.Background(), msg, "alice")
	var malformed *MalformedMessageError
	if !errors.As(err, &malformed) {
		t.Fatalf("err = %v, want MalformedMessageError", err)
	}
}

func TestPublishAllowsSystemWithoutSender(t *testing.T) {
	h := testHub(t)
	roomID := testRoomID(t)

	msg := NewSystemMessage(KindUserJoined, roomID, PresencePayload{UserID: "alice"})
	if _, err := h.Publish(context.Background(), msg, ""); err != nil {
		t.Fatalf("Publish system message: %v", err)
	}
}

func TestPublishRejectsInvalidEnvelope(t *testing.T) {
	h := testHub(t)

	cases := []*Message{
		{Type: "bogus", RoomID: "r1", SenderID: "a"},
		{Type: KindOffer, SenderID: "a"},
		{Type: KindOffer, RoomID: "r1"},
	}
	for _, msg := range cases {
		if _, err := h.Publish(context.Background(), msg, "a"); err == nil {
			t.Errorf("Publish(%+v) succeeded, want validation error", msg)
		}
	}
}

// Cursors must only advance on sequence numbers this instance assigned: a
// relayed envelope from another instance carries an unrelated counter, and
// honoring it would silently skip undelivered local messages on reconnect.
func TestForeignSequenceDoesNotAdvanceCursor(t *testing.T) {
	rm := replay.NewManager(16, time.Minute, time.Hour, nil)
	h := NewHub(config.SignalingConfig{}, nil, nil, rm, nil, nil, nil, nil, nil, nil, nil)

	rm.HandleReconnect("r1", "alice")
	for i := 0; i < 3; i++ {
		if _, _, err := rm.BufferMessage("r1", func(seq uint64) ([]byte, error) {
			return []byte("x"), nil
		}); err != nil {
			t.Fatalf("BufferMessage: %v", err)
		}
	}

	h.markDelivered("r1", "alice", &Message{Seq: 1, Origin: h.instanceID})
	h.markDelivered("r1", "alice", &Message{Seq: 100, Origin: "peer-instance"})
	rm.TrackDisconnect("r1", "alice")

	res := rm.HandleReconnect("r1", "alice")
	if !res.IsReconnect {
		t.Fatal("expected reconnect")
	}
	if res.GapCount != 0 {
		t.Errorf("GapCount = %d, want 0", res.GapCount)
	}
	if len(res.Missed) != 2 || res.Missed[0].Seq != 2 || res.Missed[1].Seq != 3 {
		t.Fatalf("Missed = %+v, want seqs 2,3", res.Missed)
	}
}

func TestSubscriptionCloseEndsStream(t *testing.T) {
	h := testHub(t)
	sub := h.Subscribe(context.Background(), testRoomID(t))

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Repeat close is safe.
	if err := sub.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	select {
	case _, ok := <-sub.Messages():
		if ok {
			t.Error("unexpected message after Close")
		}
	case <-time.After(2 * time.Second):
		t.Error("stream did not close")
	}
}
