package signaling

import (
	"context"
	"time"
)

const (
	// Room channels live under a prefix disjoint from every key namespace
	// used by the registry, presence and rate-limit keys.
	channelPrefix = "vx:signal:room:"

	// WebSocket pump tuning.
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024

	// sendQueueSize bounds the per-connection outbound queue. A client
	// that cannot drain this is considered gone.
	sendQueueSize = 256

	// publishBackoff is the base delay between bus publish retries on the
	// inbound pump.
	publishBackoff = 100 * time.Millisecond

	// localBurst is the per-connection token bucket burst allowed before
	// the shared Redis window is even consulted.
	localBurst = 20
)

// Error codes carried in error-kind envelopes.
const (
	CodeAuthFailed      = "AUTH_FAILED"
	CodeForbidden       = "FORBIDDEN"
	CodeRoomFull        = "ROOM_FULL"
	CodeRateLimited     = "RATE_LIMITED"
	CodeMalformed       = "MALFORMED_MESSAGE"
	CodeFeatureDisabled = "FEATURE_DISABLED"
	CodeBusUnavailable  = "BUS_UNAVAILABLE"
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID      string
	DisplayName string
	Permissions []string
}

// TokenVerifier is the authentication collaborator.
type TokenVerifier interface {
	VerifyToken(token string) (*Identity, error)
}

// RoomAuthorizer is the membership/authorization collaborator.
type RoomAuthorizer interface {
	IsAuthorizedForRoom(ctx context.Context, identity *Identity, roomID string) (bool, error)
}

// Sink is the persistence collaborator. Every method is fire-and-forget:
// implementations log their own failures.
type Sink interface {
	SaveMessage(ctx context.Context, roomID, senderID, kind string, payload []byte, ts time.Time)
	OpenSession(ctx context.Context, roomID string)
	RecordPeak(ctx context.Context, roomID string, count int)
	CloseSession(ctx context.Context, roomID string)
}

// NopSink discards everything; used when no durable store is configured.
type NopSink struct{}

func (NopSink) SaveMessage(context.Context, string, string, string, []byte, time.Time) {}
func (NopSink) OpenSession(context.Context, string)                                    {}
func (NopSink) RecordPeak(context.Context, string, int)                                {}
func (NopSink) CloseSession(context.Context, string)                                   {}
