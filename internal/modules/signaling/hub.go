package signaling

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voxspace/core/internal/config"
	"github.com/voxspace/core/internal/modules/ratelimit"
	"github.com/voxspace/core/internal/modules/replay"
	"github.com/voxspace/core/internal/modules/room"
	"github.com/voxspace/core/internal/pkg/metrics"
	pkgredis "github.com/voxspace/core/internal/pkg/redis"
	"github.com/voxspace/core/internal/pkg/workqueue"
)

// Hub is the signaling router: the per-process coordinator that bridges
// client WebSocket streams to the shared bus. The local connection table is
// private to this process; all cross-process state lives on the bus.
type Hub struct {
	// instanceID tags every envelope this instance sequences, so cursor
	// tracking can tell local sequence numbers from foreign ones.
	instanceID string

	cfg        config.SignalingConfig
	rc         *pkgredis.Client
	rooms      *room.Service
	replay     *replay.Manager
	limiter    *ratelimit.Limiter
	pool       *workqueue.Pool
	sink       Sink
	verifier   TokenVerifier
	authorizer RoomAuthorizer
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewHub wires the router with its collaborators. Lifecycle is explicit:
// construct on startup, Close on shutdown.
func NewHub(
	cfg config.SignalingConfig,
	rc *pkgredis.Client,
	rooms *room.Service,
	rm *replay.Manager,
	limiter *ratelimit.Limiter,
	pool *workqueue.Pool,
	sink Sink,
	verifier TokenVerifier,
	authorizer RoomAuthorizer,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Hub {
	if sink == nil {
		sink = NopSink{}
	}
	return &Hub{
		instanceID: uuid.New().String(),
		cfg:        cfg,
		rc:         rc,
		rooms:      rooms,
		replay:     rm,
		limiter:    limiter,
		pool:       pool,
		sink:       sink,
		verifier:   verifier,
		authorizer: authorizer,
		metrics:    m,
		logger:     logger,
	}
}

func channelForRoom(roomID string) string { return channelPrefix + roomID }

// Publish validates the envelope against the caller, stamps the timestamp if
// absent, buffers it for replay and writes it to the room's bus channel. The
// returned count is the number of bus subscribers that received it,
// informational only: the bus is fire-and-forget.
//
// Bus errors are returned as *BusUnavailableError; retrying is the caller's
// job (the inbound pump retries with backoff, HTTP callers surface it).
func (h *Hub) Publish(ctx context.Context, msg *Message, callerID string) (int64, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	if !msg.Type.System() && msg.SenderID != callerID {
		return 0, &MalformedMessageError{Reason: "sender_id does not match caller"}
	}
	msg.Stamp()

	_, data, err := h.replay.BufferMessage(msg.RoomID, func(seq uint64) ([]byte, error) {
		msg.Seq = seq
		msg.Origin = h.instanceID
		return msg.Encode()
	})
	if err != nil {
		return 0, &MalformedMessageError{Reason: "unencodable message"}
	}

	n, err := h.rc.Publish(ctx, channelForRoom(msg.RoomID), data)
	if err != nil {
		if h.metrics != nil {
			h.metrics.BusPublishErr.Inc()
		}
		return 0, &BusUnavailableError{Op: "publish", Err: err}
	}
	return n, nil
}

// Subscription is a cancellable stream of room messages. Close releases the
// bus-side subscription; abandoning the stream without Close leaks it.
type Subscription struct {
	pubsub *redis.PubSub
	msgs   chan *Message
	once   sync.Once
}

// Messages returns the stream channel. It is closed after Close or when the
// underlying subscription ends.
func (s *Subscription) Messages() <-chan *Message { return s.msgs }

// Close unsubscribes from the bus and ends the stream.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() { err = s.pubsub.Close() })
	return err
}

// Subscribe opens a bus subscription for one room and returns its message
// stream. The stream never restarts itself: on a transient bus error it ends
// and the caller decides whether to resubscribe.
func (h *Hub) Subscribe(ctx context.Context, roomID string) *Subscription {
	sub := &Subscription{
		pubsub: h.rc.Subscribe(ctx, channelForRoom(roomID)),
		msgs:   make(chan *Message, sendQueueSize),
	}

	go func() {
		defer close(sub.msgs)
		for raw := range sub.pubsub.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				// Bus traffic is produced by our own instances; a
				// decode failure means channel pollution, drop it.
				if h.logger != nil {
					h.logger.Warn("undecodable bus message", zap.String("room", roomID), zap.Error(err))
				}
				continue
			}
			select {
			case sub.msgs <- &msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub
}

// ListParticipants exposes current membership for the status surface.
func (h *Hub) ListParticipants(ctx context.Context, roomID string) ([]room.Participant, error) {
	return h.rooms.ListParticipants(ctx, roomID)
}

// CreateRoom initializes room-level settings before first join.
func (h *Hub) CreateRoom(ctx context.Context, roomID string, settings room.Settings) error {
	return h.rooms.CreateRoom(ctx, roomID, settings)
}

// markDelivered advances the user's replay cursor, but only for envelopes
// this instance sequenced. A message relayed from another instance carries
// that instance's independent counter; letting it move the local cursor
// would skip past undelivered local messages on the next reconnect.
func (h *Hub) markDelivered(roomID, userID string, msg *Message) {
	if msg.Origin != h.instanceID {
		return
	}
	h.replay.MarkDelivered(roomID, userID, msg.Seq)
}

// LocalConnectionCount reports connections open on this instance.
func (h *Hub) LocalConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) trackConn(c *Connection) {
	h.mu.Lock()
	if h.conns == nil {
		h.conns = make(map[string]*Connection)
	}
	h.conns[c.id] = c
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionsTotal.Inc()
		h.metrics.ConnectionsActive.Inc()
	}
}

func (h *Hub) untrackConn(c *Connection) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionsActive.Dec()
		h.metrics.RoomsActive.Set(float64(h.replay.RoomCount()))
	}
}

// Close terminates all local connections. Called on shutdown after the HTTP
// listener stops accepting.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}
