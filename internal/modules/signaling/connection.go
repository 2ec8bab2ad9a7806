package signaling

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/voxspace/core/internal/config"
	"github.com/voxspace/core/internal/modules/ratelimit"
	"github.com/voxspace/core/internal/modules/room"
)

// Connection is one client's bridge between its WebSocket and the room's bus
// channel. Two pumps run per connection: inbound (client → validate →
// rate-limit → buffer → publish) and outbound (subscription → filter self →
// write). Either pump ending cancels the other; both are joined before
// teardown proceeds.
type Connection struct {
	id       string
	identity *Identity
	roomID   string
	settings room.Settings

	ws     *websocket.Conn
	hub    *Hub
	send   chan *Message
	bucket *rate.Limiter
	logger *zap.Logger

	cancel context.CancelFunc
	once   sync.Once
}

// ServeConnection authenticates the upgraded socket and, on success, runs
// the connection until the client leaves. Fatal connect failures produce one
// structured error envelope followed by a close frame with a documented
// close code; the method returns after full teardown.
func (h *Hub) ServeConnection(ctx context.Context, ws *websocket.Conn, token, roomID string) {
	identity, err := h.verifier.VerifyToken(token)
	if err != nil {
		rejectSocket(ws, roomID, CloseAuthFailed, CodeAuthFailed, "authentication failed")
		return
	}

	ok, err := h.authorizer.IsAuthorizedForRoom(ctx, identity, roomID)
	if err != nil {
		rejectSocket(ws, roomID, CloseServerError, CodeBusUnavailable, "authorization check unavailable")
		return
	}
	if !ok {
		rejectSocket(ws, roomID, CloseForbidden, CodeForbidden, "not authorized for this room")
		return
	}

	settings, err := h.rooms.GetSettings(ctx, roomID)
	if err != nil {
		rejectSocket(ws, roomID, CloseServerError, CodeBusUnavailable, "room settings unavailable")
		return
	}

	// A user already in the member set is rejoining, not a new seat.
	member, _ := h.rooms.IsMember(ctx, roomID, identity.UserID)
	if !member {
		count, err := h.rooms.Count(ctx, roomID)
		if err != nil {
			rejectSocket(ws, roomID, CloseServerError, CodeBusUnavailable, "room registry unavailable")
			return
		}
		if count >= int64(settings.MaxParticipants) {
			rejectSocket(ws, roomID, CloseRoomFull, CodeRoomFull, "room is full")
			return
		}
	}

	c := &Connection{
		id:       uuid.New().String(),
		identity: identity,
		roomID:   roomID,
		settings: settings,
		ws:       ws,
		hub:      h,
		send:     make(chan *Message, sendQueueSize),
		bucket:   newInboundBucket(h.cfg),
		logger:   h.logger,
	}
	c.run(ctx)
}

func newInboundBucket(cfg config.SignalingConfig) *rate.Limiter {
	perSecond := 5.0
	if rule := cfg.RateLimits[config.ClassSignal]; rule.Limit > 0 && rule.Window > 0 {
		if v := float64(rule.Limit) / rule.Window.Seconds() * 2; v > perSecond {
			perSecond = v
		}
	}
	return rate.NewLimiter(rate.Limit(perSecond), localBurst)
}

func rejectSocket(ws *websocket.Conn, roomID string, closeCode int, code, text string) {
	msg := NewErrorMessage(roomID, code, text, 0)
	if data, err := msg.Encode(); err == nil {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.TextMessage, data)
	}
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode, text), time.Now().Add(writeWait))
	ws.Close()
}

func (c *Connection) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	c.cancel = cancel
	defer cancel()

	h := c.hub
	h.trackConn(c)
	defer h.untrackConn(c)

	sub := h.Subscribe(ctx, c.roomID)
	defer sub.Close()

	rec := h.replay.HandleReconnect(c.roomID, c.identity.UserID)

	count, err := h.rooms.AddParticipant(ctx, c.roomID, room.Participant{
		UserID:      c.identity.UserID,
		DisplayName: c.identity.DisplayName,
	})
	if err != nil {
		// Membership is a functional requirement: without a registry
		// entry the connection cannot proceed meaningfully. The join
		// already marked the user connected, so roll that back or the
		// room's replay buffer can never be swept.
		h.replay.TrackDisconnect(c.roomID, c.identity.UserID)
		c.logError("join failed", err)
		rejectSocket(c.ws, c.roomID, CloseServerError, CodeBusUnavailable, "room registry unavailable")
		return
	}

	if count == 1 {
		h.pool.Submit(func(ctx context.Context) { h.sink.OpenSession(ctx, c.roomID) })
	}
	h.pool.Submit(func(ctx context.Context) { h.sink.RecordPeak(ctx, c.roomID, int(count)) })

	// Replay output must reach the client before live forwarding resumes,
	// so room-state and the missed window are written before the pumps
	// start. No other writer exists yet.
	if err := c.sendRoomState(ctx, rec.IsReconnect, rec.GapCount); err != nil {
		c.teardown(context.WithoutCancel(ctx))
		return
	}
	for _, entry := range rec.Missed {
		if err := c.writeRaw(entry.Data); err != nil {
			c.teardown(context.WithoutCancel(ctx))
			return
		}
		h.replay.MarkDelivered(c.roomID, c.identity.UserID, entry.Seq)
		if h.metrics != nil {
			h.metrics.ReplayServed.Inc()
		}
	}
	if rec.GapCount > 0 && h.metrics != nil {
		h.metrics.ReplayGaps.Inc()
	}

	c.publishPresenceEvent(ctx, KindUserJoined)

	// Closing the socket is what unblocks a pump stuck in a read or
	// write, so cancellation must reach it promptly.
	go func() {
		<-ctx.Done()
		c.ws.Close()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.readPump(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		c.writePump(ctx, sub)
	}()
	wg.Wait()

	// Teardown uses a fresh context: the connection's is already gone.
	c.teardown(context.WithoutCancel(parent))
}

func (c *Connection) teardown(ctx context.Context) {
	h := c.hub
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	h.replay.TrackDisconnect(c.roomID, c.identity.UserID)

	// When this removal empties the room, the registry's onEmpty hook owns
	// the rest of the teardown (session close, deferred buffer cleanup).
	if _, err := h.rooms.RemoveParticipant(ctx, c.roomID, c.identity.UserID); err != nil {
		// The presence TTL self-heals this: reconciliation prunes the
		// stale entry once the heartbeat key expires.
		c.logError("participant removal failed", err)
	}

	c.publishPresenceEvent(ctx, KindUserLeft)

	c.ws.Close()
	if c.logger != nil {
		c.logger.Info("connection closed",
			zap.String("room", c.roomID),
			zap.String("user", c.identity.UserID))
	}
}

func (c *Connection) sendRoomState(ctx context.Context, isReconnect bool, gap int) error {
	participants, err := c.hub.rooms.ListParticipants(ctx, c.roomID)
	if err != nil {
		participants = nil
	}
	msg := NewSystemMessage(KindRoomState, c.roomID, RoomStatePayload{
		Participants:       participants,
		MissedMessageCount: gap,
		IsReconnect:        isReconnect,
	})
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return c.writeRaw(data)
}

func (c *Connection) publishPresenceEvent(ctx context.Context, kind Kind) {
	msg := NewSystemMessage(kind, c.roomID, PresencePayload{
		UserID:      c.identity.UserID,
		DisplayName: c.identity.DisplayName,
	})
	msg.SenderID = c.identity.UserID
	if _, err := c.hub.Publish(ctx, msg, c.identity.UserID); err != nil {
		c.logError("presence event publish failed", err)
	}
}

// readPump is the inbound path: client → validate → rate-limit → buffer →
// publish. It exits on read error or cancellation.
func (c *Connection) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.refreshPresence()
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logError("read failed", err)
			}
			return
		}
		c.handleInbound(ctx, data)
	}
}

func (c *Connection) handleInbound(ctx context.Context, data []byte) {
	h := c.hub

	msg, err := Parse(data)
	if err != nil {
		c.dropWithReply(CodeMalformed, err.Error(), 0, "malformed")
		return
	}
	if msg.Type.System() {
		c.dropWithReply(CodeMalformed, "reserved message type", 0, "malformed")
		return
	}
	if msg.RoomID != c.roomID {
		c.dropWithReply(CodeMalformed, "room_id does not match connection", 0, "malformed")
		return
	}
	if msg.SenderID != c.identity.UserID {
		c.dropWithReply(CodeMalformed, "sender_id does not match caller", 0, "malformed")
		return
	}
	if feature, ok := c.disabledFeature(msg.Type); ok {
		c.dropWithReply(CodeFeatureDisabled, "feature disabled in this room: "+feature, 0, "feature_disabled")
		return
	}

	if !c.bucket.Allow() {
		c.dropWithReply(CodeRateLimited, "too many messages", 1, "rate_limited")
		if h.metrics != nil {
			h.metrics.RateLimited.Inc()
		}
		return
	}
	if err := h.limiter.Check(ctx, msg.Class(), c.identity.UserID); err != nil {
		var exceeded *ratelimit.ExceededError
		if errors.As(err, &exceeded) {
			c.dropWithReply(CodeRateLimited, "rate limit exceeded", exceeded.RetryAfterSeconds(), "rate_limited")
			if h.metrics != nil {
				h.metrics.RateLimited.Inc()
			}
			return
		}
	}

	if err := c.publishWithRetry(ctx, msg); err != nil {
		c.dropWithReply(CodeBusUnavailable, "message could not be delivered, try again", 1, "bus_unavailable")
		return
	}

	if h.metrics != nil {
		h.metrics.MessagesInbound.WithLabelValues(string(msg.Type)).Inc()
	}
	if msg.Type == KindChat {
		roomID, senderID, kind := msg.RoomID, msg.SenderID, string(msg.Type)
		payload, ts := append([]byte(nil), msg.Payload...), msg.Time()
		h.pool.Submit(func(ctx context.Context) {
			h.sink.SaveMessage(ctx, roomID, senderID, kind, payload, ts)
		})
	}
	c.refreshPresence()
}

// publishWithRetry retries transient bus failures a bounded number of times
// with linear backoff before surfacing the error to the client.
func (c *Connection) publishWithRetry(ctx context.Context, msg *Message) error {
	var lastErr error
	for attempt := 0; attempt <= c.hub.cfg.PublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * publishBackoff):
			}
		}
		_, err := c.hub.Publish(ctx, msg, c.identity.UserID)
		if err == nil {
			return nil
		}
		var busErr *BusUnavailableError
		if !errors.As(err, &busErr) {
			return err
		}
		lastErr = err
	}
	c.logError("publish retries exhausted", lastErr)
	return lastErr
}

func (c *Connection) disabledFeature(kind Kind) (string, bool) {
	switch kind {
	case KindChat:
		if !c.settings.AllowChat {
			return "chat", true
		}
	case KindScreenShare:
		if !c.settings.AllowScreenShare {
			return "screen-share", true
		}
	case KindFileShareOffer, KindFileShareAccept, KindFileShareProgress:
		if !c.settings.AllowFileShare {
			return "file-share", true
		}
	}
	return "", false
}

// dropWithReply discards the offending inbound message and queues a typed
// error envelope. The connection stays open.
func (c *Connection) dropWithReply(code, text string, retryAfter int, reason string) {
	if c.hub.metrics != nil {
		c.hub.metrics.MessagesDropped.WithLabelValues(reason).Inc()
	}
	select {
	case c.send <- NewErrorMessage(c.roomID, code, text, retryAfter):
	default:
		// The client is not draining its stream; the reply is the least
		// of its problems.
	}
}

// writePump is the outbound path: subscription → filter self → write. It
// also owns pings and locally queued error replies, so the socket has a
// single writer.
func (c *Connection) writePump(ctx context.Context, sub *Subscription) {
	ticker := time.NewTicker(c.hub.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-sub.Messages():
			if !ok {
				// Bus subscription ended; the stream does not restart
				// itself, the client reconnects instead.
				return
			}
			if msg.SenderID == c.identity.UserID && !msg.Type.System() {
				// A client never sees its own message echoed back, but
				// the cursor still advances past it.
				c.hub.markDelivered(c.roomID, c.identity.UserID, msg)
				continue
			}
			data, err := msg.Encode()
			if err != nil {
				continue
			}
			if err := c.writeRaw(data); err != nil {
				return
			}
			c.hub.markDelivered(c.roomID, c.identity.UserID, msg)
			if c.hub.metrics != nil {
				c.hub.metrics.MessagesOutbound.Inc()
			}

		case reply := <-c.send:
			data, err := reply.Encode()
			if err != nil {
				continue
			}
			if err := c.writeRaw(data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.refreshPresence()
		}
	}
}

func (c *Connection) writeRaw(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// refreshPresence keeps the heartbeat key alive. Advisory: queued on the
// work pool so the pumps never block on the bus.
func (c *Connection) refreshPresence() {
	h := c.hub
	roomID, userID := c.roomID, c.identity.UserID
	h.pool.Submit(func(ctx context.Context) {
		h.rooms.UpdatePresence(ctx, roomID, userID)
	})
}

// shutdown force-closes the connection, used on server shutdown.
func (c *Connection) shutdown() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.ws.Close()
	})
}

func (c *Connection) logError(msg string, err error) {
	if c.logger == nil || err == nil {
		return
	}
	if strings.Contains(err.Error(), "use of closed network connection") {
		return
	}
	c.logger.Warn(msg,
		zap.String("room", c.roomID),
		zap.String("user", c.identity.UserID),
		zap.Error(err))
}
