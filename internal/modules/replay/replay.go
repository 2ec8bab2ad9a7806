// Package replay gives reconnecting clients continuity without requiring the
// bus to provide durable ordered delivery. Buffers are process-local: the
// publishing instance buffers on the publish path, so replay fidelity covers
// clients that reconnect to the same instance; a cross-instance reconnect
// reports a gap instead.
package replay

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one buffered message with its per-room sequence number. Data is
// the encoded wire envelope, kept opaque so the buffer has no opinion on
// message shape.
type Entry struct {
	Seq  uint64
	Data []byte
}

// Result is what HandleReconnect reports back to the router.
type Result struct {
	// IsReconnect is true when the user left the room within the grace
	// window before this join.
	IsReconnect bool

	// Missed holds the buffered messages after the user's cursor, in
	// strictly increasing sequence order.
	Missed []Entry

	// GapCount is how many messages aged out of the buffer before they
	// could be replayed. Informational, not an error.
	GapCount int

	// LastSeq is the room's current sequence number.
	LastSeq uint64
}

type roomBuffer struct {
	seq         uint64
	entries     []Entry
	cursors     map[string]uint64
	connected   map[string]struct{}
	disconnects map[string]time.Time
	lastAppend  time.Time
}

// Manager owns the replay buffers and per-user cursors for all rooms on this
// instance. All methods are safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	rooms    map[string]*roomBuffer
	capacity int
	grace    time.Duration
	idle     time.Duration
	logger   *zap.Logger
}

// NewManager creates a Manager. capacity bounds each room's FIFO; grace is
// the reconnect detection window and the empty-room teardown delay; idle is
// the buffer eviction timeout.
func NewManager(capacity int, grace, idle time.Duration, logger *zap.Logger) *Manager {
	if capacity < 1 {
		capacity = 1
	}
	return &Manager{
		rooms:    make(map[string]*roomBuffer),
		capacity: capacity,
		grace:    grace,
		idle:     idle,
		logger:   logger,
	}
}

func (m *Manager) room(roomID string) *roomBuffer {
	rb, ok := m.rooms[roomID]
	if !ok {
		rb = &roomBuffer{
			cursors:     make(map[string]uint64),
			connected:   make(map[string]struct{}),
			disconnects: make(map[string]time.Time),
		}
		m.rooms[roomID] = rb
	}
	return rb
}

// BufferMessage assigns the next sequence number for the room, encodes the
// message through the callback with that number, and appends the result to
// the bounded FIFO. The oldest entry is evicted once capacity is exceeded.
// Assignment and append happen under one lock so sequence order equals
// buffer order.
func (m *Manager) BufferMessage(roomID string, encode func(seq uint64) ([]byte, error)) (uint64, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rb := m.room(roomID)
	seq := rb.seq + 1
	data, err := encode(seq)
	if err != nil {
		return 0, nil, err
	}

	rb.seq = seq
	rb.entries = append(rb.entries, Entry{Seq: seq, Data: data})
	if len(rb.entries) > m.capacity {
		rb.entries = rb.entries[len(rb.entries)-m.capacity:]
	}
	rb.lastAppend = time.Now()
	return seq, data, nil
}

// MarkDelivered advances a user's cursor. The router calls this for every
// message written to the client, live or replayed, and for own messages
// filtered out of the stream.
func (m *Manager) MarkDelivered(roomID, userID string, seq uint64) {
	if seq == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rb, ok := m.rooms[roomID]
	if !ok {
		return
	}
	if seq > rb.cursors[userID] {
		rb.cursors[userID] = seq
	}
}

// TrackDisconnect records when a user's connection ended. A join of the same
// user within the grace window after this counts as a reconnect.
func (m *Manager) TrackDisconnect(roomID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rb, ok := m.rooms[roomID]
	if !ok {
		return
	}
	delete(rb.connected, userID)
	rb.disconnects[userID] = time.Now()
}

// HandleReconnect is the join path: it decides whether this join is a
// reconnect and, if so, returns the messages the user missed, in original
// order. The user is marked connected under the same lock, so the reconnect
// decision cannot race its own state transition. When the cursor has aged out
// of the buffer the result reports a gap instead of failing.
func (m *Manager) HandleReconnect(roomID, userID string) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	rb := m.room(roomID)
	res := Result{LastSeq: rb.seq}

	disconnectedAt, wasHere := rb.disconnects[userID]
	rb.connected[userID] = struct{}{}
	delete(rb.disconnects, userID)

	if !wasHere || time.Since(disconnectedAt) > m.grace {
		// Fresh join: start the cursor at the live head so history is
		// not replayed to someone who never saw it.
		rb.cursors[userID] = rb.seq
		return res
	}

	res.IsReconnect = true
	cursor := rb.cursors[userID]

	if len(rb.entries) > 0 {
		oldest := rb.entries[0].Seq
		if cursor+1 < oldest {
			res.GapCount = int(oldest - cursor - 1)
		}
		for _, e := range rb.entries {
			if e.Seq > cursor {
				res.Missed = append(res.Missed, e)
			}
		}
	} else if cursor < rb.seq {
		res.GapCount = int(rb.seq - cursor)
	}

	return res
}

// CleanupRoom immediately discards the buffer and all cursors for a room.
func (m *Manager) CleanupRoom(roomID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropLocked(roomID, "room empty")
}

// ScheduleCleanup arms a deferred teardown for a room that just emptied.
// The buffer survives the reconnect grace window; if nobody came back by
// then it is discarded.
func (m *Manager) ScheduleCleanup(roomID string) {
	time.AfterFunc(m.grace, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		rb, ok := m.rooms[roomID]
		if !ok || len(rb.connected) > 0 {
			return
		}
		m.dropLocked(roomID, "grace elapsed")
	})
}

func (m *Manager) dropLocked(roomID, cause string) {
	if _, ok := m.rooms[roomID]; !ok {
		return
	}
	delete(m.rooms, roomID)
	if m.logger != nil {
		m.logger.Debug("replay buffer discarded", zap.String("room", roomID), zap.String("cause", cause))
	}
}

// SweepIdle evicts buffers that have not seen a message for the idle
// timeout. Registered as a cron job.
func (m *Manager) SweepIdle(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for roomID, rb := range m.rooms {
		if len(rb.connected) == 0 && !rb.lastAppend.IsZero() && now.Sub(rb.lastAppend) > m.idle {
			delete(m.rooms, roomID)
			if m.logger != nil {
				m.logger.Info("idle replay buffer evicted", zap.String("room", roomID))
			}
		}
	}
	return nil
}

// RoomCount returns the number of rooms with a live buffer, for metrics.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}
