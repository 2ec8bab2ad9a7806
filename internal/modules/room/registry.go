// Package room tracks membership and presence per room through the bus's
// shared primitives, so every router instance sees the same registry.
// Membership is eventually consistent with presence: a member whose presence
// key expired is pruned lazily on read and by the reconciliation sweep.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	pkgredis "github.com/voxspace/core/internal/pkg/redis"
)

const (
	// Key namespaces are disjoint from the pub/sub channel prefix so set
	// keys can never collide with room channels.
	keyMembers  = "vx:room:members:"  // hash: userID -> participant JSON
	keyPresence = "vx:presence:"      // string w/ TTL: roomID:userID
	keySettings = "vx:room:settings:" // string: settings JSON
	keyActive   = "vx:rooms:active"   // set of room IDs with members

	settingsTTL = 24 * time.Hour
	callTimeout = 2 * time.Second
)

// Service is the room registry and presence tracker.
type Service struct {
	rc          *pkgredis.Client
	presenceTTL time.Duration
	defaultMax  int
	logger      *zap.Logger

	// onEmpty fires after a room's membership drops to zero, so the hub
	// can tear down replay buffers. Set once during wiring.
	onEmpty func(roomID string)
}

// NewService creates the registry. presenceTTL is the liveness marker expiry.
func NewService(rc *pkgredis.Client, presenceTTL time.Duration, defaultMax int, logger *zap.Logger) *Service {
	return &Service{
		rc:          rc,
		presenceTTL: presenceTTL,
		defaultMax:  defaultMax,
		logger:      logger,
	}
}

// OnEmpty registers the room teardown hook. Must be called before serving.
func (s *Service) OnEmpty(fn func(roomID string)) { s.onEmpty = fn }

func membersKey(roomID string) string  { return keyMembers + roomID }
func settingsKey(roomID string) string { return keySettings + roomID }
func presenceKey(roomID, userID string) string {
	return fmt.Sprintf("%s%s:%s", keyPresence, roomID, userID)
}

// AddParticipant adds the user to the room's member set and plants the
// initial presence key. Duplicate adds replace the stored join metadata
// without growing the count. Returns the new participant count.
//
// Membership errors are surfaced: unlike presence, the registry is close to
// a functional requirement.
func (s *Service) AddParticipant(ctx context.Context, roomID string, p Participant) (int64, error) {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}

	pipe := s.rc.Raw().TxPipeline()
	pipe.HSet(ctx, membersKey(roomID), p.UserID, data)
	pipe.SAdd(ctx, keyActive, roomID)
	pipe.Set(ctx, presenceKey(roomID, p.UserID), "1", s.presenceTTL)
	count := pipe.HLen(ctx, membersKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("add participant: %w", err)
	}
	return count.Val(), nil
}

// RemoveParticipant removes the user and deletes the presence key. Removing
// an already-absent user is a no-op. Returns the remaining count; a zero
// triggers the onEmpty hook.
func (s *Service) RemoveParticipant(ctx context.Context, roomID, userID string) (int64, error) {
	pipe := s.rc.Raw().TxPipeline()
	pipe.HDel(ctx, membersKey(roomID), userID)
	pipe.Del(ctx, presenceKey(roomID, userID))
	count := pipe.HLen(ctx, membersKey(roomID))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("remove participant: %w", err)
	}

	remaining := count.Val()
	if remaining == 0 {
		s.roomEmptied(ctx, roomID)
	}
	return remaining, nil
}

func (s *Service) roomEmptied(ctx context.Context, roomID string) {
	if err := s.rc.Raw().SRem(ctx, keyActive, roomID).Err(); err != nil && s.logger != nil {
		s.logger.Warn("active room set cleanup failed", zap.String("room", roomID), zap.Error(err))
	}
	if s.onEmpty != nil {
		s.onEmpty(roomID)
	}
}

// ListParticipants reads the current membership. Members whose presence key
// has expired are pruned lazily and excluded from the result.
func (s *Service) ListParticipants(ctx context.Context, roomID string) ([]Participant, error) {
	raw, err := s.rc.Raw().HGetAll(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}

	participants := make([]Participant, 0, len(raw))
	for userID, data := range raw {
		alive, err := s.rc.Exists(ctx, presenceKey(roomID, userID))
		if err == nil && !alive {
			s.pruneStale(ctx, roomID, userID)
			continue
		}
		var p Participant
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			continue
		}
		participants = append(participants, p)
	}

	sort.Slice(participants, func(i, j int) bool {
		return participants[i].JoinedAt.Before(participants[j].JoinedAt)
	})
	return participants, nil
}

// Count returns the raw member count, stale entries included. Used for the
// capacity check where over-counting is the safe direction.
func (s *Service) Count(ctx context.Context, roomID string) (int64, error) {
	n, err := s.rc.Raw().HLen(ctx, membersKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("room count: %w", err)
	}
	return n, nil
}

// IsMember reports whether the user is currently in the room's member set.
func (s *Service) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	ok, err := s.rc.Raw().HExists(ctx, membersKey(roomID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return ok, nil
}

// UpdatePresence refreshes the heartbeat TTL. Best-effort: failures are
// logged and swallowed, presence is advisory.
func (s *Service) UpdatePresence(ctx context.Context, roomID, userID string) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	if err := s.rc.Set(ctx, presenceKey(roomID, userID), "1", s.presenceTTL); err != nil && s.logger != nil {
		s.logger.Warn("presence refresh failed",
			zap.String("room", roomID),
			zap.String("user", userID),
			zap.Error(err))
	}
}

func (s *Service) pruneStale(ctx context.Context, roomID, userID string) {
	remaining, err := s.RemoveParticipant(ctx, roomID, userID)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("stale participant prune failed", zap.String("room", roomID), zap.String("user", userID), zap.Error(err))
		}
		return
	}
	if s.logger != nil {
		s.logger.Info("stale participant pruned",
			zap.String("room", roomID),
			zap.String("user", userID),
			zap.Int64("remaining", remaining))
	}
}

// Reconcile prunes members whose presence key expired across all active
// rooms. Registered as a cron job; TTL expiry plus this sweep is the
// self-healing path for crashed connections.
func (s *Service) Reconcile(ctx context.Context) error {
	roomIDs, err := s.rc.Raw().SMembers(ctx, keyActive).Result()
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	for _, roomID := range roomIDs {
		members, err := s.rc.Raw().HKeys(ctx, membersKey(roomID)).Result()
		if err != nil {
			continue
		}
		if len(members) == 0 {
			s.roomEmptied(ctx, roomID)
			continue
		}
		for _, userID := range members {
			alive, err := s.rc.Exists(ctx, presenceKey(roomID, userID))
			if err == nil && !alive {
				s.pruneStale(ctx, roomID, userID)
			}
		}
	}
	return nil
}

// CreateRoom stores room-level settings before first join.
func (s *Service) CreateRoom(ctx context.Context, roomID string, settings Settings) error {
	if settings.MaxParticipants <= 0 {
		settings.MaxParticipants = s.defaultMax
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	if err := s.rc.Set(ctx, settingsKey(roomID), data, settingsTTL); err != nil {
		return fmt.Errorf("create room: %w", err)
	}
	return nil
}

// GetSettings returns the room's settings, falling back to defaults when the
// room was never explicitly created.
func (s *Service) GetSettings(ctx context.Context, roomID string) (Settings, error) {
	data, err := s.rc.Get(ctx, settingsKey(roomID))
	if err != nil {
		return Settings{}, fmt.Errorf("get settings: %w", err)
	}
	if data == "" {
		return DefaultSettings(s.defaultMax), nil
	}

	var settings Settings
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		return DefaultSettings(s.defaultMax), nil
	}
	if settings.MaxParticipants <= 0 {
		settings.MaxParticipants = s.defaultMax
	}
	return settings, nil
}
