package room

import "time"

// Participant is one user's membership record in a room. Deduplicated by
// user ID, not by connection: the same user joining from two router
// instances is still one participant.
type Participant struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	JoinedAt    time.Time `json:"joined_at"`
}

// Settings is the room-level configuration applied before first join.
type Settings struct {
	MaxParticipants  int  `json:"max_participants"`
	AllowChat        bool `json:"allow_chat"`
	AllowScreenShare bool `json:"allow_screen_share"`
	AllowFileShare   bool `json:"allow_file_share"`
}

// DefaultSettings fills the capacity from config and enables every feature.
func DefaultSettings(maxParticipants int) Settings {
	return Settings{
		MaxParticipants:  maxParticipants,
		AllowChat:        true,
		AllowScreenShare: true,
		AllowFileShare:   true,
	}
}
