package config

import "time"

// AppConfig holds runtime startup configuration loaded from YAML.
type AppConfig struct {
	Port           int
	Env            string // "development" | "production"
	RedisURL       string
	MongoURL       string
	MongoDatabase  string
	JWTSecret      string
	AllowedOrigins []string

	Signaling SignalingConfig
	WorkQueue WorkQueueConfig
}

// SignalingConfig carries the tunables of the room coordination core.
type SignalingConfig struct {
	// MaxParticipants is the default room capacity when a room has no
	// explicit settings.
	MaxParticipants int

	// ReplayCapacity is the bounded size of each room's replay buffer.
	ReplayCapacity int

	// PresenceTTL is the liveness marker expiry for a (room, user) pair.
	PresenceTTL time.Duration

	// ReconnectGrace is the window after a disconnect during which a join
	// of the same user counts as a reconnect.
	ReconnectGrace time.Duration

	// ReplayIdleTimeout evicts a room's buffer when no message has been
	// appended for this long.
	ReplayIdleTimeout time.Duration

	// Heartbeat is the WebSocket ping cadence; it doubles as the presence
	// refresh interval for quiet clients.
	Heartbeat time.Duration

	// RateLimits maps an action class to its fixed window threshold.
	RateLimits map[string]RateLimitRule

	// PublishRetries bounds bus publish attempts on the inbound pump.
	PublishRetries int
}

// RateLimitRule is a fixed-window threshold for one action class.
type RateLimitRule struct {
	Limit  int
	Window time.Duration
}

// WorkQueueConfig sizes the background persistence worker pool.
type WorkQueueConfig struct {
	Workers  int
	Capacity int
}

// IsDev reports whether the app runs in development mode.
func (c *AppConfig) IsDev() bool {
	return c.Env != "production"
}
