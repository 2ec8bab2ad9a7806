package config

import "time"

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"

	defaultPort     = 2333
	defaultEnv      = "development"
	defaultRedisURL = "redis://localhost:6379/0"
	defaultMongoURL = "mongodb://localhost:27017"
	defaultMongoDB  = "voxspace"

	defaultMaxParticipants   = 9
	defaultReplayCapacity    = 64
	defaultPresenceTTL       = 30 * time.Second
	defaultReconnectGrace    = 45 * time.Second
	defaultReplayIdleTimeout = 10 * time.Minute
	defaultHeartbeat         = 25 * time.Second
	defaultPublishRetries    = 3

	defaultChatLimit    = 30
	defaultSignalLimit  = 200
	defaultLimitWindow  = 10 * time.Second
	defaultPoolWorkers  = 4
	defaultPoolCapacity = 1024
)

// Action classes the rate limiter distinguishes.
const (
	ClassChat   = "chat"
	ClassSignal = "signal"
)
