package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type rawAppConfig struct {
	Port           int            `yaml:"port"`
	Env            string         `yaml:"env"`
	RedisURL       string         `yaml:"redis_url"`
	Redis          rawRedisConfig `yaml:"redis"`
	MongoURL       string         `yaml:"mongo_url"`
	MongoDatabase  string         `yaml:"mongo_db"`
	JWTSecret      string         `yaml:"jwt_secret"`
	AllowedOrigins []string       `yaml:"allowed_origins"`

	Signaling rawSignalingConfig `yaml:"signaling"`
	WorkQueue rawWorkQueueConfig `yaml:"workqueue"`
}

type rawRedisConfig struct {
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type rawSignalingConfig struct {
	MaxParticipants   int                     `yaml:"max_participants"`
	ReplayCapacity    int                     `yaml:"replay_capacity"`
	PresenceTTLSec    int                     `yaml:"presence_ttl_seconds"`
	ReconnectGraceSec int                     `yaml:"reconnect_grace_seconds"`
	ReplayIdleMin     int                     `yaml:"replay_idle_minutes"`
	HeartbeatSec      int                     `yaml:"heartbeat_seconds"`
	PublishRetries    int                     `yaml:"publish_retries"`
	RateLimits        map[string]rawRateLimit `yaml:"rate_limits"`
}

type rawRateLimit struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"window_seconds"`
}

type rawWorkQueueConfig struct {
	Workers  int `yaml:"workers"`
	Capacity int `yaml:"capacity"`
}

// Load reads the YAML config file and applies defaults. A missing file is
// not an error: the defaults describe a complete local development setup.
func Load(path string) (*AppConfig, error) {
	raw := rawAppConfig{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	return normalize(&raw), nil
}

func normalize(raw *rawAppConfig) *AppConfig {
	cfg := &AppConfig{
		Port:           raw.Port,
		Env:            raw.Env,
		RedisURL:       resolveRedisURL(raw),
		MongoURL:       raw.MongoURL,
		MongoDatabase:  raw.MongoDatabase,
		JWTSecret:      raw.JWTSecret,
		AllowedOrigins: raw.AllowedOrigins,
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Env == "" {
		cfg.Env = defaultEnv
	}
	if cfg.MongoURL == "" {
		cfg.MongoURL = defaultMongoURL
	}
	if cfg.MongoDatabase == "" {
		cfg.MongoDatabase = defaultMongoDB
	}

	cfg.Signaling = normalizeSignaling(&raw.Signaling)
	cfg.WorkQueue = WorkQueueConfig{
		Workers:  raw.WorkQueue.Workers,
		Capacity: raw.WorkQueue.Capacity,
	}
	if cfg.WorkQueue.Workers <= 0 {
		cfg.WorkQueue.Workers = defaultPoolWorkers
	}
	if cfg.WorkQueue.Capacity <= 0 {
		cfg.WorkQueue.Capacity = defaultPoolCapacity
	}

	return cfg
}

func normalizeSignaling(raw *rawSignalingConfig) SignalingConfig {
	sc := SignalingConfig{
		MaxParticipants:   raw.MaxParticipants,
		ReplayCapacity:    raw.ReplayCapacity,
		PresenceTTL:       secondsOr(raw.PresenceTTLSec, defaultPresenceTTL),
		ReconnectGrace:    secondsOr(raw.ReconnectGraceSec, defaultReconnectGrace),
		ReplayIdleTimeout: minutesOr(raw.ReplayIdleMin, defaultReplayIdleTimeout),
		Heartbeat:         secondsOr(raw.HeartbeatSec, defaultHeartbeat),
		PublishRetries:    raw.PublishRetries,
		RateLimits:        map[string]RateLimitRule{},
	}

	if sc.MaxParticipants <= 0 {
		sc.MaxParticipants = defaultMaxParticipants
	}
	if sc.ReplayCapacity <= 0 {
		sc.ReplayCapacity = defaultReplayCapacity
	}
	if sc.PublishRetries <= 0 {
		sc.PublishRetries = defaultPublishRetries
	}

	for class, rule := range raw.RateLimits {
		sc.RateLimits[class] = RateLimitRule{
			Limit:  rule.Limit,
			Window: secondsOr(rule.WindowSeconds, defaultLimitWindow),
		}
	}
	if _, ok := sc.RateLimits[ClassChat]; !ok {
		sc.RateLimits[ClassChat] = RateLimitRule{Limit: defaultChatLimit, Window: defaultLimitWindow}
	}
	if _, ok := sc.RateLimits[ClassSignal]; !ok {
		sc.RateLimits[ClassSignal] = RateLimitRule{Limit: defaultSignalLimit, Window: defaultLimitWindow}
	}

	return sc
}

func resolveRedisURL(raw *rawAppConfig) string {
	if raw.Redis.URL != "" {
		return raw.Redis.URL
	}
	if raw.RedisURL != "" {
		return raw.RedisURL
	}
	if raw.Redis.Host != "" {
		host := net.JoinHostPort(raw.Redis.Host, strconv.Itoa(portOr(raw.Redis.Port, 6379)))
		auth := ""
		if raw.Redis.Username != "" || raw.Redis.Password != "" {
			auth = raw.Redis.Username + ":" + raw.Redis.Password + "@"
		}
		return fmt.Sprintf("redis://%s%s/%d", auth, host, raw.Redis.DB)
	}
	return defaultRedisURL
}

func portOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func secondsOr(v int, def time.Duration) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Second
	}
	return def
}

func minutesOr(v int, def time.Duration) time.Duration {
	if v > 0 {
		return time.Duration(v) * time.Minute
	}
	return def
}
