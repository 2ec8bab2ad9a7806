package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 2333 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if !cfg.IsDev() {
		t.Error("default env should be development")
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.Signaling.MaxParticipants != 9 {
		t.Errorf("MaxParticipants = %d", cfg.Signaling.MaxParticipants)
	}
	if cfg.Signaling.PresenceTTL != 30*time.Second {
		t.Errorf("PresenceTTL = %v", cfg.Signaling.PresenceTTL)
	}
	if cfg.Signaling.ReconnectGrace != 45*time.Second {
		t.Errorf("ReconnectGrace = %v", cfg.Signaling.ReconnectGrace)
	}
	if cfg.Signaling.RateLimits[ClassChat].Limit != 30 {
		t.Errorf("chat limit = %d", cfg.Signaling.RateLimits[ClassChat].Limit)
	}
	if cfg.Signaling.RateLimits[ClassSignal].Limit != 200 {
		t.Errorf("signal limit = %d", cfg.Signaling.RateLimits[ClassSignal].Limit)
	}
	if cfg.WorkQueue.Workers != 4 || cfg.WorkQueue.Capacity != 1024 {
		t.Errorf("workqueue = %+v", cfg.WorkQueue)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
port: 8080
env: production
jwt_secret: s3cret
allowed_origins:
  - https://app.example.com
signaling:
  max_participants: 4
  replay_capacity: 32
  presence_ttl_seconds: 10
  reconnect_grace_seconds: 20
  heartbeat_seconds: 15
  rate_limits:
    chat:
      limit: 5
      window_seconds: 60
workqueue:
  workers: 2
  capacity: 128
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 || cfg.IsDev() {
		t.Errorf("port/env = %d/%s", cfg.Port, cfg.Env)
	}
	if cfg.JWTSecret != "s3cret" {
		t.Errorf("JWTSecret = %q", cfg.JWTSecret)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}

	sc := cfg.Signaling
	if sc.MaxParticipants != 4 || sc.ReplayCapacity != 32 {
		t.Errorf("signaling = %+v", sc)
	}
	if sc.PresenceTTL != 10*time.Second || sc.ReconnectGrace != 20*time.Second {
		t.Errorf("ttl/grace = %v/%v", sc.PresenceTTL, sc.ReconnectGrace)
	}
	if sc.Heartbeat != 15*time.Second {
		t.Errorf("Heartbeat = %v", sc.Heartbeat)
	}

	chat := sc.RateLimits[ClassChat]
	if chat.Limit != 5 || chat.Window != time.Minute {
		t.Errorf("chat rule = %+v", chat)
	}
	// Unspecified classes keep their defaults.
	if sc.RateLimits[ClassSignal].Limit != 200 {
		t.Errorf("signal rule = %+v", sc.RateLimits[ClassSignal])
	}

	if cfg.WorkQueue.Workers != 2 || cfg.WorkQueue.Capacity != 128 {
		t.Errorf("workqueue = %+v", cfg.WorkQueue)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "port: [not a port")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestResolveRedisURL(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			"flat url",
			"redis_url: redis://flat:6379/1",
			"redis://flat:6379/1",
		},
		{
			"structured url wins",
			"redis_url: redis://flat:6379/1\nredis:\n  url: redis://nested:6379/2",
			"redis://nested:6379/2",
		},
		{
			"host and auth assembled",
			"redis:\n  host: cache.internal\n  port: 6380\n  username: app\n  password: pw\n  db: 3",
			"redis://app:pw@cache.internal:6380/3",
		},
		{
			"host with default port",
			"redis:\n  host: cache.internal",
			"redis://cache.internal:6379/0",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tc.yaml))
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.RedisURL != tc.want {
				t.Errorf("RedisURL = %q, want %q", cfg.RedisURL, tc.want)
			}
		})
	}
}
