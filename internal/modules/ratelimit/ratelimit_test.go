package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/voxspace/core/internal/config"
	pkgredis "github.com/voxspace/core/internal/pkg/redis"
)

func testClient(t *testing.T) *pkgredis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/9"
	}
	rc, err := pkgredis.Connect(url)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { rc.Close() })
	return rc
}

func testUser(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func TestCheckUnderLimit(t *testing.T) {
	rc := testClient(t)
	l := NewLimiter(rc, map[string]config.RateLimitRule{
		"chat": {Limit: 5, Window: time.Minute},
	}, nil)

	user := testUser(t)
	for i := 0; i < 5; i++ {
		if err := l.Check(context.Background(), "chat", user); err != nil {
			t.Fatalf("Check #%d: %v", i+1, err)
		}
	}
}

func TestCheckExceeded(t *testing.T) {
	rc := testClient(t)
	l := NewLimiter(rc, map[string]config.RateLimitRule{
		"signal": {Limit: 3, Window: time.Minute},
	}, nil)

	user := testUser(t)
	for i := 0; i < 3; i++ {
		if err := l.Check(context.Background(), "signal", user); err != nil {
			t.Fatalf("Check #%d: %v", i+1, err)
		}
	}

	err := l.Check(context.Background(), "signal", user)
	var exceeded *ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("Check #4 err = %v, want ExceededError", err)
	}
	if exceeded.Class != "signal" {
		t.Errorf("Class = %q, want signal", exceeded.Class)
	}
	if exceeded.RetryAfterSeconds() < 1 {
		t.Errorf("RetryAfterSeconds = %d, want >= 1", exceeded.RetryAfterSeconds())
	}
}

func TestCheckWindowReset(t *testing.T) {
	rc := testClient(t)
	window := 500 * time.Millisecond
	l := NewLimiter(rc, map[string]config.RateLimitRule{
		"chat": {Limit: 1, Window: window},
	}, nil)

	// Start just past a window boundary so both checks land in one window.
	time.Sleep(time.Until(time.Now().Truncate(window).Add(window)) + 20*time.Millisecond)

	user := testUser(t)
	if err := l.Check(context.Background(), "chat", user); err != nil {
		t.Fatalf("first Check: %v", err)
	}
	if err := l.Check(context.Background(), "chat", user); err == nil {
		t.Fatal("second Check in window should fail")
	}

	time.Sleep(window)
	if err := l.Check(context.Background(), "chat", user); err != nil {
		t.Errorf("Check after window rolled: %v", err)
	}
}

func TestCheckUnknownClassUnlimited(t *testing.T) {
	rc := testClient(t)
	l := NewLimiter(rc, map[string]config.RateLimitRule{
		"chat": {Limit: 1, Window: time.Minute},
	}, nil)

	user := testUser(t)
	for i := 0; i < 20; i++ {
		if err := l.Check(context.Background(), "bulk", user); err != nil {
			t.Fatalf("unknown class limited at #%d: %v", i+1, err)
		}
	}
}

func TestUsersCountedSeparately(t *testing.T) {
	rc := testClient(t)
	l := NewLimiter(rc, map[string]config.RateLimitRule{
		"chat": {Limit: 1, Window: time.Minute},
	}, nil)

	a, b := testUser(t)+"-a", testUser(t)+"-b"
	if err := l.Check(context.Background(), "chat", a); err != nil {
		t.Fatalf("user a: %v", err)
	}
	if err := l.Check(context.Background(), "chat", b); err != nil {
		t.Errorf("user b throttled by user a's window: %v", err)
	}
}
