package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:signin", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	if !limiter.Allow("alice@example.com") {
		t.Fatalf("first attempt should pass")
	}
	if !limiter.Allow("Alice@Example.com ") {
		t.Fatalf("second attempt should pass")
	}
	if limiter.Allow("alice@example.com") {
		t.Fatalf("third attempt should be blocked")
	}
	if !limiter.Allow("bob@example.com") {
		t.Fatalf("other keys keep their own quota")
	}
	for _, k := range redis.Keys() {
		if len(k) > 0 && containsEmail(k) {
			t.Fatalf("raw email leaked into redis key %q", k)
		}
	}
}

func containsEmail(s string) bool {
	for i := range s {
		if s[i] == '@' {
			return true
		}
	}
	return false
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	redis := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(redis.Addr(), "", "test:signin", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	redis.Close()
	if limiter.Allow("alice@example.com") {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterRequiresRedisAddr(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter("", "", "test:signin", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
}

func TestMemoryFixedWindowLimiterResetsEachWindow(t *testing.T) {
	limiter, err := NewMemoryFixedWindowLimiter(1, time.Minute)
	if err != nil {
		t.Fatalf("new memory limiter: %v", err)
	}
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	if !limiter.Allow("k") {
		t.Fatalf("first attempt should pass")
	}
	if limiter.Allow("k") {
		t.Fatalf("second attempt in the same window should be blocked")
	}
	now = now.Add(time.Minute)
	if !limiter.Allow("k") {
		t.Fatalf("attempt in the next window should pass")
	}
}
