// Package ratelimit throttles repeated attempts per key, used to slow down
// password guessing on sign-in.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// FixedWindowLimiter limits attempts per key in a fixed time window. Keys are
// hashed before they reach Redis so email addresses are never stored.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration

	redisClient *redis.Client
	redisPrefix string
}

// NewRedisFixedWindowLimiter creates a Redis-backed distributed limiter.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	return NewRedisFixedWindowLimiterFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), prefix, limit, window)
}

// NewRedisFixedWindowLimiterFromClient reuses an existing client.
func NewRedisFixedWindowLimiterFromClient(client *redis.Client, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "chat:signin"
	}
	return &FixedWindowLimiter{
		limit:       limit,
		window:      window,
		redisClient: client,
		redisPrefix: prefix,
	}, nil
}

// Allow returns true when the key is within quota.
// On Redis failures, it fails closed and returns false.
func (l *FixedWindowLimiter) Allow(key string) bool {
	if l == nil {
		return false
	}
	windowMs := l.window.Milliseconds()
	if windowMs <= 0 {
		return true
	}
	windowSlot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.redisPrefix, hashKey(key), windowSlot)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.redisClient, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return false
	}
	return res <= int64(l.limit)
}

// MemoryFixedWindowLimiter is the single-process variant.
type MemoryFixedWindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	counts map[string]windowCount
}

type windowCount struct {
	slot  int64
	count int
}

// NewMemoryFixedWindowLimiter creates an in-process limiter.
func NewMemoryFixedWindowLimiter(limit int, window time.Duration) (*MemoryFixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	return &MemoryFixedWindowLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		counts: make(map[string]windowCount),
	}, nil
}

// Allow returns true when the key is within quota.
func (l *MemoryFixedWindowLimiter) Allow(key string) bool {
	if l == nil {
		return false
	}
	windowMs := l.window.Milliseconds()
	if windowMs <= 0 {
		return true
	}
	slot := l.now().UTC().UnixMilli() / windowMs
	key = hashKey(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	c := l.counts[key]
	if c.slot != slot {
		c = windowCount{slot: slot}
	}
	c.count++
	l.counts[key] = c
	return c.count <= l.limit
}

func hashKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		key = "unknown"
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:12])
}
