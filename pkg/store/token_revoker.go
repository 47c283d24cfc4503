package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevoker remembers ended sessions until their tokens would have expired
// anyway. A single sign-out revokes one token ID; removing an account revokes
// every token its user was issued up to that moment.
type TokenRevoker interface {
	RevokeSession(tokenID string, until time.Time) error
	RevokeUser(userID string, issuedBefore, until time.Time) error
	// Revoked reports whether a token with this ID, subject and issue time
	// may no longer be used.
	Revoked(tokenID, userID string, issuedAt time.Time) (bool, error)
}

// userCutoff rejects tokens issued at or before `before` while it lasts.
type userCutoff struct {
	before time.Time
	until  time.Time
}

// MemoryTokenRevoker is the single-process TokenRevoker.
type MemoryTokenRevoker struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]time.Time
	users    map[string]userCutoff
}

// NewMemoryTokenRevoker builds an empty in-process revoker.
func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		now:      time.Now,
		sessions: make(map[string]time.Time),
		users:    make(map[string]userCutoff),
	}
}

// RevokeSession rejects tokenID until the given time.
func (r *MemoryTokenRevoker) RevokeSession(tokenID string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if until.After(r.now()) {
		r.sessions[tokenID] = until
	}
	return nil
}

// RevokeUser rejects userID's tokens issued up to issuedBefore.
func (r *MemoryTokenRevoker) RevokeUser(userID string, issuedBefore, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if until.After(r.now()) {
		r.users[userID] = userCutoff{before: issuedBefore, until: until}
	}
	return nil
}

// Revoked checks both the session and the user cutoff, dropping expired marks.
func (r *MemoryTokenRevoker) Revoked(tokenID, userID string, issuedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if until, ok := r.sessions[tokenID]; ok {
		if now.Before(until) {
			return true, nil
		}
		delete(r.sessions, tokenID)
	}
	if c, ok := r.users[userID]; ok {
		if !now.Before(c.until) {
			delete(r.users, userID)
			return false, nil
		}
		return !issuedAt.After(c.before), nil
	}
	return false, nil
}

const (
	revokedSessionPrefix = "chat:session:revoked:"
	revokedUserPrefix    = "chat:session:user:"
	revokerTimeout       = 3 * time.Second
)

// RedisTokenRevoker keeps revocations in Redis with a TTL, so a sign-out is
// seen by every client process that verifies tokens against the instance.
type RedisTokenRevoker struct {
	client *redis.Client
}

// NewRedisTokenRevoker builds a revoker with its own connection pool.
func NewRedisTokenRevoker(addr, password string) *RedisTokenRevoker {
	return NewRedisTokenRevokerFromClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}))
}

// NewRedisTokenRevokerFromClient shares an existing pool, usually the
// document store's.
func NewRedisTokenRevokerFromClient(client *redis.Client) *RedisTokenRevoker {
	return &RedisTokenRevoker{client: client}
}

// RevokeSession rejects tokenID until the given time.
func (r *RedisTokenRevoker) RevokeSession(tokenID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), revokerTimeout)
	defer cancel()
	if err := r.client.Set(ctx, revokedSessionPrefix+tokenID, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeUser stores the cutoff as unix milliseconds.
func (r *RedisTokenRevoker) RevokeUser(userID string, issuedBefore, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), revokerTimeout)
	defer cancel()
	cutoff := strconv.FormatInt(issuedBefore.UnixMilli(), 10)
	if err := r.client.Set(ctx, revokedUserPrefix+userID, cutoff, ttl).Err(); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

// Revoked reads both marks in one round trip.
func (r *RedisTokenRevoker) Revoked(tokenID, userID string, issuedAt time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), revokerTimeout)
	defer cancel()
	vals, err := r.client.MGet(ctx, revokedSessionPrefix+tokenID, revokedUserPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	if vals[0] != nil {
		return true, nil
	}
	raw, ok := vals[1].(string)
	if !ok {
		return false, nil
	}
	cutoff, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse user cutoff: %w", err)
	}
	return issuedAt.UnixMilli() <= cutoff, nil
}
