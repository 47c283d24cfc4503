package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "doc"

// RedisBackend stores each document as a JSON string under "{prefix}:{path}".
// Mutations run under WATCH/MULTI and are retried when a watched key changes.
type RedisBackend struct {
	client      *redis.Client
	prefix      string
	maxAttempts int
	owned       bool
}

// RedisBackendConfig configures a RedisBackend.
type RedisBackendConfig struct {
	Addr        string
	Password    string
	Prefix      string
	MaxAttempts int
	// Client reuses an existing connection pool when set; Close then leaves
	// it open.
	Client *redis.Client
}

// NewRedisBackend builds a Redis-backed document backend.
func NewRedisBackend(cfg RedisBackendConfig) (*RedisBackend, error) {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if cfg.Client != nil {
		return &RedisBackend{client: cfg.Client, prefix: prefix, maxAttempts: maxAttempts}, nil
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return &RedisBackend{
		client:      redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		prefix:      prefix,
		maxAttempts: maxAttempts,
		owned:       true,
	}, nil
}

// Client exposes the connection pool so a RedisFeed can share it.
func (b *RedisBackend) Client() *redis.Client {
	return b.client
}

// Read loads and decodes the document at path.
func (b *RedisBackend) Read(ctx context.Context, path string) (Document, bool, error) {
	raw, err := b.client.Get(ctx, b.key(path)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Apply runs fn inside an optimistic WATCH transaction over paths.
func (b *RedisBackend) Apply(ctx context.Context, paths []string, fn func(map[string]Document) (Changes, error)) (Changes, error) {
	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = b.key(p)
	}
	for attempt := 0; attempt < b.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var committed Changes
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			cur := make(map[string]Document, len(paths))
			for i, key := range keys {
				raw, err := tx.Get(ctx, key).Bytes()
				if err == redis.Nil {
					continue
				}
				if err != nil {
					return err
				}
				doc, err := decodeDocument(raw)
				if err != nil {
					return err
				}
				cur[paths[i]] = doc
			}
			changes, err := fn(cur)
			if err != nil {
				return err
			}
			if len(changes) == 0 {
				return nil
			}
			encoded := make(map[string][]byte, len(changes))
			for p, doc := range changes {
				if doc == nil {
					continue
				}
				raw, err := encodeDocument(doc)
				if err != nil {
					return err
				}
				encoded[p] = raw
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for p, doc := range changes {
					if doc == nil {
						pipe.Del(ctx, b.key(p))
						continue
					}
					pipe.Set(ctx, b.key(p), encoded[p], 0)
				}
				return nil
			})
			if err == nil {
				committed = changes
			}
			return err
		}, keys...)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return committed, nil
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrTxConflict, b.maxAttempts)
}

// Close releases the connection pool when the backend created it.
func (b *RedisBackend) Close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

func (b *RedisBackend) key(path string) string {
	return fmt.Sprintf("%s:%s", b.prefix, path)
}
