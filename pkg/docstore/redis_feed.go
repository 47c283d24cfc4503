package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

const defaultFeedPrefix = "docstore"

// RedisFeed carries change notifications over Redis Pub/Sub so that writers
// and subscribers in different processes see each other's changes.
type RedisFeed struct {
	client *redis.Client
	prefix string
	owned  bool
}

// RedisFeedConfig configures a RedisFeed.
type RedisFeedConfig struct {
	Addr     string
	Password string
	Prefix   string
	// Client reuses an existing connection pool when set.
	Client *redis.Client
}

// NewRedisFeed builds a Pub/Sub backed feed.
func NewRedisFeed(cfg RedisFeedConfig) (*RedisFeed, error) {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultFeedPrefix
	}
	if cfg.Client != nil {
		return &RedisFeed{client: cfg.Client, prefix: prefix}, nil
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return &RedisFeed{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		prefix: prefix,
		owned:  true,
	}, nil
}

// Publish announces a change to path.
func (f *RedisFeed) Publish(ctx context.Context, path string) error {
	if err := f.client.Publish(ctx, f.channel(path), path).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", path, err)
	}
	return nil
}

// Listen subscribes to path's channel and waits for the server to confirm
// the subscription before returning.
func (f *RedisFeed) Listen(ctx context.Context, path string) (<-chan struct{}, func(), error) {
	ps := f.client.Subscribe(ctx, f.channel(path))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", path, err)
	}
	notes := make(chan struct{}, 1)
	msgs := ps.Channel()
	go func() {
		defer close(notes)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				notify(notes)
			}
		}
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			_ = ps.Close()
		})
	}
	return notes, stop, nil
}

// Close releases the connection pool when the feed created it.
func (f *RedisFeed) Close() error {
	if !f.owned {
		return nil
	}
	return f.client.Close()
}

func (f *RedisFeed) channel(path string) string {
	return fmt.Sprintf("%s:%s", f.prefix, path)
}
