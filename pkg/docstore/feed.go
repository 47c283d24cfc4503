package docstore

import (
	"context"
	"sync"
)

// Feed carries "document changed" notifications from writers to subscribers.
type Feed interface {
	Publish(ctx context.Context, path string) error
	// Listen registers interest in path. Notifications coalesce: a listener
	// that is slow to drain sees at least one notification after the last
	// change. stop is idempotent.
	Listen(ctx context.Context, path string) (notes <-chan struct{}, stop func(), err error)
	Close() error
}

// MemoryFeed fans out notifications inside one process.
type MemoryFeed struct {
	mu        sync.Mutex
	listeners map[string]map[chan struct{}]struct{}
}

// NewMemoryFeed builds an empty in-process feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{listeners: make(map[string]map[chan struct{}]struct{})}
}

// Publish notifies every listener of path without blocking.
func (f *MemoryFeed) Publish(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.listeners[path] {
		notify(ch)
	}
	return nil
}

// Listen registers a listener on path.
func (f *MemoryFeed) Listen(_ context.Context, path string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	if f.listeners[path] == nil {
		f.listeners[path] = make(map[chan struct{}]struct{})
	}
	f.listeners[path][ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if ls, ok := f.listeners[path]; ok {
				delete(ls, ch)
				if len(ls) == 0 {
					delete(f.listeners, path)
				}
			}
		})
	}
	return ch, stop, nil
}

// ListenerCount returns the number of active listeners on path.
func (f *MemoryFeed) ListenerCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[path])
}

// Close drops all listeners.
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	f.listeners = make(map[string]map[chan struct{}]struct{})
	f.mu.Unlock()
	return nil
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
