package docstore

import (
	"context"
	"fmt"
)

// Subscription delivers a fresh snapshot of one document on every change,
// starting with its current state. Snapshots arrive on an unbuffered channel
// so nothing is left queued once Close returns.
type Subscription struct {
	path   string
	ch     chan Snapshot
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe opens a live subscription on path. Cancelling ctx closes it.
func (s *Store) Subscribe(ctx context.Context, path string) (*Subscription, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	notes, stop, err := s.feed.Listen(subCtx, path)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	sub := &Subscription{
		path:   path,
		ch:     make(chan Snapshot),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		defer close(sub.ch)
		defer stop()
		// Listening started before the first read, so no change is missed.
		if !sub.deliver(subCtx, s.read(subCtx, path)) {
			return
		}
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-notes:
				if !ok {
					return
				}
				if !sub.deliver(subCtx, s.read(subCtx, path)) {
					return
				}
			}
		}
	}()
	return sub, nil
}

func (s *Store) read(ctx context.Context, path string) Snapshot {
	doc, ok, err := s.backend.Read(ctx, path)
	if err != nil {
		return Snapshot{Path: path, Err: fmt.Errorf("read %s: %w", path, err)}
	}
	return Snapshot{Path: path, Exists: ok, Data: doc}
}

func (sub *Subscription) deliver(ctx context.Context, snap Snapshot) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case sub.ch <- snap:
		return true
	}
}

// Path returns the subscribed document path.
func (sub *Subscription) Path() string {
	return sub.path
}

// Snapshots returns the delivery channel. It is closed after Close.
func (sub *Subscription) Snapshots() <-chan Snapshot {
	return sub.ch
}

// Close cancels the subscription and waits for its delivery loop to exit.
// Closing a nil or already closed subscription is a no-op.
func (sub *Subscription) Close() {
	if sub == nil {
		return
	}
	sub.cancel()
	<-sub.done
}

// Done is closed once the subscription has fully stopped.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}
