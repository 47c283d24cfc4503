package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

const defaultMaxAttempts = 5

// Backend persists documents.
type Backend interface {
	// Read returns the document at path and whether it exists.
	Read(ctx context.Context, path string) (Document, bool, error)
	// Apply hands fn the current contents of paths (missing documents are
	// absent from the map) and atomically commits the changes it returns.
	// fn may run more than once when a concurrent writer invalidates the read
	// set; it must not have side effects beyond its return value.
	Apply(ctx context.Context, paths []string, fn func(map[string]Document) (Changes, error)) (Changes, error)
	Close() error
}

// Store combines a Backend with a Feed and implements Service.
type Store struct {
	backend Backend
	feed    Feed
	log     *slog.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithLogger sets the logger used for feed publish failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New builds a Store. A nil feed falls back to an in-process MemoryFeed.
func New(backend Backend, feed Feed, opts ...Option) *Store {
	if feed == nil {
		feed = NewMemoryFeed()
	}
	s := &Store{backend: backend, feed: feed, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// NewMemoryStore returns a Store backed entirely by process memory.
func NewMemoryStore() *Store {
	return New(NewMemoryBackend(), NewMemoryFeed())
}

// Close releases the backend and the feed.
func (s *Store) Close() error {
	ferr := s.feed.Close()
	if err := s.backend.Close(); err != nil {
		return err
	}
	return ferr
}

// Get reads a document once.
func (s *Store) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := ValidatePath(path); err != nil {
		return Snapshot{}, err
	}
	doc, ok, err := s.backend.Read(ctx, path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Snapshot{Path: path, Exists: ok, Data: doc}, nil
}

// SetMerge creates the document or merges fields into it.
func (s *Store) SetMerge(ctx context.Context, path string, fields Fields) error {
	norm, err := normalizeFields(fields)
	if err != nil {
		return err
	}
	return s.mutate(ctx, path, func(doc Document, exists bool) (Document, error) {
		return mergeInto(doc, norm), nil
	})
}

// UpdateFields merges fields into an existing document.
func (s *Store) UpdateFields(ctx context.Context, path string, fields Fields) error {
	norm, err := normalizeFields(fields)
	if err != nil {
		return err
	}
	return s.mutate(ctx, path, func(doc Document, exists bool) (Document, error) {
		if !exists {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return mergeInto(doc, norm), nil
	})
}

// ArrayAddUnique appends value to the array field unless an equal element is
// already present. It reports whether the array changed.
func (s *Store) ArrayAddUnique(ctx context.Context, path, field string, value any) (bool, error) {
	nv, err := normalize(value)
	if err != nil {
		return false, err
	}
	var added bool
	err = s.mutate(ctx, path, func(doc Document, exists bool) (Document, error) {
		added = false
		if !exists {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		arr, err := arrayField(doc, field)
		if err != nil {
			return nil, err
		}
		next, ok := addUnique(arr, nv)
		if !ok {
			return nil, nil
		}
		added = true
		doc[field] = next
		return doc, nil
	})
	return added, err
}

// ArrayRemoveValue removes every element equal to value from the array
// field. It reports whether the array changed.
func (s *Store) ArrayRemoveValue(ctx context.Context, path, field string, value any) (bool, error) {
	nv, err := normalize(value)
	if err != nil {
		return false, err
	}
	var removed bool
	err = s.mutate(ctx, path, func(doc Document, exists bool) (Document, error) {
		removed = false
		if !exists {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		arr, err := arrayField(doc, field)
		if err != nil {
			return nil, err
		}
		next, ok := removeAll(arr, nv)
		if !ok {
			return nil, nil
		}
		removed = true
		doc[field] = next
		return doc, nil
	})
	return removed, err
}

// Delete removes a document. Deleting a missing document is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	changes, err := s.backend.Apply(ctx, []string{path}, func(cur map[string]Document) (Changes, error) {
		if _, ok := cur[path]; !ok {
			return nil, nil
		}
		return Changes{path: nil}, nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	s.publish(ctx, changes)
	return nil
}

// RunTransaction runs fn with a read-then-write view over paths. Writes are
// committed atomically; an error from fn aborts without writing.
func (s *Store) RunTransaction(ctx context.Context, paths []string, fn func(*Tx) error) error {
	for _, p := range paths {
		if err := ValidatePath(p); err != nil {
			return err
		}
	}
	changes, err := s.backend.Apply(ctx, paths, func(cur map[string]Document) (Changes, error) {
		tx := &Tx{paths: paths, current: cur, writes: Changes{}}
		if err := fn(tx); err != nil {
			return nil, err
		}
		return tx.writes, nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, changes)
	return nil
}

// mutate applies fn to a single document. A nil document returned by fn
// with a nil error means "no change".
func (s *Store) mutate(ctx context.Context, path string, fn func(doc Document, exists bool) (Document, error)) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	changes, err := s.backend.Apply(ctx, []string{path}, func(cur map[string]Document) (Changes, error) {
		doc, exists := cur[path]
		next, err := fn(doc, exists)
		if err != nil || next == nil {
			return nil, err
		}
		return Changes{path: next}, nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, changes)
	return nil
}

func (s *Store) publish(ctx context.Context, changes Changes) {
	for path := range changes {
		if err := s.feed.Publish(ctx, path); err != nil {
			s.log.Warn("docstore_publish_failed", "path", path, "err", err)
		}
	}
}

// Tx is the view a transaction function works with.
type Tx struct {
	paths   []string
	current map[string]Document
	writes  Changes
}

// Get returns the document at path as of the transaction's read, including
// writes already made by this transaction.
func (t *Tx) Get(path string) (Snapshot, error) {
	if !slices.Contains(t.paths, path) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUndeclaredPath, path)
	}
	if doc, ok := t.writes[path]; ok {
		return Snapshot{Path: path, Exists: doc != nil, Data: doc}, nil
	}
	doc, ok := t.current[path]
	return Snapshot{Path: path, Exists: ok, Data: doc}, nil
}

// Set replaces the document at path with fields.
func (t *Tx) Set(path string, fields Fields) error {
	if !slices.Contains(t.paths, path) {
		return fmt.Errorf("%w: %s", ErrUndeclaredPath, path)
	}
	doc, err := normalizeFields(fields)
	if err != nil {
		return err
	}
	t.writes[path] = doc
	return nil
}

// Delete removes the document at path.
func (t *Tx) Delete(path string) error {
	if !slices.Contains(t.paths, path) {
		return fmt.Errorf("%w: %s", ErrUndeclaredPath, path)
	}
	t.writes[path] = nil
	return nil
}
