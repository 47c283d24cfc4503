package docstore

import (
	"context"
	"sync"
)

// MemoryBackend keeps encoded documents in process memory.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemoryBackend initializes an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string][]byte)}
}

// Read decodes a fresh copy of the document at path.
func (m *MemoryBackend) Read(_ context.Context, path string) (Document, bool, error) {
	m.mu.RLock()
	raw, ok := m.docs[path]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, false, err
	}
	return doc, true, nil
}

// Apply runs fn under the write lock, so it never conflicts.
func (m *MemoryBackend) Apply(ctx context.Context, paths []string, fn func(map[string]Document) (Changes, error)) (Changes, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := make(map[string]Document, len(paths))
	for _, p := range paths {
		raw, ok := m.docs[p]
		if !ok {
			continue
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		cur[p] = doc
	}
	changes, err := fn(cur)
	if err != nil {
		return nil, err
	}
	encoded := make(map[string][]byte, len(changes))
	for p, doc := range changes {
		if doc == nil {
			continue
		}
		raw, err := encodeDocument(doc)
		if err != nil {
			return nil, err
		}
		encoded[p] = raw
	}
	for p, doc := range changes {
		if doc == nil {
			delete(m.docs, p)
			continue
		}
		m.docs[p] = encoded[p]
	}
	return changes, nil
}

// Len returns the number of stored documents.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Close is a no-op.
func (m *MemoryBackend) Close() error {
	return nil
}
