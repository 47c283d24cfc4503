// Package docstore is a small document store with per-document subscriptions,
// field-level updates, set-like array operations and optimistic transactions.
// Backends persist documents; feeds push change notifications to subscribers.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates the document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrInvalidPath indicates a malformed document path.
	ErrInvalidPath = errors.New("invalid document path")
	// ErrNotArray indicates an array operation on a field holding something else.
	ErrNotArray = errors.New("field is not an array")
	// ErrTxConflict is returned when a transaction keeps losing to concurrent writers.
	ErrTxConflict = errors.New("transaction conflict")
	// ErrUndeclaredPath is returned when a transaction touches a path it did not declare.
	ErrUndeclaredPath = errors.New("path not declared in transaction")
)

// Collections used by the chat core.
const (
	CollectionUsers     = "users"
	CollectionUsernames = "usernames"
	CollectionChats     = "chats"
	CollectionUserChats = "userchats"
)

// Service is the contract the chat core consumes.
type Service interface {
	Get(ctx context.Context, path string) (Snapshot, error)
	Subscribe(ctx context.Context, path string) (*Subscription, error)
	SetMerge(ctx context.Context, path string, fields Fields) error
	UpdateFields(ctx context.Context, path string, fields Fields) error
	ArrayAddUnique(ctx context.Context, path, field string, value any) (bool, error)
	ArrayRemoveValue(ctx context.Context, path, field string, value any) (bool, error)
	Delete(ctx context.Context, path string) error
	RunTransaction(ctx context.Context, paths []string, fn func(*Tx) error) error
}

// Fields is a set of top-level field values to write.
type Fields map[string]any

// Snapshot is a point-in-time view of one document.
type Snapshot struct {
	Path   string
	Exists bool
	Data   Document
	// Err is set on subscription deliveries whose read failed.
	Err error
}

// DataTo decodes the snapshot into v.
func (s Snapshot) DataTo(v any) error {
	if !s.Exists {
		return fmt.Errorf("%s: %w", s.Path, ErrNotFound)
	}
	raw, err := json.Marshal(s.Data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.Path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return nil
}

// UserPath returns users/{id}.
func UserPath(id string) string { return join(CollectionUsers, id) }

// UsernamePath returns usernames/{name}.
func UsernamePath(name string) string { return join(CollectionUsernames, name) }

// ChatPath returns chats/{id}.
func ChatPath(id string) string { return join(CollectionChats, id) }

// UserChatsPath returns userchats/{id}.
func UserChatsPath(id string) string { return join(CollectionUserChats, id) }

func join(collection, id string) string {
	return collection + "/" + id
}

// ValidatePath checks that path is "collection/id" with non-empty segments.
func ValidatePath(path string) error {
	parts := strings.Split(path, "/")
	if len(parts) != 2 {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}
