package store

import (
	"errors"
	"time"
)

var (
	// ErrEmailExists indicates a credential with the same email already exists.
	ErrEmailExists = errors.New("email already exists")
	// ErrInvalidToken indicates a session token that failed verification.
	ErrInvalidToken = errors.New("invalid session token")
)

// CredentialRecord is an authentication credential owned by the auth service.
type CredentialRecord struct {
	UID          string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// CredentialStore persists credentials.
type CredentialStore interface {
	CreateCredential(CredentialRecord) error
	GetCredentialByEmail(email string) (CredentialRecord, bool, error)
	GetCredentialByID(uid string) (CredentialRecord, bool, error)
	DeleteCredential(uid string) error
}

// SessionStore issues and resolves session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(token string) (string, bool, error)
	DeleteSession(token string) error
	RevokeUserSessions(userID string) error
}
