package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"realtimechat/pkg/domain"
	"realtimechat/pkg/store"
)

var (
	// ErrInvalidCredentials is returned when the supplied credentials do not match.
	// The message is shown to end users and must not enable account enumeration.
	ErrInvalidCredentials = errors.New("Incorrect email address or password")

	ErrEmailAndPasswordRequired = errors.New("email and password required")
	ErrEmailAlreadyExists       = store.ErrEmailExists
)

// Config holds the collaborators of the auth service.
type Config struct {
	Credentials store.CredentialStore
	Sessions    store.SessionStore
}

// Service owns credentials and session tokens. It stands in for the hosted
// auth provider the chat client talks to.
type Service struct {
	credentials store.CredentialStore
	sessions    store.SessionStore
}

// NewService validates cfg and builds the service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("credential store required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store required")
	}
	return &Service{credentials: cfg.Credentials, sessions: cfg.Sessions}, nil
}

// SignUp creates a credential and issues a session token for it.
func (s *Service) SignUp(email, password string) (domain.Credential, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return domain.Credential{}, ErrEmailAndPasswordRequired
	}
	if err := ValidatePassword(password); err != nil {
		return domain.Credential{}, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("hash password: %w", err)
	}
	rec := store.CredentialRecord{
		UID:          uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.credentials.CreateCredential(rec); err != nil {
		if errors.Is(err, store.ErrEmailExists) {
			return domain.Credential{}, ErrEmailAlreadyExists
		}
		return domain.Credential{}, fmt.Errorf("create credential: %w", err)
	}
	return s.issue(rec)
}

// SignIn checks the password and issues a session token.
func (s *Service) SignIn(email, password string) (domain.Credential, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return domain.Credential{}, ErrEmailAndPasswordRequired
	}
	rec, ok, err := s.credentials.GetCredentialByEmail(email)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("fetch credential: %w", err)
	}
	if !ok || !CheckPassword(password, rec.PasswordHash) {
		return domain.Credential{}, ErrInvalidCredentials
	}
	return s.issue(rec)
}

// SignOut revokes a session token.
func (s *Service) SignOut(token string) error {
	if err := s.sessions.DeleteSession(token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Verify resolves a session token to its user ID.
func (s *Service) Verify(token string) (string, error) {
	uid, ok, err := s.sessions.GetUserIDByToken(token)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", store.ErrInvalidToken
	}
	return uid, nil
}

// DeleteCredential removes the credential for uid and revokes every session
// it was issued. Deleting an unknown uid is not an error.
func (s *Service) DeleteCredential(uid string) error {
	if err := s.credentials.DeleteCredential(uid); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	if err := s.sessions.RevokeUserSessions(uid); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

func (s *Service) issue(rec store.CredentialRecord) (domain.Credential, error) {
	token, err := s.sessions.NewSession(rec.UID)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("issue session: %w", err)
	}
	return domain.Credential{UID: rec.UID, Email: rec.Email, Token: token}, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
