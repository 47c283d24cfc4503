package chat

import (
	"errors"
	"fmt"

	"realtimechat/pkg/auth"
)

var (
	// ErrInvalidCredentials is returned when email and password do not match.
	ErrInvalidCredentials = auth.ErrInvalidCredentials

	ErrMissingFields   = errors.New("all fields are required")
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrInvalidUsername = errors.New("invalid username")
	ErrTooManyAttempts = errors.New("too many sign-in attempts")
	ErrProfileMissing  = errors.New("profile not found")
	ErrUsernameTaken   = errors.New("username already taken")

	ErrNotSignedIn      = errors.New("not signed in")
	ErrNoConversation   = errors.New("no conversation selected")
	ErrBlocked          = errors.New("conversation is blocked")
	ErrNotSynced        = errors.New("conversation state not loaded yet")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrUploadDisabled   = errors.New("image upload not configured")
	ErrUnknownUser      = errors.New("user not found")
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")
)

// AuthError is returned by SignIn. The user may retry.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "sign in: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// RegistrationStep names the registration step that failed.
type RegistrationStep int

const (
	StepValidate RegistrationStep = iota
	StepCredential
	StepUsername
	StepAvatar
	StepProfile
	StepMembership
)

func (s RegistrationStep) String() string {
	switch s {
	case StepValidate:
		return "validate"
	case StepCredential:
		return "create credential"
	case StepUsername:
		return "reserve username"
	case StepAvatar:
		return "upload avatar"
	case StepProfile:
		return "save profile"
	case StepMembership:
		return "init conversations"
	default:
		return fmt.Sprintf("step %d", int(s))
	}
}

// RegistrationError is returned by Register.
type RegistrationError struct {
	Step RegistrationStep
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register: %s: %v", e.Step, e.Err)
}
func (e *RegistrationError) Unwrap() error { return e.Err }

// SendRejected is returned when a send is refused before any remote call.
type SendRejected struct {
	Reason error
}

func (e *SendRejected) Error() string { return "send rejected: " + e.Reason.Error() }
func (e *SendRejected) Unwrap() error { return e.Reason }

// UploadError wraps a failed attachment upload.
type UploadError struct {
	Err error
}

func (e *UploadError) Error() string { return "upload: " + e.Err.Error() }
func (e *UploadError) Unwrap() error { return e.Err }

// SyncError describes a subscription delivery that could not be applied.
// It is logged; the last good state is kept.
type SyncError struct {
	Path string
	Err  error
}

func (e *SyncError) Error() string { return fmt.Sprintf("sync %s: %v", e.Path, e.Err) }
func (e *SyncError) Unwrap() error { return e.Err }
