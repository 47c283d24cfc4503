package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"realtimechat/internal/media"
	"realtimechat/pkg/docstore"
	"realtimechat/pkg/domain"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// RegisterInput is what the sign-up form collects.
type RegisterInput struct {
	Username string
	Email    string
	Password string
	Avatar   *media.File
}

// Session owns the signed-in identity and its live profile subscription.
type Session struct {
	b        base
	auth     Authenticator
	uploader ImageUploader
	limiter  Limiter

	mu        sync.Mutex
	uid       string
	token     string
	identity  domain.Identity
	hasIdent  bool
	sub       *docstore.Subscription
	gen       uint64
	resets    []func()
	observers []func(domain.Identity, bool)
}

func newSession(b base, a Authenticator, u ImageUploader, l Limiter) *Session {
	return &Session{b: b, auth: a, uploader: u, limiter: l}
}

// SignIn authenticates and starts following the user's profile. Any
// existing session is signed out first.
func (s *Session) SignIn(ctx context.Context, email, password string) (domain.Identity, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return domain.Identity{}, &AuthError{Err: ErrMissingFields}
	}
	if !emailPattern.MatchString(email) {
		return domain.Identity{}, &AuthError{Err: ErrInvalidEmail}
	}
	if s.limiter != nil && !s.limiter.Allow(email) {
		s.b.log.Warn("sign_in_throttled")
		return domain.Identity{}, &AuthError{Err: ErrTooManyAttempts}
	}
	s.SignOut()

	cred, err := s.auth.SignIn(email, password)
	if err != nil {
		s.b.log.Info("sign_in_failed", "err", err)
		return domain.Identity{}, &AuthError{Err: err}
	}
	identity, err := s.loadProfile(ctx, cred.UID)
	if err != nil {
		s.revoke(cred.Token)
		return domain.Identity{}, &AuthError{Err: err}
	}
	if err := s.start(cred, identity); err != nil {
		s.revoke(cred.Token)
		return domain.Identity{}, &AuthError{Err: err}
	}
	s.b.log.Info("signed_in", "user_id", cred.UID)
	return identity, nil
}

// Register creates the credential, reserves the username, uploads the
// avatar, writes the profile and initializes the conversation list, in that
// order. If a step after the credential fails before the profile exists, the
// credential is deleted again on a best-effort basis.
func (s *Session) Register(ctx context.Context, in RegisterInput) (domain.Identity, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if in.Username == "" || in.Email == "" || in.Password == "" {
		return domain.Identity{}, &RegistrationError{Step: StepValidate, Err: ErrMissingFields}
	}
	if !emailPattern.MatchString(in.Email) {
		return domain.Identity{}, &RegistrationError{Step: StepValidate, Err: ErrInvalidEmail}
	}
	if strings.Contains(in.Username, "/") {
		return domain.Identity{}, &RegistrationError{Step: StepValidate, Err: ErrInvalidUsername}
	}
	s.SignOut()

	cred, err := s.auth.SignUp(in.Email, in.Password)
	if err != nil {
		return domain.Identity{}, &RegistrationError{Step: StepCredential, Err: err}
	}
	log := s.b.log.With("user_id", cred.UID)

	reserved := false
	fail := func(step RegistrationStep, err error) (domain.Identity, error) {
		log.Error("registration_failed", "step", step.String(), "err", err)
		if reserved {
			s.releaseUsername(in.Username, cred.UID)
		}
		s.revoke(cred.Token)
		if derr := s.auth.DeleteCredential(cred.UID); derr != nil {
			log.Error("credential_cleanup_failed", "err", derr)
		}
		return domain.Identity{}, &RegistrationError{Step: step, Err: err}
	}

	if err := s.reserveUsername(ctx, in.Username, cred.UID); err != nil {
		return fail(StepUsername, err)
	}
	reserved = true

	avatarURL := ""
	if in.Avatar != nil {
		if s.uploader == nil {
			return fail(StepAvatar, &UploadError{Err: ErrUploadDisabled})
		}
		uctx, cancel := s.b.opContext(ctx)
		avatarURL, err = s.uploader.UploadImage(uctx, *in.Avatar)
		cancel()
		if err != nil {
			return fail(StepAvatar, &UploadError{Err: err})
		}
	}

	identity := domain.Identity{
		ID:         cred.UID,
		Username:   in.Username,
		Email:      cred.Email,
		AvatarURL:  avatarURL,
		BlockedIDs: []string{},
	}
	pctx, cancel := s.b.opContext(ctx)
	err = s.b.docs.SetMerge(pctx, docstore.UserPath(cred.UID), docstore.Fields{
		"id":       identity.ID,
		"username": identity.Username,
		"email":    identity.Email,
		"avatar":   identity.AvatarURL,
		"blocked":  identity.BlockedIDs,
	})
	cancel()
	if err != nil {
		return fail(StepProfile, fmt.Errorf("save profile: %w", err))
	}

	mctx, cancel := s.b.opContext(ctx)
	err = s.b.docs.SetMerge(mctx, docstore.UserChatsPath(cred.UID), docstore.Fields{
		"chats": []domain.MembershipEntry{},
	})
	cancel()
	if err != nil {
		// The profile exists, so the account is kept.
		log.Error("registration_failed", "step", StepMembership.String(), "err", err)
		s.revoke(cred.Token)
		return domain.Identity{}, &RegistrationError{Step: StepMembership, Err: fmt.Errorf("init conversations: %w", err)}
	}

	if err := s.start(cred, identity); err != nil {
		return domain.Identity{}, &RegistrationError{Step: StepMembership, Err: err}
	}
	log.Info("registered", "username", identity.Username)
	return identity, nil
}

// SignOut stops the profile subscription, revokes the token and resets the
// selection and transcript. Signing out twice is a no-op.
func (s *Session) SignOut() {
	s.mu.Lock()
	sub, token, wasIn := s.sub, s.token, s.uid != ""
	s.sub = nil
	s.uid, s.token = "", ""
	s.identity, s.hasIdent = domain.Identity{}, false
	s.gen++
	resets := append([]func(){}, s.resets...)
	s.mu.Unlock()

	sub.Close()
	s.revoke(token)
	for _, reset := range resets {
		reset()
	}
	if wasIn {
		s.b.log.Info("signed_out")
		s.notify(domain.Identity{}, false)
	}
}

// Current returns the latest profile of the signed-in user.
func (s *Session) Current() (domain.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneIdentity(s.identity), s.hasIdent
}

// UserID returns the signed-in user's ID, or "".
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

// Token returns the session token, or "".
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// OnChange registers fn to run whenever the current profile changes or the
// session ends. fn runs on a delivery goroutine.
func (s *Session) OnChange(fn func(domain.Identity, bool)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *Session) onReset(fn func()) {
	s.mu.Lock()
	s.resets = append(s.resets, fn)
	s.mu.Unlock()
}

func (s *Session) loadProfile(ctx context.Context, uid string) (domain.Identity, error) {
	ctx, cancel := s.b.opContext(ctx)
	defer cancel()
	snap, err := s.b.docs.Get(ctx, docstore.UserPath(uid))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("load profile: %w", err)
	}
	if !snap.Exists {
		return domain.Identity{}, ErrProfileMissing
	}
	return decodeSnapshot[domain.Identity](snap)
}

// start records the session and opens the profile subscription.
func (s *Session) start(cred domain.Credential, identity domain.Identity) error {
	sub, err := s.b.docs.Subscribe(context.Background(), docstore.UserPath(cred.UID))
	if err != nil {
		return fmt.Errorf("subscribe profile: %w", err)
	}
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.uid, s.token = cred.UID, cred.Token
	s.identity, s.hasIdent = identity, true
	s.sub = sub
	s.mu.Unlock()

	consume(sub, func(snap docstore.Snapshot) { s.applyProfile(gen, snap) })
	s.notify(identity, true)
	return nil
}

func (s *Session) applyProfile(gen uint64, snap docstore.Snapshot) {
	var identity domain.Identity
	exists := snap.Err != nil || snap.Exists
	if exists {
		var err error
		identity, err = decodeSnapshot[domain.Identity](snap)
		if err != nil {
			s.b.log.Warn("profile_sync_failed", "path", snap.Path, "err", err)
			return
		}
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.identity, s.hasIdent = identity, exists
	s.mu.Unlock()

	if !exists {
		s.b.log.Warn("profile_deleted", "path", snap.Path)
	}
	s.notify(identity, exists)
}

func (s *Session) notify(identity domain.Identity, ok bool) {
	s.mu.Lock()
	observers := append([]func(domain.Identity, bool){}, s.observers...)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(cloneIdentity(identity), ok)
	}
}

func (s *Session) reserveUsername(ctx context.Context, username, uid string) error {
	ctx, cancel := s.b.opContext(ctx)
	defer cancel()
	path := docstore.UsernamePath(username)
	err := s.b.docs.RunTransaction(ctx, []string{path}, func(tx *docstore.Tx) error {
		snap, err := tx.Get(path)
		if err != nil {
			return err
		}
		if snap.Exists {
			return ErrUsernameTaken
		}
		return tx.Set(path, docstore.Fields{"uid": uid})
	})
	if err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return err
		}
		return fmt.Errorf("reserve username: %w", err)
	}
	return nil
}

// releaseUsername frees a reservation made by uid during a failed sign-up.
func (s *Session) releaseUsername(username, uid string) {
	ctx, cancel := s.b.opContext(context.Background())
	defer cancel()
	path := docstore.UsernamePath(username)
	err := s.b.docs.RunTransaction(ctx, []string{path}, func(tx *docstore.Tx) error {
		snap, err := tx.Get(path)
		if err != nil || !snap.Exists {
			return err
		}
		var r domain.UsernameReservation
		if err := snap.DataTo(&r); err != nil || r.UID != uid {
			return err
		}
		return tx.Delete(path)
	})
	if err != nil {
		s.b.log.Error("username_cleanup_failed", "username", username, "err", err)
	}
}

func (s *Session) revoke(token string) {
	if token == "" {
		return
	}
	if err := s.auth.SignOut(token); err != nil {
		s.b.log.Warn("token_revoke_failed", "err", err)
	}
}

func cloneIdentity(i domain.Identity) domain.Identity {
	if i.BlockedIDs != nil {
		i.BlockedIDs = append([]string(nil), i.BlockedIDs...)
	}
	return i
}
