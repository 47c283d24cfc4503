// Package chat keeps a signed-in user's view of profiles, the selected
// conversation and its transcript in sync with the document store.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"realtimechat/internal/media"
	"realtimechat/pkg/docstore"
	"realtimechat/pkg/domain"
)

const defaultOpTimeout = 10 * time.Second

// Authenticator is the auth provider the client signs in against.
type Authenticator interface {
	SignUp(email, password string) (domain.Credential, error)
	SignIn(email, password string) (domain.Credential, error)
	SignOut(token string) error
	DeleteCredential(uid string) error
}

// ImageUploader stores an attachment and returns a downloadable URL.
type ImageUploader interface {
	UploadImage(ctx context.Context, f media.File) (string, error)
}

// Limiter throttles sign-in attempts per email.
type Limiter interface {
	Allow(key string) bool
}

// Config wires a Client.
type Config struct {
	Docs     docstore.Service
	Auth     Authenticator
	Uploader ImageUploader // optional; image messages and avatars fail without it
	Limiter  Limiter       // optional
	Logger   *slog.Logger
	// OpTimeout bounds every remote call. Defaults to 10s.
	OpTimeout time.Duration
	Clock     func() time.Time
}

// Client bundles the components of one signed-in user.
type Client struct {
	Session    *Session
	Selection  *Selection
	Transcript *Transcript
	Membership *Membership
}

// New builds a Client. Signing out resets the selection and the transcript.
func New(cfg Config) (*Client, error) {
	if cfg.Docs == nil {
		return nil, errors.New("document service required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("authenticator required")
	}
	b := base{
		docs:    cfg.Docs,
		log:     cfg.Logger,
		timeout: cfg.OpTimeout,
		now:     cfg.Clock,
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.timeout <= 0 {
		b.timeout = defaultOpTimeout
	}
	if b.now == nil {
		b.now = time.Now
	}

	session := newSession(b, cfg.Auth, cfg.Uploader, cfg.Limiter)
	selection := newSelection(b, session)
	membership := newMembership(b, session)
	transcript := newTranscript(b, session, selection, membership, cfg.Uploader)
	session.onReset(selection.Clear)
	session.onReset(transcript.Close)

	return &Client{
		Session:    session,
		Selection:  selection,
		Transcript: transcript,
		Membership: membership,
	}, nil
}

// OpenConversation selects the conversation, subscribes to its transcript
// and marks it as seen.
func (c *Client) OpenConversation(ctx context.Context, conversationID string, peer domain.Identity) error {
	if err := c.Selection.Select(conversationID, &peer); err != nil {
		return err
	}
	if err := c.Transcript.Open(conversationID); err != nil {
		c.Selection.Clear()
		return err
	}
	if err := c.Membership.MarkSeen(ctx, conversationID); err != nil {
		c.Session.b.log.Warn("mark_seen_failed", "conversation_id", conversationID, "err", err)
	}
	return nil
}

// Close signs out, which tears down every subscription.
func (c *Client) Close() {
	c.Session.SignOut()
}

type base struct {
	docs    docstore.Service
	log     *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

func (b base) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, b.timeout)
}

type validator interface {
	Validate() error
}

// decodeSnapshot turns a delivery into T, reporting anything unusable as a
// SyncError.
func decodeSnapshot[T validator](snap docstore.Snapshot) (T, error) {
	var v T
	if snap.Err != nil {
		return v, &SyncError{Path: snap.Path, Err: snap.Err}
	}
	if err := snap.DataTo(&v); err != nil {
		return v, &SyncError{Path: snap.Path, Err: err}
	}
	if err := v.Validate(); err != nil {
		return v, &SyncError{Path: snap.Path, Err: err}
	}
	return v, nil
}

// consume hands every delivery of sub to fn until sub is closed.
func consume(sub *docstore.Subscription, fn func(docstore.Snapshot)) {
	go func() {
		for snap := range sub.Snapshots() {
			fn(snap)
		}
	}()
}
