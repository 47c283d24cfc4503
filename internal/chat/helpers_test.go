package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"realtimechat/internal/media"
	"realtimechat/pkg/auth"
	"realtimechat/pkg/docstore"
	"realtimechat/pkg/domain"
	"realtimechat/pkg/store"
)

const testPassword = "passw0rd!"

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// docsSpy wraps a document service, counting writes and failing chosen
// operations on paths with a given prefix.
type docsSpy struct {
	docstore.Service

	writes atomic.Int64
	mu     sync.Mutex
	faults map[string]error
}

func (p *docsSpy) failOn(op, prefix string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.faults == nil {
		p.faults = map[string]error{}
	}
	p.faults[op+" "+prefix] = err
}

func (p *docsSpy) fault(op, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, err := range p.faults {
		if strings.HasPrefix(op+" "+path, key) {
			return err
		}
	}
	return nil
}

func (p *docsSpy) SetMerge(ctx context.Context, path string, fields docstore.Fields) error {
	p.writes.Add(1)
	if err := p.fault("SetMerge", path); err != nil {
		return err
	}
	return p.Service.SetMerge(ctx, path, fields)
}

func (p *docsSpy) ArrayAddUnique(ctx context.Context, path, field string, value any) (bool, error) {
	p.writes.Add(1)
	if err := p.fault("ArrayAddUnique", path); err != nil {
		return false, err
	}
	return p.Service.ArrayAddUnique(ctx, path, field, value)
}

func (p *docsSpy) ArrayRemoveValue(ctx context.Context, path, field string, value any) (bool, error) {
	p.writes.Add(1)
	if err := p.fault("ArrayRemoveValue", path); err != nil {
		return false, err
	}
	return p.Service.ArrayRemoveValue(ctx, path, field, value)
}

func (p *docsSpy) RunTransaction(ctx context.Context, paths []string, fn func(*docstore.Tx) error) error {
	p.writes.Add(1)
	for _, path := range paths {
		if err := p.fault("RunTransaction", path); err != nil {
			return err
		}
	}
	return p.Service.RunTransaction(ctx, paths, fn)
}

type stubUploader struct {
	mu    sync.Mutex
	err   error
	files []string
}

func (u *stubUploader) UploadImage(_ context.Context, f media.File) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return "", u.err
	}
	u.files = append(u.files, f.Name)
	return "https://blobs.test/images/" + f.Name, nil
}

type testEnv struct {
	t        *testing.T
	store    *docstore.Store
	feed     *docstore.MemoryFeed
	docs     *docsSpy
	creds    *store.MemoryCredentialStore
	auth     *auth.Service
	uploader *stubUploader
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	feed := docstore.NewMemoryFeed()
	st := docstore.New(docstore.NewMemoryBackend(), feed, docstore.WithLogger(quietLogger))
	t.Cleanup(func() { _ = st.Close() })

	creds := store.NewMemoryCredentialStore()
	sessions, err := store.NewJWTSessionStore("chat-test-secret", time.Hour, store.NewMemoryTokenRevoker())
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	svc, err := auth.NewService(auth.Config{Credentials: creds, Sessions: sessions})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	return &testEnv{
		t:        t,
		store:    st,
		feed:     feed,
		docs:     &docsSpy{Service: st},
		creds:    creds,
		auth:     svc,
		uploader: &stubUploader{},
	}
}

func (e *testEnv) newClient(mods ...func(*Config)) *Client {
	e.t.Helper()
	cfg := Config{
		Docs:      e.docs,
		Auth:      e.auth,
		Uploader:  e.uploader,
		Logger:    quietLogger,
		OpTimeout: 2 * time.Second,
	}
	for _, mod := range mods {
		mod(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		e.t.Fatalf("new client: %v", err)
	}
	e.t.Cleanup(c.Close)
	return c
}

// user registers username on a fresh client.
func (e *testEnv) user(username string) (*Client, domain.Identity) {
	e.t.Helper()
	c := e.newClient()
	return c, e.register(c, username)
}

// register signs c up as username.
func (e *testEnv) register(c *Client, username string) domain.Identity {
	e.t.Helper()
	id, err := c.Session.Register(context.Background(), RegisterInput{
		Username: username,
		Email:    username + "@example.com",
		Password: testPassword,
	})
	if err != nil {
		e.t.Fatalf("register %s: %v", username, err)
	}
	return id
}

func withLogger(l *slog.Logger) func(*Config) {
	return func(c *Config) { c.Logger = l }
}

// eventLog is a slog handler that remembers event names.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) Enabled(context.Context, slog.Level) bool { return true }

func (l *eventLog) Handle(_ context.Context, r slog.Record) error {
	l.mu.Lock()
	l.events = append(l.events, r.Message)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) WithAttrs([]slog.Attr) slog.Handler { return l }
func (l *eventLog) WithGroup(string) slog.Handler      { return l }

func (l *eventLog) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Contains(l.events, event)
}

// open starts (or finds) the conversation between c and peer and opens it.
func (e *testEnv) open(c *Client, peer domain.Identity) string {
	e.t.Helper()
	ctx := context.Background()
	id, err := c.Membership.StartConversation(ctx, peer.ID)
	if err != nil {
		e.t.Fatalf("start conversation: %v", err)
	}
	if err := c.OpenConversation(ctx, id, peer); err != nil {
		e.t.Fatalf("open conversation: %v", err)
	}
	return id
}

func (e *testEnv) index(uid string) domain.MembershipIndex {
	e.t.Helper()
	snap, err := e.store.Get(context.Background(), docstore.UserChatsPath(uid))
	if err != nil {
		e.t.Fatalf("get index: %v", err)
	}
	var idx domain.MembershipIndex
	if snap.Exists {
		if err := snap.DataTo(&idx); err != nil {
			e.t.Fatalf("decode index: %v", err)
		}
	}
	return idx
}

func (e *testEnv) entry(uid, conversationID string) domain.MembershipEntry {
	e.t.Helper()
	idx := e.index(uid)
	i := idx.Find(conversationID)
	if i < 0 {
		e.t.Fatalf("no entry for %s in userchats/%s", conversationID, uid)
	}
	return idx.Chats[i]
}

func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func errAs[T error](err error) (T, bool) {
	var target T
	ok := errors.As(err, &target)
	return target, ok
}
