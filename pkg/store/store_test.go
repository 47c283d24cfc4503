package store

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryCredentialStoreRejectsDuplicateEmail(t *testing.T) {
	s := NewMemoryCredentialStore()
	rec := CredentialRecord{UID: "u1", Email: "a@example.com", PasswordHash: "h", CreatedAt: time.Now().UTC()}
	if err := s.CreateCredential(rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec.UID = "u2"
	if err := s.CreateCredential(rec); !errors.Is(err, ErrEmailExists) {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}
	got, ok, err := s.GetCredentialByEmail("a@example.com")
	if err != nil || !ok || got.UID != "u1" {
		t.Fatalf("lookup: got=%+v ok=%v err=%v", got, ok, err)
	}
}

func TestMemoryCredentialStoreDelete(t *testing.T) {
	s := NewMemoryCredentialStore()
	if err := s.CreateCredential(CredentialRecord{UID: "u1", Email: "a@example.com"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.DeleteCredential("u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteCredential("u1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, ok, _ := s.GetCredentialByID("u1"); ok {
		t.Fatalf("expected credential to be gone")
	}
	if _, ok, _ := s.GetCredentialByEmail("a@example.com"); ok {
		t.Fatalf("expected email index to be cleared")
	}
	if err := s.CreateCredential(CredentialRecord{UID: "u3", Email: "a@example.com"}); err != nil {
		t.Fatalf("email should be reusable after delete: %v", err)
	}
}

func TestJWTSessionStoreRoundTrip(t *testing.T) {
	s, err := NewJWTSessionStore("test-secret", time.Minute, NewMemoryTokenRevoker())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	token, err := s.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	uid, ok, err := s.GetUserIDByToken(token)
	if err != nil || !ok || uid != "user-1" {
		t.Fatalf("resolve: uid=%q ok=%v err=%v", uid, ok, err)
	}
	if err := s.DeleteSession(token); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if _, _, err := s.GetUserIDByToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected revoked token to fail, got %v", err)
	}
}

func TestJWTSessionStoreRejectsForeignSignature(t *testing.T) {
	a, _ := NewJWTSessionStore("secret-a", time.Minute, nil)
	b, _ := NewJWTSessionStore("secret-b", time.Minute, nil)
	token, err := a.NewSession("user-1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if _, _, err := b.GetUserIDByToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := NewJWTSessionStore(" ", time.Minute, nil); err == nil {
		t.Fatalf("expected empty secret to be rejected")
	}
}

func TestRedisTokenRevokerSessionsExpire(t *testing.T) {
	srv := miniredis.RunT(t)
	r := NewRedisTokenRevoker(srv.Addr(), "")
	issued := time.Now()
	if err := r.RevokeSession("jti-1", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := r.Revoked("jti-1", "user-1", issued)
	if err != nil || !revoked {
		t.Fatalf("expected revoked, got %v err=%v", revoked, err)
	}
	if revoked, _ := r.Revoked("jti-2", "user-1", issued); revoked {
		t.Fatalf("other sessions of the user must stay valid")
	}
	srv.FastForward(2 * time.Minute)
	revoked, err = r.Revoked("jti-1", "user-1", issued)
	if err != nil || revoked {
		t.Fatalf("expected revocation to expire, got %v err=%v", revoked, err)
	}
}

func TestRedisTokenRevokerUserCutoff(t *testing.T) {
	srv := miniredis.RunT(t)
	r := NewRedisTokenRevoker(srv.Addr(), "")
	cutoff := time.Now()
	if err := r.RevokeUser("user-1", cutoff, cutoff.Add(time.Minute)); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if revoked, err := r.Revoked("jti-old", "user-1", cutoff.Add(-time.Second)); err != nil || !revoked {
		t.Fatalf("expected older token revoked, got %v err=%v", revoked, err)
	}
	if revoked, _ := r.Revoked("jti-new", "user-1", cutoff.Add(time.Second)); revoked {
		t.Fatalf("tokens issued after the cutoff must stay valid")
	}
	if revoked, _ := r.Revoked("jti-other", "user-2", cutoff.Add(-time.Second)); revoked {
		t.Fatalf("other users must not be affected")
	}
}

func TestMemoryTokenRevokerUserCutoffExpires(t *testing.T) {
	r := NewMemoryTokenRevoker()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	if err := r.RevokeUser("user-1", now, now.Add(time.Hour)); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if revoked, _ := r.Revoked("jti", "user-1", now.Add(-time.Minute)); !revoked {
		t.Fatalf("expected token issued before the cutoff to be revoked")
	}
	now = now.Add(2 * time.Hour)
	if revoked, _ := r.Revoked("jti", "user-1", now.Add(-3*time.Hour)); revoked {
		t.Fatalf("expected cutoff to lapse with the session ttl")
	}
}

func TestJWTSessionStoreRevokeUserSessions(t *testing.T) {
	s, err := NewJWTSessionStore("test-secret", time.Minute, NewMemoryTokenRevoker())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	first, _ := s.NewSession("user-1")
	second, _ := s.NewSession("user-1")
	other, _ := s.NewSession("user-2")
	if err := s.RevokeUserSessions("user-1"); err != nil {
		t.Fatalf("revoke user sessions: %v", err)
	}
	for _, token := range []string{first, second} {
		if _, _, err := s.GetUserIDByToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected user-1 token revoked, got %v", err)
		}
	}
	if uid, ok, err := s.GetUserIDByToken(other); err != nil || !ok || uid != "user-2" {
		t.Fatalf("user-2 session affected: uid=%q ok=%v err=%v", uid, ok, err)
	}
}
