package auth

import (
	"errors"
	"testing"
)

func TestHashPasswordAndCheckPasswordBcrypt(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty hash")
	}
	if !CheckPassword("s3cret-pass", hash) {
		t.Fatalf("expected bcrypt password check to pass")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("expected bcrypt password check to fail")
	}
	if CheckPassword("s3cret-pass", "") {
		t.Fatalf("expected empty hash to never match")
	}
}

func TestValidatePassword(t *testing.T) {
	if err := ValidatePassword("hunter42x"); err != nil {
		t.Fatalf("expected valid password, got: %v", err)
	}
	for _, pw := range []string{"short1", "nodigitshere", "12345678"} {
		if err := ValidatePassword(pw); !errors.Is(err, ErrWeakPassword) {
			t.Fatalf("ValidatePassword(%q): expected ErrWeakPassword, got %v", pw, err)
		}
	}
}
