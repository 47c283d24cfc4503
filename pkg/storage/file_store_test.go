package storage

import (
	"context"
	"errors"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"
)

func TestFileStorePutPresignDelete(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()
	key := "images/2024-01-01T00:00:00.000Z_photo.png"
	if err := fs.Put(ctx, key, strings.NewReader("png-bytes"), 9, "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	raw, err := fs.PresignGet(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "file" {
		t.Fatalf("unexpected url %q: %v", raw, err)
	}
	data, err := os.ReadFile(u.Path)
	if err != nil || string(data) != "png-bytes" {
		t.Fatalf("read back: %q %v", data, err)
	}
	if err := fs.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := fs.Delete(ctx, key); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	for _, key := range []string{"", "/etc/passwd", "../x", "images/../../x"} {
		if err := fs.Put(context.Background(), key, strings.NewReader("x"), 1, ""); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("key %q: expected ErrInvalidKey, got %v", key, err)
		}
	}
}

func TestFileStoreCancelledPutLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := fs.Put(ctx, "images/a.png", strings.NewReader("x"), 1, "image/png"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := fs.PresignGet(context.Background(), "images/a.png", time.Minute); err == nil {
		t.Fatalf("expected object to be absent")
	}
}
