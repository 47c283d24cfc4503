package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileStore saves objects to disk under a base directory. It serves local
// development and tests where no MinIO endpoint is configured.
type FileStore struct {
	basePath string
}

// NewFileStore creates the base directory if missing.
func NewFileStore(basePath string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{basePath: abs}, nil
}

// Put writes the object. A partially written file is removed on failure.
func (f *FileStore) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	target := f.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	_, err = io.Copy(out, ctxReader{ctx: ctx, r: r})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(target)
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// PresignGet returns a file:// URL. Local files do not expire.
func (f *FileStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	target := f.path(key)
	if _, err := os.Stat(target); err != nil {
		return "", fmt.Errorf("stat object: %w", err)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String(), nil
}

// Delete removes an object. Missing objects are not an error.
func (f *FileStore) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

func (f *FileStore) path(key string) string {
	return filepath.Join(f.basePath, filepath.FromSlash(key))
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
