// Package media uploads chat attachments to blob storage.
package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"realtimechat/pkg/storage"
)

// KeyTimeFormat is the UTC millisecond timestamp prefixed to object names.
const KeyTimeFormat = "2006-01-02T15:04:05.000Z"

const defaultURLExpiry = 7 * 24 * time.Hour

var (
	// ErrNoFile is returned when no file or an empty reader is given.
	ErrNoFile = errors.New("no file provided")
	// ErrNotImage is returned when the content is not an image.
	ErrNotImage = errors.New("file is not an image")
)

// File is an attachment picked by the user.
type File struct {
	Name        string
	ContentType string
	// Size is the byte length, or -1 when unknown.
	Size   int64
	Reader io.Reader
}

// Progress reports bytes sent for one upload. Total is -1 when unknown.
type Progress struct {
	Key   string
	Sent  int64
	Total int64
}

// Uploader writes images under images/ and hands back a downloadable URL.
type Uploader struct {
	store      storage.ObjectStore
	expiry     time.Duration
	now        func() time.Time
	log        *slog.Logger
	onProgress func(Progress)
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithURLExpiry sets how long returned URLs stay valid.
func WithURLExpiry(d time.Duration) Option {
	return func(u *Uploader) {
		if d > 0 {
			u.expiry = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(u *Uploader) {
		if l != nil {
			u.log = l
		}
	}
}

// WithProgress registers a progress observer. It runs on the upload's
// goroutine, so it must return quickly.
func WithProgress(fn func(Progress)) Option {
	return func(u *Uploader) { u.onProgress = fn }
}

// WithClock overrides the time source used for object keys.
func WithClock(now func() time.Time) Option {
	return func(u *Uploader) {
		if now != nil {
			u.now = now
		}
	}
}

// NewUploader builds an uploader on top of store.
func NewUploader(store storage.ObjectStore, opts ...Option) (*Uploader, error) {
	if store == nil {
		return nil, errors.New("object store required")
	}
	u := &Uploader{
		store:  store,
		expiry: defaultURLExpiry,
		now:    time.Now,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// UploadImage stores f and returns a URL it can be downloaded from.
// Two uploads of the same name within one millisecond share a key and the
// later one wins.
func (u *Uploader) UploadImage(ctx context.Context, f File) (string, error) {
	if f.Reader == nil {
		return "", ErrNoFile
	}
	br := bufio.NewReaderSize(f.Reader, 512)
	contentType, err := detectContentType(br, f.ContentType)
	if err != nil {
		return "", err
	}
	key := ObjectKey(u.now(), f.Name)
	size := f.Size
	if size == 0 {
		size = -1
	}
	u.log.Info("upload_started", "key", key, "content_type", contentType, "size", size)

	body := &progressReader{r: br, key: key, total: size, fn: u.onProgress}
	if err := u.store.Put(ctx, key, body, size, contentType); err != nil {
		u.log.Error("upload_failed", "key", key, "err", err)
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	url, err := u.store.PresignGet(ctx, key, u.expiry)
	if err != nil {
		u.log.Error("upload_url_failed", "key", key, "err", err)
		// Nothing will reference the object without a URL.
		if derr := u.store.Delete(context.WithoutCancel(ctx), key); derr != nil {
			u.log.Warn("upload_cleanup_failed", "key", key, "err", derr)
		}
		return "", fmt.Errorf("download url %s: %w", key, err)
	}
	u.log.Info("upload_finished", "key", key, "bytes", body.sent)
	return url, nil
}

// ObjectKey builds images/{timestamp}_{filename}.
func ObjectKey(at time.Time, filename string) string {
	return "images/" + at.UTC().Format(KeyTimeFormat) + "_" + safeFilename(filename)
}

func safeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(path.Base(name))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "image"
	}
	return name
}

func detectContentType(br *bufio.Reader, declared string) (string, error) {
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", fmt.Errorf("read file: %w", err)
	}
	if len(head) == 0 {
		return "", ErrNoFile
	}
	ct := strings.TrimSpace(declared)
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(head)
	}
	if !strings.HasPrefix(ct, "image/") {
		return "", fmt.Errorf("%w: %s", ErrNotImage, ct)
	}
	return ct, nil
}

type progressReader struct {
	r     io.Reader
	key   string
	sent  int64
	total int64
	fn    func(Progress)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.fn != nil {
			p.fn(Progress{Key: p.key, Sent: p.sent, Total: p.total})
		}
	}
	return n, err
}
