// Package storage writes derivative objects to per-profile buckets and
// resolves their public URLs.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tendant/simple-renditions/internal/metrics"
)

var (
	ErrNotFound       = errors.New("object not found")
	ErrBucketExists   = errors.New("bucket already exists")
	ErrBucketNotFound = errors.New("bucket not found")
	ErrEmptyKey       = errors.New("object key is empty after sanitization")
)

// Backend is an object store addressed by (bucket, key).
type Backend interface {
	// EnsureBucket creates bucket. It returns ErrBucketExists (possibly
	// wrapped) when the bucket is already there.
	EnsureBucket(ctx context.Context, bucket string) error
	// Put writes an object, replacing any existing object at the same key.
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, bucket string, keys []string) error
}

// Uploader is the storage surface the pipeline uses. Every key passes through
// SanitizeKey, so the URL returned by Upload and PublicURL always addresses
// the object actually written.
type Uploader struct {
	backend Backend
	baseURL string
	logger  *slog.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

func NewUploader(backend Backend, publicBaseURL string, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		backend: backend,
		baseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:  logger,
		ensured: make(map[string]bool),
	}
}

// EnsureBucket provisions name. An existing bucket counts as success.
func (u *Uploader) EnsureBucket(ctx context.Context, name string) error {
	u.mu.Lock()
	done := u.ensured[name]
	u.mu.Unlock()
	if done {
		return nil
	}

	start := time.Now()
	err := u.backend.EnsureBucket(ctx, name)
	if errors.Is(err, ErrBucketExists) {
		err = nil
	}
	metrics.ObserveStorage("ensure_bucket", start, err)
	if err != nil {
		return fmt.Errorf("ensure bucket %s: %w", name, err)
	}

	u.mu.Lock()
	u.ensured[name] = true
	u.mu.Unlock()
	u.logger.Debug("bucket ready", "bucket", name)
	return nil
}

// Upload writes data under the sanitized key and returns its public URL.
// Uploading the same key again overwrites the object.
func (u *Uploader) Upload(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	safe := SanitizeKey(key)
	if safe == "" {
		return "", fmt.Errorf("upload %q: %w", key, ErrEmptyKey)
	}

	start := time.Now()
	err := u.backend.Put(ctx, bucket, safe, bytes.NewReader(data), int64(len(data)), contentType)
	metrics.ObserveStorage("upload", start, err)
	if err != nil {
		return "", fmt.Errorf("upload %s/%s: %w", bucket, safe, err)
	}

	u.logger.Debug("uploaded object", "bucket", bucket, "key", safe, "bytes", len(data), "content_type", contentType)
	return u.PublicURL(bucket, safe), nil
}

// PublicURL resolves the URL of an object without touching the backend.
func (u *Uploader) PublicURL(bucket, key string) string {
	return u.baseURL + "/" + bucket + "/" + SanitizeKey(key)
}

func (u *Uploader) Delete(ctx context.Context, bucket string, keys []string) error {
	safe := make([]string, 0, len(keys))
	for _, k := range keys {
		if s := SanitizeKey(k); s != "" {
			safe = append(safe, s)
		}
	}
	if len(safe) == 0 {
		return nil
	}

	start := time.Now()
	err := u.backend.Delete(ctx, bucket, safe)
	metrics.ObserveStorage("delete", start, err)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", bucket, err)
	}
	u.logger.Debug("deleted objects", "bucket", bucket, "keys", safe)
	return nil
}

// Download reads a whole object.
func (u *Uploader) Download(ctx context.Context, bucket, key string) ([]byte, error) {
	key = SanitizeKey(key)
	start := time.Now()
	rc, err := u.backend.Get(ctx, bucket, key)
	if err != nil {
		metrics.ObserveStorage("download", start, err)
		return nil, fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	metrics.ObserveStorage("download", start, err)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// FetchToFile downloads an object into a temporary file. The returned cleanup
// removes it.
func (u *Uploader) FetchToFile(ctx context.Context, bucket, key string) (string, func() error, error) {
	key = SanitizeKey(key)
	rc, err := u.backend.Get(ctx, bucket, key)
	if err != nil {
		return "", nil, fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	defer rc.Close()

	temp, err := os.CreateTemp("", "rendition-src-*")
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(temp, rc); err != nil {
		temp.Close()
		os.Remove(temp.Name())
		return "", nil, fmt.Errorf("copy object to disk: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(temp.Name())
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}

	cleanup := func() error {
		return os.Remove(temp.Name())
	}
	return temp.Name(), cleanup, nil
}

// SanitizeKey replaces every character outside [A-Za-z0-9._-] with an
// underscore, collapses underscore runs and trims underscores from both ends.
// SanitizeKey(SanitizeKey(k)) == SanitizeKey(k).
func SanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))

	lastUnderscore := false
	for _, r := range key {
		if !isKeySafe(r) {
			r = '_'
		}
		if r == '_' {
			if lastUnderscore {
				continue
			}
			lastUnderscore = true
		} else {
			lastUnderscore = false
		}
		b.WriteRune(r)
	}
	return strings.Trim(b.String(), "_")
}

func isKeySafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '-', r == '_':
		return true
	}
	return false
}
