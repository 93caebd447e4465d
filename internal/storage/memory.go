package storage

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/tendant/simple-content/pkg/simplecontent"
	"github.com/tendant/simple-content/pkg/simplecontent/storage/memory"
)

// MemoryBackend keeps one simple-content in-memory blob store per bucket. It
// backs local runs and tests.
type MemoryBackend struct {
	mu      sync.Mutex
	buckets map[string]simplecontent.BlobStore
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{buckets: make(map[string]simplecontent.BlobStore)}
}

func (m *MemoryBackend) EnsureBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.buckets[bucket]; ok {
		return ErrBucketExists
	}
	m.buckets[bucket] = memory.New()
	return nil
}

// Put holds the lock for the whole write; the blob store's
// UploadWithParams updates its MIME map outside its own lock.
func (m *MemoryBackend) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	store, ok := m.buckets[bucket]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	return store.UploadWithParams(ctx, body, simplecontent.UploadParams{
		ObjectKey: key,
		MimeType:  contentType,
	})
}

func (m *MemoryBackend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	store, ok := m.buckets[bucket]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	rc, err := store.Download(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	return rc, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, bucket string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	store, ok := m.buckets[bucket]
	if !ok {
		return nil
	}
	for _, key := range keys {
		if _, err := store.GetObjectMeta(ctx, key); err != nil {
			continue
		}
		if err := store.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
		}
	}
	return nil
}

// ContentType reports the stored MIME type of an object.
func (m *MemoryBackend) ContentType(ctx context.Context, bucket, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	store, ok := m.buckets[bucket]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrBucketNotFound, bucket)
	}
	meta, err := store.GetObjectMeta(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
	}
	return meta.ContentType, nil
}
