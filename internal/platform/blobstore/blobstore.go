// Package blobstore provides the bucket/key object storage the gateway
// serves documents from and saves retrieved documents to. It defines the
// ObjectStore interface, an in-memory implementation for tests and
// development, and an S3 compatible implementation backed by MinIO.
package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object exceeds maximum allowed size")
	ErrMissingKey     = errors.New("object key is required")
)

// MaxObjectSize is the largest object accepted by PutObject (100 MB).
const MaxObjectSize = 100 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// ObjectStore is the storage contract used by document retrieval.
type ObjectStore interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) (ObjectInfo, error)
	StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedObject struct {
	info    ObjectInfo
	content []byte
}

// InMemoryStore is a thread-safe ObjectStore for tests and development.
type InMemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]*storedObject
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{buckets: make(map[string]map[string]*storedObject)}
}

// PutObject stores a copy of data under bucket/key, replacing any previous
// object. The ETag is the hex SHA-256 of the content.
func (s *InMemoryStore) PutObject(_ context.Context, bucket, key string, data []byte, contentType string) (ObjectInfo, error) {
	if key == "" {
		return ObjectInfo{}, ErrMissingKey
	}
	if len(data) > MaxObjectSize {
		return ObjectInfo{}, ErrObjectTooLarge
	}
	h := sha256.Sum256(data)
	obj := &storedObject{
		info: ObjectInfo{
			Key:          key,
			Size:         int64(len(data)),
			ContentType:  contentType,
			ETag:         fmt.Sprintf("%x", h),
			LastModified: time.Now().UTC(),
		},
		content: append([]byte(nil), data...),
	}

	s.mu.Lock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]*storedObject)
		s.buckets[bucket] = b
	}
	b[key] = obj
	s.mu.Unlock()

	return obj.info, nil
}

// GetObject returns a copy of the object's content.
func (s *InMemoryStore) GetObject(_ context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	obj, ok := s.buckets[bucket][key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return append([]byte(nil), obj.content...), nil
}

// StatObject returns the object's metadata.
func (s *InMemoryStore) StatObject(_ context.Context, bucket, key string) (ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.buckets[bucket][key]
	s.mu.RUnlock()
	if !ok {
		return ObjectInfo{}, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return obj.info, nil
}

// ListObjects returns every object whose key starts with prefix, sorted
// by key.
func (s *InMemoryStore) ListObjects(_ context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ObjectInfo
	for key, obj := range s.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
