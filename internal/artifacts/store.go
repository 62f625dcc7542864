// Package artifacts moves opaque payloads (source trees, built models,
// simulation results) between the client and workers through object storage.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	store "github.com/animus-labs/simfarm/internal/storage/objectstore"
)

// ErrNotFound is returned by Get when no payload exists under the key.
var ErrNotFound = errors.New("artifact not found")

const contentType = "application/zip"

// Store is a key/value blob store. Keys are chosen by producers; by
// convention a job's output lives under the job's own identifier.
type Store struct {
	bucket string
	prefix string
	store  store.Store
}

func NewStore(objectStore store.Store, bucket, prefix string) (*Store, error) {
	if objectStore == nil {
		return nil, errors.New("object store is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &Store{bucket: bucket, prefix: strings.TrimSpace(prefix), store: objectStore}, nil
}

// Put stores or replaces the payload under key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, s.bucket, objectKey, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return fmt.Errorf("put artifact %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return nil, err
	}
	rc, _, err := s.store.Get(ctx, s.bucket, objectKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get artifact %s: %w", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the payload under key. Deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, s.bucket, objectKey); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete artifact %s: %w", key, err)
	}
	return nil
}

// Replace deletes any stale payload under key before storing data.
func (s *Store) Replace(ctx context.Context, key string, data []byte) error {
	if err := s.Delete(ctx, key); err != nil {
		return err
	}
	return s.Put(ctx, key, data)
}

func (s *Store) objectKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("artifact key is required")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("artifact key %q must not contain '..'", key)
		}
	}
	return s.prefix + key, nil
}
