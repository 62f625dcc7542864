package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

func TestMemoryStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Put(ctx, "b", "k", bytes.NewReader([]byte("payload")), 7, "application/zip"); err != nil {
		t.Fatalf("put: %v", err)
	}
	rc, info, err := s.Get(ctx, "b", "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "payload" || info.Size != 7 || info.ContentType != "application/zip" {
		t.Fatalf("unexpected object %q %+v", data, info)
	}

	if err := s.Delete(ctx, "b", "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "b", "k"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.Stat(ctx, "b", "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreBucketsAreSeparate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Put(ctx, "a", "k", bytes.NewReader(nil), 0, ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, _, err := s.Get(ctx, "b", "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across buckets, got %v", err)
	}
}

func TestMemoryStoreSizeMismatch(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Put(context.Background(), "b", "k", bytes.NewReader([]byte("abc")), 5, ""); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}
