// Package storage persists run artifacts (per-cell results, aggregated
// outputs) behind a small object-store interface with filesystem, in-memory
// and S3 drivers.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Driver identifies a storage backend.
type Driver string

const (
	// DriverFilesystem writes objects as files under a root directory.
	DriverFilesystem Driver = "fs"
	// DriverMemory keeps objects in process memory. Not accepted for CLI runs.
	DriverMemory Driver = "memory"
	// DriverS3 writes objects to an S3-compatible bucket.
	DriverS3 Driver = "s3"
)

// Drivers lists every supported driver name.
func Drivers() []Driver { return []Driver{DriverFilesystem, DriverMemory, DriverS3} }

// ErrNotFound is returned (wrapped) when a key does not exist.
var ErrNotFound = errors.New("object not found")

// ErrInvalidKey is returned for empty, absolute or escaping keys.
var ErrInvalidKey = errors.New("invalid object key")

// PutOptions carries optional object attributes.
type PutOptions struct {
	ContentType string
}

// Info describes a stored object.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	ContentType  string    `json:"content_type,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Store is a flat key/value object store. Keys use forward slashes. Put
// replaces an existing object atomically, so concurrent writers to disjoint
// keys never observe partial objects.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// CleanKey normalizes key and rejects keys that could escape the store root.
func CleanKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: absolute key %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q escapes the store root", ErrInvalidKey, key)
		}
	}
	return path.Clean(key), nil
}

// PutBytes stores b under key.
func PutBytes(ctx context.Context, s Store, key string, b []byte, contentType string) (Info, error) {
	return s.Put(ctx, key, bytes.NewReader(b), PutOptions{ContentType: contentType})
}

// ReadAll returns the full content of key.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	_, rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return b, nil
}

// Exists reports whether key is present.
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.Head(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
