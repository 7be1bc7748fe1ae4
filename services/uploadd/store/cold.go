// Package store implements the three data planes behind the upload service:
// the cold object store that is the durability commit point, the warm
// filesystem cache serving reads and bundle preparation, and the hot
// short-lived store for in-flight multipart chunks.
package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ObjectStore is the cold plane. A successful Put is the durability commit
// point for an upload: once it returns, the object survives process loss.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Head(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
}

// ErrNotFound is returned when a key has no object in the store.
var ErrNotFound = fmt.Errorf("store: object not found")

// FSObjectStore is an ObjectStore over a local directory tree. Writes land in
// a temp file and are renamed into place so readers never see partial objects.
type FSObjectStore struct {
	root string
}

// NewFSObjectStore creates the backing directory if needed.
func NewFSObjectStore(root string) (*FSObjectStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object store root: %w", err)
	}
	return &FSObjectStore{root: root}, nil
}

func (s *FSObjectStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

// Put streams r into the store under key.
func (s *FSObjectStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	dest := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create object directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".put-*")
	if err != nil {
		return 0, fmt.Errorf("create temp object: %w", err)
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("write object %s: %w", key, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("commit object %s: %w", key, err)
	}
	return n, nil
}

// Get opens the object under key for reading.
func (s *FSObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open object %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat object %s: %w", key, err)
	}
	return f, info.Size(), nil
}

// Head returns the size of the object under key.
func (s *FSObjectStore) Head(ctx context.Context, key string) (int64, error) {
	info, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("stat object %s: %w", key, err)
	}
	return info.Size(), nil
}

// Delete removes the object under key. Missing objects are not an error.
func (s *FSObjectStore) Delete(ctx context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// Object key layout of the cold plane.
const (
	PrefixRawItem = "raw-data-item"
	PrefixBundle  = "bundle-payload"
	PrefixHeader  = "bundle-header"
	PrefixNested  = "nested-data-item"
	PrefixChunk   = "multipart-chunk"
)

// RawItemKey is the cold key for an item's full envelope bytes.
func RawItemKey(id string) string { return PrefixRawItem + "/" + id }

// BundleKey is the cold key for an assembled bundle payload.
func BundleKey(planID string) string { return PrefixBundle + "/" + planID }

// HeaderKey is the cold key for an assembled bundle's header section.
func HeaderKey(planID string) string { return PrefixHeader + "/" + planID }

// NestedKey is the cold key for an extracted nested envelope.
func NestedKey(id string) string { return PrefixNested + "/" + id }

// ChunkKey is the cold key for one multipart chunk.
func ChunkKey(sessionID string, offset int64) string {
	return fmt.Sprintf("%s/%s/%d", PrefixChunk, sessionID, offset)
}
