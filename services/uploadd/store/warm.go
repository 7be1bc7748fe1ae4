package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"lukechampine.com/blake3"
)

// WarmStore is the read-serving cache. Objects are sharded two levels deep by
// id prefix and carry a blake3 checksum sidecar so corruption is detected on
// read instead of propagating into bundles.
type WarmStore struct {
	root string
}

// NewWarmStore creates the backing directory if needed.
func NewWarmStore(root string) (*WarmStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create warm store root: %w", err)
	}
	return &WarmStore{root: root}, nil
}

func (s *WarmStore) shardPath(id string) string {
	if len(id) < 2 {
		return filepath.Join(s.root, "_", id)
	}
	return filepath.Join(s.root, id[:1], id[1:2], id)
}

func checksumPath(p string) string { return p + ".b3" }

// Put writes the object and its checksum sidecar atomically.
func (s *WarmStore) Put(ctx context.Context, id string, r io.Reader) (int64, error) {
	dest := s.shardPath(id)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create warm shard: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".warm-*")
	if err != nil {
		return 0, fmt.Errorf("create warm temp: %w", err)
	}
	tmpName := tmp.Name()
	hasher := blake3.New(32, nil)
	n, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("write warm object %s: %w", id, err)
	}
	sum := hasher.Sum(nil)
	if err := os.WriteFile(checksumPath(dest), []byte(hex.EncodeToString(sum)), 0o644); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("write warm checksum %s: %w", id, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		os.Remove(checksumPath(dest))
		return 0, fmt.Errorf("commit warm object %s: %w", id, err)
	}
	return n, nil
}

// ErrChecksum reports a warm object whose bytes no longer match its sidecar.
var ErrChecksum = fmt.Errorf("store: warm object failed checksum")

// Get opens the warm object and verifies its checksum before returning a
// reader over the verified bytes.
func (s *WarmStore) Get(ctx context.Context, id string) (io.ReadCloser, int64, error) {
	dest := s.shardPath(id)
	want, err := os.ReadFile(checksumPath(dest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("read warm checksum %s: %w", id, err)
	}
	f, err := os.Open(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open warm object %s: %w", id, err)
	}
	hasher := blake3.New(32, nil)
	size, err := io.Copy(hasher, f)
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("hash warm object %s: %w", id, err)
	}
	if hex.EncodeToString(hasher.Sum(nil)) != string(want) {
		f.Close()
		return nil, 0, ErrChecksum
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("rewind warm object %s: %w", id, err)
	}
	return f, size, nil
}

// Open returns the warm object without checksum verification, for callers
// that verify content another way (parsing and signature checks).
func (s *WarmStore) Open(ctx context.Context, id string) (*os.File, int64, error) {
	f, err := os.Open(s.shardPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open warm object %s: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat warm object %s: %w", id, err)
	}
	return f, info.Size(), nil
}

// Has reports whether the warm store holds id.
func (s *WarmStore) Has(id string) bool {
	_, err := os.Stat(s.shardPath(id))
	return err == nil
}

// Delete removes the warm object and its sidecar.
func (s *WarmStore) Delete(ctx context.Context, id string) error {
	dest := s.shardPath(id)
	os.Remove(checksumPath(dest))
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete warm object %s: %w", id, err)
	}
	return nil
}

// OlderThan streams ids of warm objects whose mtime is before cutoff, in
// batches of at most batchSize, to fn. Used by the warm cleanup sweep.
func (s *WarmStore) OlderThan(ctx context.Context, cutoff time.Time, batchSize int, fn func(ids []string) error) error {
	batch := make([]string, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || filepath.Ext(path) == ".b3" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(cutoff) {
			batch = append(batch, d.Name())
			if len(batch) >= batchSize {
				return flush()
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}
