package store

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFSObjectStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSObjectStore(t.TempDir())
	require.NoError(t, err)

	n, err := s.Put(ctx, RawItemKey("abc"), bytes.NewReader([]byte("hello world")))
	require.NoError(t, err)
	require.EqualValues(t, 11, n)

	size, err := s.Head(ctx, RawItemKey("abc"))
	require.NoError(t, err)
	require.EqualValues(t, 11, size)

	rc, size, err := s.Get(ctx, RawItemKey("abc"))
	require.NoError(t, err)
	defer rc.Close()
	require.EqualValues(t, 11, size)
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(raw))

	require.NoError(t, s.Delete(ctx, RawItemKey("abc")))
	_, _, err = s.Get(ctx, RawItemKey("abc"))
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Delete(ctx, RawItemKey("abc")))
}

func TestFSObjectStorePutOverwrites(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSObjectStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Put(ctx, "k", bytes.NewReader([]byte("one")))
	require.NoError(t, err)
	_, err = s.Put(ctx, "k", bytes.NewReader([]byte("two")))
	require.NoError(t, err)

	rc, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	defer rc.Close()
	raw, _ := io.ReadAll(rc)
	require.Equal(t, "two", string(raw))
}

func TestWarmStoreChecksumDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewWarmStore(root)
	require.NoError(t, err)

	id := "abcdef"
	_, err = s.Put(ctx, id, bytes.NewReader([]byte("payload bytes")))
	require.NoError(t, err)

	rc, size, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.EqualValues(t, 13, size)
	rc.Close()

	// Flip a byte behind the store's back.
	path := filepath.Join(root, "a", "b", id)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, _, err = s.Get(ctx, id)
	require.ErrorIs(t, err, ErrChecksum)
}

func TestWarmStoreOlderThanBatches(t *testing.T) {
	ctx := context.Background()
	s, err := NewWarmStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"aa1", "bb2", "cc3"} {
		_, err := s.Put(ctx, id, bytes.NewReader([]byte(id)))
		require.NoError(t, err)
	}

	var seen []string
	err = s.OlderThan(ctx, time.Now().Add(time.Hour), 2, func(ids []string) error {
		require.LessOrEqual(t, len(ids), 2)
		seen = append(seen, ids...)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"aa1", "bb2", "cc3"}, seen)

	seen = nil
	err = s.OlderThan(ctx, time.Now().Add(-time.Hour), 2, func(ids []string) error {
		seen = append(seen, ids...)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, seen)
}

func TestHotStoreTTLAndSweep(t *testing.T) {
	ctx := context.Background()
	s, err := NewHotStore(filepath.Join(t.TempDir(), "hot.db"), time.Minute)
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()
	s.WithClock(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got)

	now = now.Add(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}

func TestHotStoreQuarantine(t *testing.T) {
	ctx := context.Background()
	s, err := NewHotStore(filepath.Join(t.TempDir(), "hot.db"), time.Minute)
	require.NoError(t, err)
	defer s.Close()

	now := time.Now()
	s.WithClock(func() time.Time { return now })

	require.NoError(t, s.Put(ctx, "bad", []byte("rejected")))
	require.NoError(t, s.Quarantine(ctx, "bad", []byte("rejected")))

	_, err = s.Get(ctx, "bad")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := s.Quarantined(ctx, "bad")
	require.NoError(t, err)
	require.Equal(t, []byte("rejected"), got)

	now = now.Add(QuarantineTTL + time.Minute)
	_, err = s.Quarantined(ctx, "bad")
	require.ErrorIs(t, err, ErrNotFound)
	removed, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}
