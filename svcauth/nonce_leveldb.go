package svcauth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	nonceKeyPrefix    = "nonce:"
	observedKeyPrefix = "observed:"
)

// LevelDBNoncePersistence provides a LevelDB-backed NoncePersistence implementation.
type LevelDBNoncePersistence struct {
	db *leveldb.DB
}

// NewLevelDBNoncePersistence opens (or creates) a LevelDB database at the provided path.
func NewLevelDBNoncePersistence(path string) (*LevelDBNoncePersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb nonce persistence path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb nonce path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb nonce store: %w", err)
	}
	return &LevelDBNoncePersistence{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (p *LevelDBNoncePersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce records a nonce usage if it has not been observed previously.
// It returns true when the record already existed.
func (p *LevelDBNoncePersistence) EnsureNonce(ctx context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, fmt.Errorf("leveldb persistence not configured")
	}
	ts := strings.TrimSpace(record.Timestamp)
	nonce := strings.TrimSpace(record.Nonce)
	if ts == "" || nonce == "" {
		return false, fmt.Errorf("nonce record incomplete")
	}
	observed := record.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	composite := ts + "|" + nonce
	nonceKey := []byte(nonceKeyPrefix + composite)
	_, err := p.db.Get(nonceKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		// Not found: insert new entry.
	case err != nil:
		return false, fmt.Errorf("load nonce: %w", err)
	default:
		return true, nil
	}

	batch := new(leveldb.Batch)
	nanos := observed.UnixNano()
	batch.Put(nonceKey, encodeUnixNano(nanos))
	batch.Put([]byte(observedKey(nanos, composite)), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record nonce: %w", err)
	}
	return false, nil
}

// PruneNonces removes nonces observed strictly before the cutoff.
func (p *LevelDBNoncePersistence) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	limit := []byte(observedKey(cutoff.UTC().UnixNano(), ""))
	iter := p.db.NewIterator(&util.Range{Start: []byte(observedKeyPrefix), Limit: limit}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		key := append([]byte(nil), iter.Key()...)
		batch.Delete(key)
		if composite, ok := parseObservedKey(key); ok {
			batch.Delete([]byte(nonceKeyPrefix + composite))
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate nonces: %w", err)
	}
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

func observedKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d|%s", observedKeyPrefix, nanos, composite)
}

func parseObservedKey(key []byte) (string, bool) {
	raw := strings.TrimPrefix(string(key), observedKeyPrefix)
	if raw == string(key) {
		return "", false
	}
	_, composite, found := strings.Cut(raw, "|")
	if !found {
		return "", false
	}
	return composite, true
}

func encodeUnixNano(nanos int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	return buf
}
