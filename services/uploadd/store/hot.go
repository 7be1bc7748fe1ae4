package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	hotBucket        = []byte("hot")
	hotExpiryBucket  = []byte("hot-expiry")
	quarantineBucket = []byte("quarantine")
)

// QuarantineTTL is how long rejected payloads are retained for inspection
// before the sweeper removes them.
const QuarantineTTL = 24 * time.Hour

// HotStore keeps short-lived blobs (in-flight multipart chunks, raw bodies
// awaiting signature) in a single bbolt file with per-entry TTLs. Rejected
// payloads move to a quarantine namespace with a fixed retention.
type HotStore struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

// NewHotStore opens or creates the bbolt file at path.
func NewHotStore(path string, ttl time.Duration) (*HotStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open hot store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{hotBucket, hotExpiryBucket, quarantineBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init hot store buckets: %w", err)
	}
	return &HotStore{db: db, ttl: ttl, now: time.Now}, nil
}

// WithClock overrides the store's time source for tests.
func (s *HotStore) WithClock(now func() time.Time) *HotStore {
	s.now = now
	return s
}

// Close releases the underlying database.
func (s *HotStore) Close() error { return s.db.Close() }

// Put stores value under key with the store's TTL.
func (s *HotStore) Put(ctx context.Context, key string, value []byte) error {
	expiry := make([]byte, 8)
	binary.BigEndian.PutUint64(expiry, uint64(s.now().Add(s.ttl).UnixNano()))
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(hotBucket).Put([]byte(key), value); err != nil {
			return err
		}
		return tx.Bucket(hotExpiryBucket).Put([]byte(key), expiry)
	})
	if err != nil {
		return fmt.Errorf("hot put %s: %w", key, err)
	}
	return nil
}

// Get returns the value under key, or ErrNotFound if absent or expired.
func (s *HotStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(hotBucket).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		expiry := tx.Bucket(hotExpiryBucket).Get([]byte(key))
		if expiry != nil {
			at := time.Unix(0, int64(binary.BigEndian.Uint64(expiry)))
			if s.now().After(at) {
				return ErrNotFound
			}
		}
		value = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete removes key. Missing keys are not an error.
func (s *HotStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(hotBucket).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(hotExpiryBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("hot delete %s: %w", key, err)
	}
	return nil
}

// Quarantine moves the rejected payload under key into the quarantine
// namespace, replacing its TTL with the quarantine retention.
func (s *HotStore) Quarantine(ctx context.Context, key string, value []byte) error {
	record := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(record, uint64(s.now().Add(QuarantineTTL).UnixNano()))
	copy(record[8:], value)
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(hotBucket).Delete([]byte(key)); err != nil {
			return err
		}
		if err := tx.Bucket(hotExpiryBucket).Delete([]byte(key)); err != nil {
			return err
		}
		return tx.Bucket(quarantineBucket).Put([]byte(key), record)
	})
	if err != nil {
		return fmt.Errorf("quarantine %s: %w", key, err)
	}
	return nil
}

// Quarantined returns a quarantined payload, or ErrNotFound.
func (s *HotStore) Quarantined(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(quarantineBucket).Get([]byte(key))
		if raw == nil || len(raw) < 8 {
			return ErrNotFound
		}
		at := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
		if s.now().After(at) {
			return ErrNotFound
		}
		value = append([]byte(nil), raw[8:]...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Sweep deletes expired hot entries and aged-out quarantine records. Returns
// the number of entries removed.
func (s *HotStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	nowNanos := uint64(s.now().UnixNano())
	err := s.db.Update(func(tx *bolt.Tx) error {
		expiry := tx.Bucket(hotExpiryBucket)
		hot := tx.Bucket(hotBucket)
		var stale [][]byte
		cursor := expiry.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if binary.BigEndian.Uint64(v) < nowNanos {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := hot.Delete(k); err != nil {
				return err
			}
			if err := expiry.Delete(k); err != nil {
				return err
			}
			removed++
		}
		quarantine := tx.Bucket(quarantineBucket)
		stale = stale[:0]
		cursor = quarantine.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if len(v) >= 8 && binary.BigEndian.Uint64(v[:8]) < nowNanos {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := quarantine.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("hot sweep: %w", err)
	}
	return removed, nil
}

// SweepLoop runs Sweep on the given interval until ctx ends.
func (s *HotStore) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}
