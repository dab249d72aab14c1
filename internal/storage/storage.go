package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("not found")

// Storage persists config overrides and session history in a BoltDB file.
type Storage struct {
	db    *bolt.DB
	runID string
}

// New opens the database at path, creating it and its buckets if needed.
// Session records written through this instance are tagged with a fresh
// run id, because session ids restart at 1 on every run.
func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Storage{db: db, runID: uuid.NewString()}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunID identifies the process run that owns this instance.
func (s *Storage) RunID() string {
	return s.runID
}

func (s *Storage) view(bucket string, fn func(*bolt.Bucket) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return fn(b)
	})
}

func (s *Storage) update(bucket string, fn func(*bolt.Bucket) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}
		return fn(b)
	})
}

// Get returns a copy of the value stored under key, or ErrNotFound.
func (s *Storage) Get(bucket, key string) ([]byte, error) {
	var value []byte
	err := s.view(bucket, func(b *bolt.Bucket) error {
		v := b.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	return value, err
}

// Set stores value under key.
func (s *Storage) Set(bucket, key string, value []byte) error {
	return s.update(bucket, func(b *bolt.Bucket) error {
		return b.Put([]byte(key), value)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Storage) Delete(bucket, key string) error {
	return s.update(bucket, func(b *bolt.Bucket) error {
		return b.Delete([]byte(key))
	})
}

// GetJSON decodes the value under key into v.
func (s *Storage) GetJSON(bucket, key string, v interface{}) error {
	data, err := s.Get(bucket, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SetJSON stores v encoded as JSON.
func (s *Storage) SetJSON(bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return s.Set(bucket, key, data)
}

// ForEach calls fn for every entry of bucket in key order. The slices are
// only valid during the call.
func (s *Storage) ForEach(bucket string, fn func(k, v []byte) error) error {
	return s.view(bucket, func(b *bolt.Bucket) error {
		return b.ForEach(fn)
	})
}

// DeleteOlderThan removes entries whose JSON "timestamp" field is older
// than maxAge. Entries without a timestamp are kept.
func (s *Storage) DeleteOlderThan(bucket string, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	err := s.update(bucket, func(b *bolt.Bucket) error {
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if err := json.Unmarshal(v, &entry); err == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		// Deleting while iterating skips keys in bbolt.
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(stale)
		return nil
	})
	return deleted, err
}

// Count returns the number of entries in a bucket
func (s *Storage) Count(bucket string) (int, error) {
	var count int
	err := s.view(bucket, func(b *bolt.Bucket) error {
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}
