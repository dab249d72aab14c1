package storage

import (
	bolt "go.etcd.io/bbolt"
)

// Bucket names
const (
	BucketConfig           = "config"
	BucketTerminalSessions = "terminal_sessions"
)

// AllBuckets returns all bucket names
var AllBuckets = []string{
	BucketConfig,
	BucketTerminalSessions,
}

// initBuckets creates all required buckets
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range AllBuckets {
			_, err := tx.CreateBucketIfNotExists([]byte(bucket))
			if err != nil {
				return err
			}
		}
		return nil
	})
}
