package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/emojirelay/backend/internal/models"
)

var partitionsBucket = []byte("partitions")

// BoltStore keeps partitions as JSON values in a bbolt database keyed by day.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, createErr := tx.CreateBucketIfNotExists(partitionsBucket)
		return createErr
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Load(_ context.Context, date string) ([]models.ShareEntry, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(partitionsBucket).Get([]byte(date)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return nil, err
	}

	var entries []models.ShareEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptPartition, date, err)
	}
	return entries, nil
}

func (s *BoltStore) Save(_ context.Context, date string, entries []models.ShareEntry) error {
	if entries == nil {
		entries = []models.ShareEntry{}
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		return tx.Bucket(partitionsBucket).Put([]byte(date), data)
	})
}

func (s *BoltStore) Dates(_ context.Context) ([]string, error) {
	var dates []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(partitionsBucket).ForEach(func(k, _ []byte) error {
			dates = append(dates, string(k))
			return nil
		})
	})
	return dates, err
}

func (s *BoltStore) Delete(_ context.Context, date string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(partitionsBucket).Delete([]byte(date))
	})
}
