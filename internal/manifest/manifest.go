// Package manifest keeps a local ledger of completed rootfs builds so that
// artifacts, key files, and sizes can be listed later without re-inspecting
// the filesystem.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var buildsBucket = []byte("builds")

// Record is one completed build.
type Record struct {
	Image        string    `json:"image"`
	Output       string    `json:"output"`
	PrivateKey   string    `json:"private_key,omitempty"`
	Guest        string    `json:"guest,omitempty"`
	ContentBytes uint64    `json:"content_bytes"`
	TotalBytes   uint64    `json:"total_bytes"`
	Warnings     int       `json:"warnings,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the bolt-backed build ledger.
type Store struct {
	db *bolt.DB
}

// DefaultPath returns the per-user ledger location.
func DefaultPath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve cache directory: %w", err)
	}
	return filepath.Join(dir, "firecracker-helpers", "builds.db"), nil
}

// Open opens (creating if needed) the ledger at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open build ledger: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(buildsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize build ledger: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records one build. Records are keyed by creation time so listing
// returns them in build order.
func (s *Store) Append(rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode build record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(buildsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := []byte(fmt.Sprintf("%s-%08d", rec.CreatedAt.UTC().Format(time.RFC3339Nano), seq))
		return b.Put(key, data)
	})
}

// List returns every recorded build in insertion order.
func (s *Store) List() ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(buildsBucket).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode build record: %w", err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
