// Package store implements the durable record store: ciphertext records
// keyed by UUID with a secondary index by class label.
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/ryanwillie/mimirvaultd/internal/vaulterr"
)

var (
	bucketRecords = []byte("records")
	bucketByClass = []byte("records_by_class") // class -> set of record-id keys
)

// Record is one stored row: a ciphertext envelope plus unencrypted
// metadata.
type Record struct {
	ID         uuid.UUID `json:"id"`
	ClassLabel string    `json:"class_label"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
	Tags       []string  `json:"tags"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	KeyID      string    `json:"key_id"`
}

// Store is the bbolt-backed record store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the record store file at
// filepath.Join(dataDir, "vault.db").
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "vault.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, vaulterr.New(vaulterr.KindInitialization, "store.Open", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRecords, bucketByClass} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, vaulterr.New(vaulterr.KindInitialization, "store.Open", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// Put inserts or replaces a record (upsert), maintaining the class-label
// secondary index. If the record already existed under a different class
// label, the stale index entry is removed first.
func (s *Store) Put(r Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		byClass := tx.Bucket(bucketByClass)

		key := []byte(r.ID.String())
		if existing := records.Get(key); existing != nil {
			var prev Record
			if err := json.Unmarshal(existing, &prev); err == nil && prev.ClassLabel != r.ClassLabel {
				if err := removeFromClassIndex(byClass, prev.ClassLabel, r.ID); err != nil {
					return err
				}
			}
		}

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := records.Put(key, data); err != nil {
			return err
		}
		return addToClassIndex(byClass, r.ClassLabel, r.ID)
	})
}

// Get fetches a record by id.
func (s *Store) Get(id uuid.UUID) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRecords).Get([]byte(id.String()))
		if data == nil {
			return vaulterr.New(vaulterr.KindNotFound, "Store.Get", nil)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// Delete removes a record and its class-index entry.
func (s *Store) Delete(id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		byClass := tx.Bucket(bucketByClass)

		data := records.Get([]byte(id.String()))
		if data == nil {
			return nil // idempotent
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if err := records.Delete([]byte(id.String())); err != nil {
			return err
		}
		return removeFromClassIndex(byClass, rec.ClassLabel, id)
	})
}

// ListByClass returns every record whose class label matches.
func (s *Store) ListByClass(label string) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		byClass := tx.Bucket(bucketByClass)
		classBucket := byClass.Bucket([]byte(label))
		if classBucket == nil {
			return nil
		}
		return classBucket.ForEach(func(k, _ []byte) error {
			data := records.Get(k)
			if data == nil {
				return nil // stale index entry, tolerated
			}
			var rec Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// ListRecent returns up to limit records ordered by created_at descending.
// If source is non-empty, only records carrying a "source:<source>" tag are
// considered.
func (s *Store) ListRecent(source string, limit int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if source != "" && !hasTag(rec.Tags, "source:"+source) {
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Clear removes every record and index entry.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketRecords); err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketByClass); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketRecords); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketByClass)
		return err
	})
}

// Count returns the total number of records.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// AllIDs returns every record id currently stored, used by the coordinator
// to reconcile against the index's id map on startup.
func (s *Store) AllIDs() ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, _ []byte) error {
			id, err := uuid.Parse(string(k))
			if err != nil {
				return err
			}
			ids = append(ids, id)
			return nil
		})
	})
	return ids, err
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func addToClassIndex(byClass *bolt.Bucket, label string, id uuid.UUID) error {
	classBucket, err := byClass.CreateBucketIfNotExists([]byte(label))
	if err != nil {
		return err
	}
	return classBucket.Put([]byte(id.String()), []byte{1})
}

func removeFromClassIndex(byClass *bolt.Bucket, label string, id uuid.UUID) error {
	classBucket := byClass.Bucket([]byte(label))
	if classBucket == nil {
		return nil
	}
	return classBucket.Delete([]byte(id.String()))
}
