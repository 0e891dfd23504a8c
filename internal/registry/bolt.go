package registry

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketFiles = []byte("files") // sequence -> record JSON
	bucketIndex = []byte("index") // owner\x00filename -> sequence
)

// BoltStore is the default persistent Store.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) registry.db inside dir.
func OpenBolt(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, "registry.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketFiles); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Insert(rec Record) (bool, error) {
	added := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIndex)
		if idx.Get(rec.key()) != nil {
			return nil
		}
		files := tx.Bucket(bucketFiles)
		seq, err := files.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		k := seqKey(seq)
		if err := files.Put(k, data); err != nil {
			return err
		}
		added = true
		return idx.Put(rec.key(), k)
	})
	if err != nil {
		return false, fmt.Errorf("registry: bolt insert: %w", err)
	}
	return added, nil
}

func (s *BoltStore) Delete(rec Record) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketIndex)
		k := idx.Get(rec.key())
		if k == nil {
			return nil
		}
		// k is only valid for the life of the transaction.
		if err := tx.Bucket(bucketFiles).Delete(append([]byte(nil), k...)); err != nil {
			return err
		}
		removed = true
		return idx.Delete(rec.key())
	})
	if err != nil {
		return false, fmt.Errorf("registry: bolt delete: %w", err)
	}
	return removed, nil
}

func (s *BoltStore) List(owner string) ([]Record, error) {
	out := []Record{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if owner == "" || rec.Owner == owner {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("registry: bolt list: %w", err)
	}
	return out, nil
}

// Clear drops and recreates both buckets.
func (s *BoltStore) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketFiles, bucketIndex} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("registry: bolt clear: %w", err)
	}
	return nil
}

// seqKey encodes a sequence big-endian so byte order is insertion order.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
