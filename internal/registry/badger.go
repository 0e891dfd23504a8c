package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

var (
	prefixFile  = []byte("f/")
	prefixIndex = []byte("i/")
	keySequence = []byte("seq")
)

// BadgerStore is a persistent Store on badger. Records live under "f/" keyed
// by a big-endian sequence; "i/" maps the record pair to that key.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence

	// Guards the read-check-write in Insert against concurrent callers that
	// bypass Registry.
	mu sync.Mutex
}

func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence(keySequence, 64)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func indexKey(rec Record) []byte {
	return append(append([]byte(nil), prefixIndex...), rec.key()...)
}

func (s *BadgerStore) Insert(rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ik := indexKey(rec)
	exists := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(ik)
		if err == nil {
			exists = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("registry: badger insert: %w", err)
	}
	if exists {
		return false, nil
	}

	n, err := s.seq.Next()
	if err != nil {
		return false, fmt.Errorf("registry: badger sequence: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	fk := append(append([]byte(nil), prefixFile...), seqKey(n)...)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(fk, data); err != nil {
			return err
		}
		return txn.Set(ik, fk)
	})
	if err != nil {
		return false, fmt.Errorf("registry: badger insert: %w", err)
	}
	return true, nil
}

func (s *BadgerStore) Delete(rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	ik := indexKey(rec)
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(ik)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		fk, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(fk); err != nil {
			return err
		}
		removed = true
		return txn.Delete(ik)
	})
	if err != nil {
		return false, fmt.Errorf("registry: badger delete: %w", err)
	}
	return removed, nil
}

func (s *BadgerStore) List(owner string) ([]Record, error) {
	out := []Record{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixFile
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec Record
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			})
			if err != nil {
				return err
			}
			if owner == "" || rec.Owner == owner {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry: badger list: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DropPrefix(prefixFile, prefixIndex); err != nil {
		return fmt.Errorf("registry: badger clear: %w", err)
	}
	return nil
}
