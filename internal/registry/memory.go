package registry

import (
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

// MemoryStore is a volatile Store. The linked map keeps insertion order.
type MemoryStore struct {
	mu   sync.Mutex
	recs *linkedhashmap.Map
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: linkedhashmap.New()}
}

func (s *MemoryStore) Insert(rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(rec.key())
	if _, found := s.recs.Get(k); found {
		return false, nil
	}
	s.recs.Put(k, rec)
	return true, nil
}

func (s *MemoryStore) Delete(rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := string(rec.key())
	if _, found := s.recs.Get(k); !found {
		return false, nil
	}
	s.recs.Remove(k)
	return true, nil
}

func (s *MemoryStore) List(owner string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []Record{}
	for _, v := range s.recs.Values() {
		rec := v.(Record)
		if owner == "" || rec.Owner == owner {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	s.recs.Clear()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
