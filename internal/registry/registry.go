// Package registry keeps the Repository's index of stored files.
//
// A record is the pair (filename, owner); the pair is unique. Each record is
// backed by one file under the storage root named "<owner>_<filename>".
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dbin-net/dbin/internal/protocol"
)

var (
	ErrNotFound  = errors.New("registry: record not found")
	ErrBadRecord = errors.New("registry: invalid record")
	ErrBackend   = errors.New("registry: unknown store backend")
)

// Record is one stored file.
type Record struct {
	Filename string `json:"filename"`
	Owner    string `json:"owner"`
}

func (r Record) key() []byte {
	return []byte(r.Owner + "\x00" + r.Filename)
}

func (r Record) valid() bool {
	return protocol.ValidFilename(r.Filename) && r.Owner != ""
}

// Store is a persistent or volatile record index. List returns records in
// insertion order; an empty owner lists every record.
type Store interface {
	Insert(Record) (bool, error)
	Delete(Record) (bool, error)
	List(owner string) ([]Record, error)
	Clear() error
	Close() error
}

// Store backends accepted by OpenStore.
const (
	BackendBolt   = "bolt"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// OpenStore opens the named backend with its files under dir.
func OpenStore(backend, dir string) (Store, error) {
	switch backend {
	case "", BackendBolt:
		return OpenBolt(dir)
	case BackendBadger:
		return OpenBadger(filepath.Join(dir, "badger"))
	case BackendMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrBackend, backend)
}

// Registry serializes access to a Store and owns the file storage root.
// The lock is held for exactly one operation.
type Registry struct {
	mu    sync.Mutex
	store Store
	root  string
}

// New wraps store, creating root if needed.
func New(store Store, root string) (*Registry, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create root: %w", err)
	}
	return &Registry{store: store, root: root}, nil
}

// Root returns the storage root directory.
func (r *Registry) Root() string { return r.root }

// Path returns where the file backing rec lives.
func (r *Registry) Path(rec Record) string {
	return filepath.Join(r.root, rec.Owner+"_"+rec.Filename)
}

// Insert adds rec. Inserting an existing pair is a no-op reporting false.
func (r *Registry) Insert(rec Record) (bool, error) {
	if !rec.valid() {
		return false, fmt.Errorf("%w: %q from %q", ErrBadRecord, rec.Filename, rec.Owner)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Insert(rec)
}

// List returns the records owned by owner.
func (r *Registry) List(owner string) ([]Record, error) {
	if owner == "" {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.List(owner)
}

// ListAll returns every record in storage order.
func (r *Registry) ListAll() ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.List("")
}

// Exists reports whether rec is indexed.
func (r *Registry) Exists(rec Record) (bool, error) {
	recs, err := r.List(rec.Owner)
	if err != nil {
		return false, err
	}
	for _, x := range recs {
		if x.Filename == rec.Filename {
			return true, nil
		}
	}
	return false, nil
}

// Delete removes rec from the index and leaves its file alone.
func (r *Registry) Delete(rec Record) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Delete(rec)
}

// Clear drops every record. Stored files are not touched.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Clear()
}

// Evict deletes rec and removes its backing file. It returns ErrNotFound if
// the record was not indexed; a file that is already gone is not an error.
func (r *Registry) Evict(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok, err := r.store.Delete(rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, rec.Owner, rec.Filename)
	}
	if err := os.Remove(r.Path(rec)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("registry: remove file: %w", err)
	}
	return nil
}

func (r *Registry) Close() error {
	return r.store.Close()
}
