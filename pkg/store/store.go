package store

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"suchak/pkg/logger"
)

// Store is the authoritative, append-mostly record of committed messages and
// conversation metadata, backed by a Pebble database. Construct with Open;
// every Store owns its own DB handle so multiple engines can coexist in one
// process (tests included).
type Store struct {
	db   *pebble.DB
	path string

	// locks serializes all mutations for a given conversation. Sequence
	// assignment must go through exactly one mutation point per
	// conversation; read-then-write without this lock is a bug.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_store", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("store_open_failed", "path", path, "err", err)
		return nil, err
	}
	return &Store{db: db, path: path, locks: make(map[string]*sync.Mutex)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("store_closed", "path", s.path)
	return err
}

// Ready reports whether the store is opened and usable.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

// Path returns the database directory.
func (s *Store) Path() string { return s.path }

func (s *Store) convLock(convID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[convID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[convID] = l
	}
	return l
}

// WithConversationLock runs fn while holding the conversation's writer lock.
// Used by collaborators (delivery tracker) that need read-modify-write
// atomicity against concurrent appends in the same conversation.
func (s *Store) WithConversationLock(convID string, fn func() error) error {
	l := s.convLock(convID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// --- raw helpers -----------------------------------------------------------

var errNotOpen = fmt.Errorf("store not opened; call store.Open first")

// GetKey returns the raw value for the given key.
func (s *Store) GetKey(key string) ([]byte, error) {
	if s.db == nil {
		return nil, errNotOpen
	}
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	return out, nil
}

// SaveKey stores an arbitrary key/value pair. Callers must use a safe
// namespace prefix (e.g. "delivery:", "outbox:").
func (s *Store) SaveKey(key string, value []byte) error {
	if s.db == nil {
		return errNotOpen
	}
	return s.db.Set([]byte(key), value, pebble.Sync)
}

// DeleteKey removes a raw key.
func (s *Store) DeleteKey(key string) error {
	if s.db == nil {
		return errNotOpen
	}
	return s.db.Delete([]byte(key), pebble.Sync)
}

// ScanPrefix iterates keys with the given prefix in lexicographic order and
// calls fn for each. fn returning false stops the scan early.
func (s *Store) ScanPrefix(prefix string, fn func(key string, val []byte) (bool, error)) error {
	if s.db == nil {
		return errNotOpen
	}
	pfx := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: pfx,
		UpperBound: prefixUpperBound(pfx),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		v := append([]byte(nil), iter.Value()...)
		cont, ferr := fn(string(iter.Key()), v)
		if ferr != nil {
			return ferr
		}
		if !cont {
			break
		}
	}
	return iter.Error()
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for bounded iteration.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff; no upper bound
}
