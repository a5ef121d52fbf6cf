package store

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	pkgerrors "github.com/pkg/errors"
)

// KeyedStore is the opaque keyed persistence collaborator: values live
// in one-byte bins, each Get/Put is transactional on its own.
type KeyedStore interface {
	Get(ctx context.Context, bin byte, key []byte) ([]byte, error)
	Put(ctx context.Context, bin byte, key, value []byte) error
	// Scan visits the bin's keys in order until fn returns false.
	Scan(ctx context.Context, bin byte, fn func(key, value []byte) bool) error
}

// PebbleKeyed maps bins to single-byte key prefixes.
type PebbleKeyed struct {
	db *pebble.DB
}

func NewPebbleKeyed(db *pebble.DB) *PebbleKeyed {
	return &PebbleKeyed{db: db}
}

func (s *PebbleKeyed) DB() *pebble.DB {
	return s.db
}

func binKey(bin byte, key []byte) []byte {
	return append([]byte{bin}, key...)
}

func (s *PebbleKeyed) Get(ctx context.Context, bin byte, key []byte) ([]byte, error) {
	val, clo, err := s.db.Get(binKey(bin, key))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "keyed get %c", bin)
	}
	out := make([]byte, len(val))
	copy(out, val)
	_ = clo.Close()
	return out, nil
}

func (s *PebbleKeyed) Put(ctx context.Context, bin byte, key, value []byte) error {
	err := s.db.Set(binKey(bin, key), value, pebble.Sync)
	return pkgerrors.Wrapf(err, "keyed put %c", bin)
}

func (s *PebbleKeyed) Scan(ctx context.Context, bin byte, fn func(key, value []byte) bool) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{bin},
		UpperBound: []byte{bin + 1},
	})
	if err != nil {
		return pkgerrors.Wrapf(err, "keyed scan %c", bin)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		key := it.Key()[1:]
		if !fn(key, it.Value()) {
			break
		}
	}
	return it.Error()
}

// MemKeyed is the in-memory KeyedStore used in tests and the REPL.
type MemKeyed struct {
	lock sync.RWMutex
	bins map[byte]map[string][]byte
}

func NewMemKeyed() *MemKeyed {
	return &MemKeyed{bins: make(map[byte]map[string][]byte)}
}

func (s *MemKeyed) Get(ctx context.Context, bin byte, key []byte) ([]byte, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	val, ok := s.bins[bin][string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *MemKeyed) Put(ctx context.Context, bin byte, key, value []byte) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	m, ok := s.bins[bin]
	if !ok {
		m = make(map[string][]byte)
		s.bins[bin] = m
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m[string(key)] = stored
	return nil
}

func (s *MemKeyed) Scan(ctx context.Context, bin byte, fn func(key, value []byte) bool) error {
	s.lock.RLock()
	keys := make([]string, 0, len(s.bins[bin]))
	for k := range s.bins[bin] {
		keys = append(keys, k)
	}
	vals := make(map[string][]byte, len(keys))
	for k, v := range s.bins[bin] {
		vals[k] = v
	}
	s.lock.RUnlock()
	sort.Strings(keys)
	for _, k := range keys {
		if !fn([]byte(k), vals[k]) {
			break
		}
	}
	return nil
}
