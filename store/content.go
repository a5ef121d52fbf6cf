// Package store holds the two persistence collaborators the sync core
// talks to: a content-addressed blob store and a keyed bin store. Both
// come in a pebble-backed flavor and an in-memory one for tests.
package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

var ErrNotFound = errors.New("store: not found")

// Ref is an opaque content address. The core never inspects its
// structure; it only round-trips refs through a ContentStore.
type Ref uint64

const ZeroRef = Ref(0)

func RefOf(blob []byte) Ref {
	return Ref(xxhash.Sum64(blob))
}

func (r Ref) String() string {
	return fmt.Sprintf("%016x", uint64(r))
}

func (r Ref) Bytes() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(r))
	return b[:]
}

func RefFromBytes(b []byte) Ref {
	if len(b) != 8 {
		return ZeroRef
	}
	return Ref(binary.BigEndian.Uint64(b))
}

// ContentStore is content-addressed blob storage. Blobs are immutable;
// Put of the same bytes always yields the same ref.
type ContentStore interface {
	Put(ctx context.Context, blob []byte) (Ref, error)
	Get(ctx context.Context, ref Ref) ([]byte, error)
	Has(ctx context.Context, ref Ref) (bool, error)
}

const contentBin = 'C'

// PebbleContent stores blobs under the 'C' bin of a pebble db, with an
// LRU read cache in front.
type PebbleContent struct {
	db    *pebble.DB
	cache *lru.Cache[Ref, []byte]
}

const contentCacheSize = 1024

func NewPebbleContent(db *pebble.DB) (*PebbleContent, error) {
	cache, err := lru.New[Ref, []byte](contentCacheSize)
	if err != nil {
		return nil, err
	}
	return &PebbleContent{db: db, cache: cache}, nil
}

func contentKey(ref Ref) []byte {
	return append([]byte{contentBin}, ref.Bytes()...)
}

func (s *PebbleContent) Put(ctx context.Context, blob []byte) (Ref, error) {
	ref := RefOf(blob)
	if _, ok := s.cache.Get(ref); ok {
		return ref, nil
	}
	err := s.db.Set(contentKey(ref), blob, pebble.Sync)
	if err != nil {
		return ZeroRef, pkgerrors.Wrap(err, "content put")
	}
	stored := make([]byte, len(blob))
	copy(stored, blob)
	s.cache.Add(ref, stored)
	return ref, nil
}

func (s *PebbleContent) Get(ctx context.Context, ref Ref) ([]byte, error) {
	if blob, ok := s.cache.Get(ref); ok {
		return blob, nil
	}
	val, clo, err := s.db.Get(contentKey(ref))
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "content get")
	}
	blob := make([]byte, len(val))
	copy(blob, val)
	_ = clo.Close()
	s.cache.Add(ref, blob)
	return blob, nil
}

func (s *PebbleContent) Has(ctx context.Context, ref Ref) (bool, error) {
	if _, ok := s.cache.Get(ref); ok {
		return true, nil
	}
	_, clo, err := s.db.Get(contentKey(ref))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, pkgerrors.Wrap(err, "content has")
	}
	_ = clo.Close()
	return true, nil
}

// MemContent is the in-memory ContentStore used in tests and the REPL.
type MemContent struct {
	blobs *xsync.MapOf[Ref, []byte]
}

func NewMemContent() *MemContent {
	return &MemContent{blobs: xsync.NewMapOf[Ref, []byte]()}
}

func (s *MemContent) Put(ctx context.Context, blob []byte) (Ref, error) {
	ref := RefOf(blob)
	stored := make([]byte, len(blob))
	copy(stored, blob)
	s.blobs.Store(ref, stored)
	return ref, nil
}

func (s *MemContent) Get(ctx context.Context, ref Ref) ([]byte, error) {
	blob, ok := s.blobs.Load(ref)
	if !ok {
		return nil, ErrNotFound
	}
	return blob, nil
}

func (s *MemContent) Has(ctx context.Context, ref Ref) (bool, error) {
	_, ok := s.blobs.Load(ref)
	return ok, nil
}
