package replika

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/replika/clock"
	"github.com/drpcorg/replika/store"
)

func testReplica(t *testing.T, src uint64, name string) *Replica {
	r, err := NewReplica(context.Background(), Options{Src: src, Name: name})
	require.NoError(t, err)
	return r
}

func TestNewReplicaBadSrc(t *testing.T) {
	_, err := NewReplica(context.Background(), Options{Src: 0})
	assert.ErrorIs(t, err, clock.ErrBadSrc)
	_, err = NewReplica(context.Background(), Options{Src: clock.MaxSrc + 1})
	assert.ErrorIs(t, err, clock.ErrBadSrc)
}

func TestLocalUpdate(t *testing.T) {
	ctx := context.Background()
	r := testReplica(t, 1, "a")

	snap, err := r.LocalUpdate(ctx, Update{Key: "doc", Value: []byte("hello\n")})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), snap.Values["doc"].Data)
	assert.Equal(t, "text", snap.Values["doc"].ContentType)
	assert.Equal(t, uint64(1), snap.Clock.Get(1))

	snap, err = r.LocalUpdate(ctx, Update{Key: "doc", Value: []byte("hello world\n")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Clock.Get(1))

	v, ok, err := r.Get(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello world\n"), v.Data)

	_, ok, err = r.Get(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpTLVRoundtrip(t *testing.T) {
	op := Op{
		Src:         3,
		Seq:         7,
		Key:         "notes",
		ContentType: "text",
		Base:        store.RefOf([]byte("base")),
		Value:       []byte("v7 of notes\n"),
		Clock:       clock.Clock{1: 2, 3: 7},
	}
	back, err := ParseOp(op.TLV())
	require.NoError(t, err)
	assert.Equal(t, op, back)

	_, err = ParseOp([]byte("garbage"))
	assert.ErrorIs(t, err, ErrBadOPacket)
}

func TestReceiveRemoteOrder(t *testing.T) {
	ctx := context.Background()
	a := testReplica(t, 1, "a")
	b := testReplica(t, 2, "b")

	_, err := a.LocalUpdate(ctx, Update{Key: "k", Value: []byte("one\n")})
	require.NoError(t, err)
	_, err = a.LocalUpdate(ctx, Update{Key: "k", Value: []byte("two\n")})
	require.NoError(t, err)

	ops, err := a.OpsSince(ctx, clock.New())
	require.NoError(t, err)
	require.Len(t, ops, 2)

	// the later op arrives first and parks on the gap
	changes, err := b.ReceiveRemote(ctx, ops[1])
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeParked, changes[0].Kind)

	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// the gap closes, both ops apply
	changes, err = b.ReceiveRemote(ctx, ops[0])
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, ChangeApplied, changes[0].Kind)
	assert.Equal(t, ChangeApplied, changes[1].Kind)

	v, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("two\n"), v.Data)
	assert.Equal(t, uint64(2), b.Clock().Get(1))

	// a replay is discarded
	changes, err = b.ReceiveRemote(ctx, ops[0])
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeDiscarded, changes[0].Kind)
}

func TestReceiveRemoteBadSrc(t *testing.T) {
	b := testReplica(t, 2, "b")
	_, err := b.ReceiveRemote(context.Background(), Op{Src: 0, Seq: 1, Key: "k"})
	assert.ErrorIs(t, err, clock.ErrBadSrc)
}

func TestConcurrentDisjointEditsMerge(t *testing.T) {
	ctx := context.Background()
	a := testReplica(t, 1, "a")
	b := testReplica(t, 2, "b")

	_, err := a.LocalUpdate(ctx, Update{Key: "doc", Value: []byte("a\nb\nc\n")})
	require.NoError(t, err)
	ops, err := a.OpsSince(ctx, clock.New())
	require.NoError(t, err)
	_, err = b.ReceiveRemote(ctx, ops[0])
	require.NoError(t, err)

	// concurrent edits to different lines
	_, err = a.LocalUpdate(ctx, Update{Key: "doc", Value: []byte("A\nb\nc\n")})
	require.NoError(t, err)
	_, err = b.LocalUpdate(ctx, Update{Key: "doc", Value: []byte("a\nb\nC\n")})
	require.NoError(t, err)

	ops, err = a.OpsSince(ctx, b.Clock())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	changes, err := b.ReceiveRemote(ctx, ops[0])
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeMerged, changes[0].Kind)

	v, _, err := b.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []byte("A\nb\nC\n"), v.Data)
	assert.Empty(t, b.PendingConflicts())
}

func TestConcurrentSetUpdatesAddWins(t *testing.T) {
	ctx := context.Background()
	a := testReplica(t, 1, "a")
	b := testReplica(t, 2, "b")

	_, err := a.LocalUpdate(ctx, Update{Key: "tags", ContentType: "set", Value: []byte("a\nb\n")})
	require.NoError(t, err)
	ops, err := a.OpsSince(ctx, clock.New())
	require.NoError(t, err)
	_, err = b.ReceiveRemote(ctx, ops[0])
	require.NoError(t, err)

	_, err = a.LocalUpdate(ctx, Update{Key: "tags", ContentType: "set", Value: []byte("a\nb\nc\n")})
	require.NoError(t, err)
	_, err = b.LocalUpdate(ctx, Update{Key: "tags", ContentType: "set", Value: []byte("a\nb\nd\n")})
	require.NoError(t, err)

	ops, err = a.OpsSince(ctx, b.Clock())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	changes, err := b.ReceiveRemote(ctx, ops[0])
	require.NoError(t, err)
	assert.Equal(t, ChangeMerged, changes[0].Kind)

	v, _, err := b.Get(ctx, "tags")
	require.NoError(t, err)
	assert.Equal(t, []byte("a\nb\nc\nd\n"), v.Data)
	assert.Empty(t, b.PendingConflicts())
}

func TestConflictRequiresHuman(t *testing.T) {
	ctx := context.Background()
	a := testReplica(t, 1, "a")
	b := testReplica(t, 2, "b")

	_, err := a.LocalUpdate(ctx, Update{Key: "k", Value: []byte("start\n")})
	require.NoError(t, err)
	ops, err := a.OpsSince(ctx, clock.New())
	require.NoError(t, err)
	_, err = b.ReceiveRemote(ctx, ops[0])
	require.NoError(t, err)

	// overlapping edits of the same line
	_, err = a.LocalUpdate(ctx, Update{Key: "k", Value: []byte("left\n")})
	require.NoError(t, err)
	_, err = b.LocalUpdate(ctx, Update{Key: "k", Value: []byte("right\n")})
	require.NoError(t, err)

	ops, err = a.OpsSince(ctx, b.Clock())
	require.NoError(t, err)
	changes, err := b.ReceiveRemote(ctx, ops[0])
	require.NoError(t, err)
	assert.Equal(t, ChangeConflict, changes[0].Kind)
	assert.NotEmpty(t, changes[0].ConflictID)

	// the local version stays until somebody decides
	v, _, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("right\n"), v.Data)

	pending := b.PendingConflicts()
	require.Len(t, pending, 1)
	assert.Equal(t, "k", pending[0].Key)
	assert.Len(t, pending[0].Options, 3) // both versions plus the base

	_, err = b.ResolveConflict(ctx, "nope", []byte("x"))
	assert.ErrorIs(t, err, ErrNoPendingConflict)

	snap, err := b.ResolveConflict(ctx, "k", []byte("settled\n"))
	require.NoError(t, err)
	assert.Equal(t, []byte("settled\n"), snap.Values["k"].Data)
	assert.Empty(t, b.PendingConflicts())

	// the decision dominates both branches and overwrites at the peer
	ops, err = b.OpsSince(ctx, a.Clock())
	require.NoError(t, err)
	for _, op := range ops {
		_, err = a.ReceiveRemote(ctx, op)
		require.NoError(t, err)
	}
	v, _, err = a.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("settled\n"), v.Data)
	assert.Empty(t, a.PendingConflicts())
}

func TestFork(t *testing.T) {
	ctx := context.Background()
	a := testReplica(t, 1, "a")
	_, err := a.LocalUpdate(ctx, Update{Key: "k", Value: []byte("v\n")})
	require.NoError(t, err)

	f, err := a.Fork(ctx, 2, store.NewMemKeyed())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.Source())

	snap, err := f.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("v\n"), snap.Values["k"].Data)
	assert.True(t, snap.Clock.Equal(a.Clock()))

	// the fork diverges without touching the original
	_, err = f.LocalUpdate(ctx, Update{Key: "k", Value: []byte("forked\n")})
	require.NoError(t, err)
	v, _, err := a.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v\n"), v.Data)

	_, err = a.Fork(ctx, 0, store.NewMemKeyed())
	assert.ErrorIs(t, err, clock.ErrBadSrc)
}

// errContent fails every Get with a fixed error; Put and Has fall
// through to the in-memory store.
type errContent struct {
	*store.MemContent
	getErr error
}

func (s *errContent) Get(ctx context.Context, ref store.Ref) ([]byte, error) {
	return nil, s.getErr
}

func divergedPair(t *testing.T, content store.ContentStore) (*Replica, *Replica) {
	ctx := context.Background()
	a := testReplica(t, 1, "a")
	b, err := NewReplica(ctx, Options{Src: 2, Name: "b", Content: content})
	require.NoError(t, err)

	_, err = a.LocalUpdate(ctx, Update{Key: "k", Value: []byte("a\nb\n")})
	require.NoError(t, err)
	ops, err := a.OpsSince(ctx, clock.New())
	require.NoError(t, err)
	_, err = b.ReceiveRemote(ctx, ops[0])
	require.NoError(t, err)

	// overlapping edits of the same line on both sides
	_, err = a.LocalUpdate(ctx, Update{Key: "k", Value: []byte("a\nB1\n")})
	require.NoError(t, err)
	_, err = b.LocalUpdate(ctx, Update{Key: "k", Value: []byte("a\nB2\n")})
	require.NoError(t, err)
	return a, b
}

func TestReceiveRemoteContentStoreError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("content store down")
	a, b := divergedPair(t, &errContent{store.NewMemContent(), boom})

	ops, err := a.OpsSince(ctx, b.Clock())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	_, err = b.ReceiveRemote(ctx, ops[0])
	assert.ErrorIs(t, err, boom)

	// nothing landed: local version, clock and pending set are intact
	v, _, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("a\nB2\n"), v.Data)
	assert.Equal(t, uint64(1), b.Clock().Get(1))
	assert.Empty(t, b.PendingConflicts())
}

func TestReceiveRemoteMissingBase(t *testing.T) {
	ctx := context.Background()
	a, b := divergedPair(t, &errContent{store.NewMemContent(), store.ErrNotFound})

	// an evicted base is not an error, just a conflict without context
	ops, err := a.OpsSince(ctx, b.Clock())
	require.NoError(t, err)
	changes, err := b.ReceiveRemote(ctx, ops[0])
	require.NoError(t, err)
	assert.Equal(t, ChangeConflict, changes[0].Kind)
	require.Len(t, b.PendingConflicts(), 1)
}

func TestParkedOpsFarApart(t *testing.T) {
	ctx := context.Background()
	b := testReplica(t, 2, "b")

	lo := Op{Src: 7, Seq: 5, Key: "k", ContentType: "text",
		Value: []byte("lo\n"), Clock: clock.Clock{7: 5}}
	hi := lo
	hi.Seq = lo.Seq + (1 << 32)
	hi.Value = []byte("hi\n")
	hi.Clock = clock.Clock{7: hi.Seq}

	changes, err := b.ReceiveRemote(ctx, lo)
	require.NoError(t, err)
	assert.Equal(t, ChangeParked, changes[0].Kind)
	changes, err = b.ReceiveRemote(ctx, hi)
	require.NoError(t, err)
	assert.Equal(t, ChangeParked, changes[0].Kind)

	// seqs 2^32 apart from one source are distinct parked entries
	assert.Equal(t, 2, b.Parked())
}

func TestDrainReportsFailedOp(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("content store down")
	a := testReplica(t, 1, "a")
	b, err := NewReplica(ctx, Options{
		Src: 2, Name: "b",
		Content: &errContent{store.NewMemContent(), boom},
	})
	require.NoError(t, err)

	_, err = a.LocalUpdate(ctx, Update{Key: "k", Value: []byte("base\n")})
	require.NoError(t, err)
	_, err = a.LocalUpdate(ctx, Update{Key: "k", Value: []byte("left\n")})
	require.NoError(t, err)
	_, err = b.LocalUpdate(ctx, Update{Key: "k", Value: []byte("right\n")})
	require.NoError(t, err)

	ops, err := a.OpsSince(ctx, clock.New())
	require.NoError(t, err)
	require.Len(t, ops, 2)

	// the later op parks on the gap; its replay will need a's base blob
	changes, err := b.ReceiveRemote(ctx, ops[1])
	require.NoError(t, err)
	assert.Equal(t, ChangeParked, changes[0].Kind)

	// the gap closes, the drain hits the broken store: the caller gets
	// the changes that did land plus the failure
	changes, err = b.ReceiveRemote(ctx, ops[0])
	assert.ErrorIs(t, err, boom)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeConflict, changes[0].Kind)
	assert.Equal(t, 0, b.Parked())

	v, _, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("right\n"), v.Data)
}
