package replika

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(a, b *Replica) {
	a.AddPeer(b.Name(), Loopback{Peer: b})
	b.AddPeer(a.Name(), Loopback{Peer: a})
}

func applied(changes ChangeLog) (n int) {
	for _, c := range changes {
		if c.Kind == ChangeApplied || c.Kind == ChangeMerged {
			n++
		}
	}
	return
}

func TestSyncUnknownPeer(t *testing.T) {
	a := testReplica(t, 1, "a")
	_, err := a.Sync(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestSyncConverges(t *testing.T) {
	ctx := context.Background()
	a := testReplica(t, 1, "a")
	b := testReplica(t, 2, "b")
	connect(a, b)

	_, err := a.LocalUpdate(ctx, Update{Key: "x", Value: []byte("from a\n")})
	require.NoError(t, err)
	_, err = b.LocalUpdate(ctx, Update{Key: "y", Value: []byte("from b\n")})
	require.NoError(t, err)

	changes, err := a.Sync(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, applied(changes)) // a learned y; b learned x on its side

	sa, err := a.State(ctx)
	require.NoError(t, err)
	sb, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, sa.Values, sb.Values)
	assert.True(t, sa.Clock.Equal(sb.Clock))
	assert.Equal(t, []byte("from a\n"), sb.Values["x"].Data)
	assert.Equal(t, []byte("from b\n"), sa.Values["y"].Data)
}

func TestSyncIdempotent(t *testing.T) {
	ctx := context.Background()
	a := testReplica(t, 1, "a")
	b := testReplica(t, 2, "b")
	connect(a, b)

	_, err := a.LocalUpdate(ctx, Update{Key: "x", Value: []byte("v\n")})
	require.NoError(t, err)

	_, err = a.Sync(ctx, "b")
	require.NoError(t, err)
	changes, err := a.Sync(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 0, applied(changes))

	sa, err := a.State(ctx)
	require.NoError(t, err)
	sb, err := b.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, sa.Values, sb.Values)
}

func TestSyncRelaysThirdPartyOps(t *testing.T) {
	ctx := context.Background()
	a := testReplica(t, 1, "a")
	b := testReplica(t, 2, "b")
	c := testReplica(t, 3, "c")
	connect(a, b)
	connect(b, c)

	_, err := a.LocalUpdate(ctx, Update{Key: "k", Value: []byte("origin a\n")})
	require.NoError(t, err)

	// a's op reaches c through b, never syncing a and c directly
	_, err = a.Sync(ctx, "b")
	require.NoError(t, err)
	_, err = b.Sync(ctx, "c")
	require.NoError(t, err)

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("origin a\n"), v.Data)
	assert.Equal(t, uint64(1), c.Clock().Get(1))
}

func TestSyncMergesConcurrentEdits(t *testing.T) {
	ctx := context.Background()
	a := testReplica(t, 1, "a")
	b := testReplica(t, 2, "b")
	connect(a, b)

	_, err := a.LocalUpdate(ctx, Update{Key: "doc", Value: []byte("one\ntwo\nthree\n")})
	require.NoError(t, err)
	_, err = a.Sync(ctx, "b")
	require.NoError(t, err)

	_, err = a.LocalUpdate(ctx, Update{Key: "doc", Value: []byte("ONE\ntwo\nthree\n")})
	require.NoError(t, err)
	_, err = b.LocalUpdate(ctx, Update{Key: "doc", Value: []byte("one\ntwo\nTHREE\n")})
	require.NoError(t, err)

	_, err = a.Sync(ctx, "b")
	require.NoError(t, err)

	want := []byte("ONE\ntwo\nTHREE\n")
	va, _, err := a.Get(ctx, "doc")
	require.NoError(t, err)
	vb, _, err := b.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, want, va.Data)
	assert.Equal(t, want, vb.Data)
}

func TestSyncParksConflictBothSides(t *testing.T) {
	ctx := context.Background()
	a := testReplica(t, 1, "a")
	b := testReplica(t, 2, "b")
	connect(a, b)

	_, err := a.LocalUpdate(ctx, Update{Key: "k", Value: []byte("base\n")})
	require.NoError(t, err)
	_, err = a.Sync(ctx, "b")
	require.NoError(t, err)

	_, err = a.LocalUpdate(ctx, Update{Key: "k", Value: []byte("from a\n")})
	require.NoError(t, err)
	_, err = b.LocalUpdate(ctx, Update{Key: "k", Value: []byte("from b\n")})
	require.NoError(t, err)

	_, err = a.Sync(ctx, "b")
	require.NoError(t, err)

	// both sides hold their own version until a human decides
	va, _, err := a.Get(ctx, "k")
	require.NoError(t, err)
	vb, _, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("from a\n"), va.Data)
	assert.Equal(t, []byte("from b\n"), vb.Data)
	require.Len(t, a.PendingConflicts(), 1)
	require.Len(t, b.PendingConflicts(), 1)

	// one side decides, the decision wins everywhere
	_, err = a.ResolveConflict(ctx, "k", []byte("decided\n"))
	require.NoError(t, err)
	_, err = a.Sync(ctx, "b")
	require.NoError(t, err)

	vb, _, err = b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("decided\n"), vb.Data)
	assert.Empty(t, a.PendingConflicts())
	assert.Empty(t, b.PendingConflicts())
}
