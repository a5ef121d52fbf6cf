package replika

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/replika/clock"
	"github.com/drpcorg/replika/store"
)

func TestClockMerger(t *testing.T) {
	db, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	key := append([]byte{ClockBin}, clockKey...)
	require.NoError(t, db.Merge(key, clock.Clock{1: 3, 2: 1}.TLV(), nil))
	require.NoError(t, db.Merge(key, clock.Clock{1: 2, 3: 5}.TLV(), nil))

	val, clo, err := db.Get(key)
	require.NoError(t, err)
	defer clo.Close()
	c, err := clock.FromTLV(val)
	require.NoError(t, err)
	assert.True(t, c.Equal(clock.Clock{1: 3, 2: 1, 3: 5}))
}

func TestPebbleBackedReplica(t *testing.T) {
	ctx := context.Background()
	db, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	content, err := store.NewPebbleContent(db)
	require.NoError(t, err)

	r, err := NewReplica(ctx, Options{
		Src:     1,
		Name:    "durable",
		Keyed:   store.NewPebbleKeyed(db),
		Content: content,
	})
	require.NoError(t, err)

	_, err = r.LocalUpdate(ctx, Update{Key: "k", Value: []byte("stored\n")})
	require.NoError(t, err)

	// a new replica over the same db picks up where the old one left off
	r2, err := NewReplica(ctx, Options{
		Src:     1,
		Name:    "durable",
		Keyed:   store.NewPebbleKeyed(db),
		Content: content,
	})
	require.NoError(t, err)
	v, ok, err := r2.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("stored\n"), v.Data)
	assert.Equal(t, uint64(1), r2.Clock().Get(1))
}
