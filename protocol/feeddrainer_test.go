package protocol

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := NewPipe()
	ctx := context.Background()

	err := a.Drain(ctx, Records{Record('M', []byte("hello"))})
	assert.Nil(t, err)
	recs, err := b.Feed(ctx)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(recs))
	body, _ := Take('M', recs[0])
	assert.Equal(t, "hello", string(body))

	err = b.Drain(ctx, Records{Record('M', []byte("olleh"))})
	assert.Nil(t, err)
	recs, err = a.Feed(ctx)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(recs))

	_ = a.Close()
	_, err = b.Feed(ctx)
	assert.Equal(t, io.EOF, err)
	err = b.Drain(ctx, Records{Record('M', nil)})
	assert.Equal(t, ErrPipeClosed, err)
}

func TestPipeFeedBlocksUntilDrain(t *testing.T) {
	a, b := NewPipe()
	ctx := context.Background()
	go func() {
		_ = a.Drain(ctx, Records{Record('O', []byte("op"))})
	}()
	recs, err := b.Feed(ctx)
	assert.Nil(t, err)
	assert.Equal(t, int64(len(Record('O', []byte("op")))), recs.TotalLen())
}
