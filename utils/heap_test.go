package utils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeapPopSorted(t *testing.T) {
	h := Heap[uint64]{}
	for i := uint64(0); i < 64; i++ {
		h.Push(i ^ 17)
	}
	for i := uint64(0); i < 64; i++ {
		assert.Equal(t, i, h.Pop())
	}
	assert.Equal(t, 0, h.Len())
}

func TestHeapStringKeys(t *testing.T) {
	// park-id style keys: string order must come out (src, seq) sorted
	h := Heap[string]{}
	for _, pair := range [][2]int{{2, 1}, {1, 9}, {1, 2}, {3, 1}, {1, 10}} {
		h.Push(fmt.Sprintf("%08d%08d", pair[0], pair[1]))
	}
	want := []string{
		"0000000100000002",
		"0000000100000009",
		"0000000100000010",
		"0000000200000001",
		"0000000300000001",
	}
	for _, w := range want {
		assert.Equal(t, w, h.Pop())
	}
}

func TestHeapDuplicates(t *testing.T) {
	h := Heap[uint64]{}
	h.Push(3)
	h.Push(3)
	h.Push(1)
	assert.Equal(t, uint64(1), h.Pop())
	assert.Equal(t, uint64(3), h.Pop())
	assert.Equal(t, uint64(3), h.Pop())
}
