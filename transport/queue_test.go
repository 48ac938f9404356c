package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFifoQueueOrdering(t *testing.T) {
	t.Parallel()

	var q fifoQueue[int]
	q.PushBack(1)
	q.PushBack(2)
	q.PushFront(0)

	v, ok := q.PopFront()
	assert.True(t, ok)
	assert.Equal(t, 0, v)

	assert.Equal(t, 2, q.Len())
	assert.Equal(t, []int{1, 2}, q.PopUpToFront(10))
	assert.True(t, q.Empty())
}

func TestFifoQueuePopUpToFrontCapsAtRequestedCount(t *testing.T) {
	t.Parallel()

	var q fifoQueue[int]
	for i := 0; i < 5; i++ {
		q.PushBack(i)
	}
	got := q.PopUpToFront(3)
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Equal(t, 2, q.Len())
}

func TestKeyedMapStoreLoadDelete(t *testing.T) {
	t.Parallel()

	m := newKeyedMap[string, int]()
	m.Store("a", 1)
	m.Store("b", 2)

	v, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = m.Delete("a")
	assert.True(t, ok)
	_, ok = m.Load("a")
	assert.False(t, ok)

	assert.Equal(t, 1, m.Len())
	drained := m.DrainAll()
	assert.Equal(t, []int{2}, drained)
	assert.Equal(t, 0, m.Len())
}
