package collab

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestChangeQueue(t *testing.T) {
	queue := newChangeQueue()

	assert.Equal(t, 0, queue.QueueSize())
	assert.Equal(t, queue.RemoveFirst(), nil)
	assert.Equal(t, queue.PeekFirst(), nil)
	assert.Equal(t, queue.PeekLast(), nil)

	n := 100

	items := []*changeItem{}
	sequenceNumberChangeIds := map[uint64]Id{}
	for i := 0; i < n; i += 1 {
		item := &changeItem{
			change: &PendingChange{
				ChangeId: NewId(),
			},
			sequenceNumber: uint64(i),
		}
		items = append(items, item)
		sequenceNumberChangeIds[item.sequenceNumber] = item.change.ChangeId
	}

	mathrand.Shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})
	for _, item := range items {
		queue.Add(item)
	}
	assert.Equal(t, n, queue.QueueSize())

	for sequenceNumber, changeId := range sequenceNumberChangeIds {
		item := queue.GetByChangeId(changeId)
		assert.NotEqual(t, item, nil)
		assert.Equal(t, sequenceNumber, item.sequenceNumber)
	}
	assert.Equal(t, queue.GetByChangeId(NewId()), nil)

	// first and last track min and max sequence number
	assert.Equal(t, uint64(0), queue.PeekFirst().sequenceNumber)
	assert.Equal(t, uint64(n-1), queue.PeekLast().sequenceNumber)

	// remove one from the middle by change id
	removed := queue.RemoveByChangeId(sequenceNumberChangeIds[uint64(n/2)])
	assert.NotEqual(t, removed, nil)
	assert.Equal(t, queue.RemoveByChangeId(removed.change.ChangeId), nil)
	assert.Equal(t, n-1, queue.QueueSize())

	// remove first drains in sequence order
	previous := uint64(0)
	for i := 0; i < n-1; i += 1 {
		item := queue.RemoveFirst()
		assert.NotEqual(t, item, nil)
		if 0 < i {
			assert.Equal(t, previous < item.sequenceNumber, true)
		}
		previous = item.sequenceNumber
	}
	assert.Equal(t, 0, queue.QueueSize())
	assert.Equal(t, queue.RemoveFirst(), nil)
}
