package collab

import (
	"container/heap"
	"sync"
)

type changeItem struct {
	change         *PendingChange
	sequenceNumber uint64

	// the index of the item in the heap
	heapIndex int
	// the index of the item in the max heap
	maxHeapIndex int
}

// per-entity buffer of unflushed changes, ordered by submit sequence and
// addressable by change id
type changeQueue struct {
	orderedItems []*changeItem
	maxHeap      *changeQueueMaxHeap
	// change_id -> item
	changeIdItems map[Id]*changeItem
	stateLock     sync.Mutex
}

func newChangeQueue() *changeQueue {
	changeQueue := &changeQueue{
		orderedItems:  []*changeItem{},
		maxHeap:       newChangeQueueMaxHeap(),
		changeIdItems: map[Id]*changeItem{},
	}
	heap.Init(changeQueue)
	return changeQueue
}

func (self *changeQueue) QueueSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems)
}

func (self *changeQueue) Add(item *changeItem) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.changeIdItems[item.change.ChangeId] = item
	heap.Push(self, item)
	heap.Push(self.maxHeap, item)
}

func (self *changeQueue) RemoveByChangeId(changeId Id) *changeItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.changeIdItems[changeId]
	if !ok {
		return nil
	}
	return self.remove(item)
}

func (self *changeQueue) GetByChangeId(changeId Id) *changeItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.changeIdItems[changeId]
}

func (self *changeQueue) remove(item *changeItem) *changeItem {
	delete(self.changeIdItems, item.change.ChangeId)
	item_ := heap.Remove(self, item.heapIndex)
	if any(item) != item_ {
		panic("Heap invariant broken.")
	}
	heap.Remove(self.maxHeap, item.maxHeapIndex)
	return item
}

func (self *changeQueue) RemoveFirst() *changeItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}

	item := heap.Remove(self, 0).(*changeItem)
	heap.Remove(self.maxHeap, item.maxHeapIndex)
	delete(self.changeIdItems, item.change.ChangeId)
	return item
}

func (self *changeQueue) PeekFirst() *changeItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

func (self *changeQueue) PeekLast() *changeItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.maxHeap.PeekFirst()
}

// heap.Interface

func (self *changeQueue) Push(x any) {
	item := x.(*changeItem)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *changeQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *changeQueue) Len() int {
	return len(self.orderedItems)
}

func (self *changeQueue) Less(i int, j int) bool {
	return self.orderedItems[i].sequenceNumber < self.orderedItems[j].sequenceNumber
}

func (self *changeQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}

// ordered by `sequenceNumber` descending
type changeQueueMaxHeap struct {
	orderedItems []*changeItem
}

func newChangeQueueMaxHeap() *changeQueueMaxHeap {
	changeQueueMaxHeap := &changeQueueMaxHeap{
		orderedItems: []*changeItem{},
	}
	heap.Init(changeQueueMaxHeap)
	return changeQueueMaxHeap
}

func (self *changeQueueMaxHeap) PeekFirst() *changeItem {
	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

// heap.Interface

func (self *changeQueueMaxHeap) Push(x any) {
	item := x.(*changeItem)
	item.maxHeapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *changeQueueMaxHeap) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *changeQueueMaxHeap) Len() int {
	return len(self.orderedItems)
}

func (self *changeQueueMaxHeap) Less(i int, j int) bool {
	return self.orderedItems[j].sequenceNumber < self.orderedItems[i].sequenceNumber
}

func (self *changeQueueMaxHeap) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.maxHeapIndex = i
	self.orderedItems[i] = b
	a.maxHeapIndex = j
	self.orderedItems[j] = a
}
