package replica

import (
	"container/heap"
	"sync"
)

type clientQueueItem interface {
	ClientId() Id
	LastReceived() int64
	HeapIndex() int
	SetHeapIndex(int)
	MaxHeapIndex() int
	SetMaxHeapIndex(int)
}

type clientCursor struct {
	clientId     Id
	lastReceived int64

	// the index of the item in the heap
	heapIndex int
	// the index of the item in the max heap
	maxHeapIndex int
}

// clientQueueItem implementation

func (self *clientCursor) ClientId() Id {
	return self.clientId
}

func (self *clientCursor) LastReceived() int64 {
	return self.lastReceived
}

func (self *clientCursor) HeapIndex() int {
	return self.heapIndex
}

func (self *clientCursor) SetHeapIndex(heapIndex int) {
	self.heapIndex = heapIndex
}

func (self *clientCursor) MaxHeapIndex() int {
	return self.maxHeapIndex
}

func (self *clientCursor) SetMaxHeapIndex(maxHeapIndex int) {
	self.maxHeapIndex = maxHeapIndex
}

func cmpLastReceived[T clientQueueItem](a T, b T) int {
	if a.LastReceived() < b.LastReceived() {
		return -1
	} else if b.LastReceived() < a.LastReceived() {
		return 1
	} else {
		return 0
	}
}

// attached clients ordered by last received event id.
// The first is the slowest client, which bounds the event log floor.
type clientQueue[T clientQueueItem] struct {
	orderedItems []T
	maxHeap      *clientQueueMaxHeap[T]
	// client_id -> item
	clientIdItems map[Id]T
	stateLock     sync.Mutex
}

func newClientQueue[T clientQueueItem]() *clientQueue[T] {
	clientQueue := &clientQueue[T]{
		orderedItems:  []T{},
		maxHeap:       newClientQueueMaxHeap[T](),
		clientIdItems: map[Id]T{},
	}
	heap.Init(clientQueue)
	return clientQueue
}

func (self *clientQueue[T]) QueueSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems)
}

func (self *clientQueue[T]) Add(item T) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.clientIdItems[item.ClientId()]; ok {
		panic("Client already queued.")
	}
	self.clientIdItems[item.ClientId()] = item
	heap.Push(self, item)
	heap.Push(self.maxHeap, item)
}

func (self *clientQueue[T]) GetByClientId(clientId Id) (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.clientIdItems[clientId]
	return item, ok
}

func (self *clientQueue[T]) RemoveByClientId(clientId Id) (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.clientIdItems[clientId]
	if !ok {
		var empty T
		return empty, false
	}
	delete(self.clientIdItems, clientId)
	item_ := heap.Remove(self, item.HeapIndex())
	if any(item) != item_ {
		panic("Heap invariant broken.")
	}
	heap.Remove(self.maxHeap, item.MaxHeapIndex())
	return item, true
}

// restores the order after the item's last received id changed
func (self *clientQueue[T]) Fix(item T) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	heap.Fix(self, item.HeapIndex())
	heap.Fix(self.maxHeap, item.MaxHeapIndex())
}

func (self *clientQueue[T]) PeekFirst() (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		var empty T
		return empty, false
	}
	return self.orderedItems[0], true
}

func (self *clientQueue[T]) PeekLast() (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.maxHeap.PeekFirst()
}

func (self *clientQueue[T]) Items() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := make([]T, len(self.orderedItems))
	copy(items, self.orderedItems)
	return items
}

// heap.Interface

func (self *clientQueue[T]) Push(x any) {
	item := x.(T)
	item.SetHeapIndex(len(self.orderedItems))
	self.orderedItems = append(self.orderedItems, item)
}

func (self *clientQueue[T]) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	var empty T
	item := self.orderedItems[i]
	self.orderedItems[i] = empty
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *clientQueue[T]) Len() int {
	return len(self.orderedItems)
}

func (self *clientQueue[T]) Less(i int, j int) bool {
	return cmpLastReceived(self.orderedItems[i], self.orderedItems[j]) < 0
}

func (self *clientQueue[T]) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.SetHeapIndex(i)
	self.orderedItems[i] = b
	a.SetHeapIndex(j)
	self.orderedItems[j] = a
}

// ordered by `lastReceived` descending
type clientQueueMaxHeap[T clientQueueItem] struct {
	orderedItems []T
}

func newClientQueueMaxHeap[T clientQueueItem]() *clientQueueMaxHeap[T] {
	clientQueueMaxHeap := &clientQueueMaxHeap[T]{
		orderedItems: []T{},
	}
	heap.Init(clientQueueMaxHeap)
	return clientQueueMaxHeap
}

func (self *clientQueueMaxHeap[T]) PeekFirst() (T, bool) {
	if len(self.orderedItems) == 0 {
		var empty T
		return empty, false
	}
	return self.orderedItems[0], true
}

// heap.Interface

func (self *clientQueueMaxHeap[T]) Push(x any) {
	item := x.(T)
	item.SetMaxHeapIndex(len(self.orderedItems))
	self.orderedItems = append(self.orderedItems, item)
}

func (self *clientQueueMaxHeap[T]) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	var empty T
	item := self.orderedItems[i]
	self.orderedItems[i] = empty
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *clientQueueMaxHeap[T]) Len() int {
	return len(self.orderedItems)
}

func (self *clientQueueMaxHeap[T]) Less(i int, j int) bool {
	return 0 < cmpLastReceived(self.orderedItems[i], self.orderedItems[j])
}

func (self *clientQueueMaxHeap[T]) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.SetMaxHeapIndex(i)
	self.orderedItems[i] = b
	a.SetMaxHeapIndex(j)
	self.orderedItems[j] = a
}
