package replica

import (
	"sync"
)

// Monitor coalesces notifications. Waiters select on the current channel,
// which is closed and replaced on each notify.
type Monitor struct {
	mutex  sync.Mutex
	notify chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		notify: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.notify
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.notify)
	self.notify = make(chan struct{})
}

type callbackEntry[T any] struct {
	callback T
}

// makes a copy of the list on update
// funcs are not comparable, so each add returns its own remove function
type CallbackList[T any] struct {
	mutex     sync.Mutex
	callbacks []*callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: []*callbackEntry[T]{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	callbacks := self.callbacks
	self.mutex.Unlock()

	values := make([]T, len(callbacks))
	for i, entry := range callbacks {
		values[i] = entry.callback
	}
	return values
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entry := &callbackEntry[T]{
		callback: callback,
	}
	nextCallbacks := make([]*callbackEntry[T], len(self.callbacks), len(self.callbacks)+1)
	copy(nextCallbacks, self.callbacks)
	nextCallbacks = append(nextCallbacks, entry)
	self.callbacks = nextCallbacks

	return func() {
		self.remove(entry)
	}
}

func (self *CallbackList[T]) remove(entry *callbackEntry[T]) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nextCallbacks := make([]*callbackEntry[T], 0, len(self.callbacks))
	for _, e := range self.callbacks {
		if e != entry {
			nextCallbacks = append(nextCallbacks, e)
		}
	}
	self.callbacks = nextCallbacks
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.callbacks = []*callbackEntry[T]{}
}
