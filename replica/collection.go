package replica

import (
	"slices"
	"sync"

	"github.com/golang/glog"
)

type CollectionEventType int

const (
	CollectionAdd CollectionEventType = iota
	CollectionRemove
	CollectionSet
)

// CollectionEvent describes one mutation of a canonical collection.
// For add the index is after insertion, for remove it is before removal.
type CollectionEvent[E any] struct {
	Type      CollectionEventType
	ElementId Id
	Index     int
	OldValue  E
	NewValue  E
	// a set that keeps the value
	Update bool
	// the remove or add is half of a move
	Move           bool
	TransactionEnd bool
}

type CollectionElement[E any] struct {
	ElementId Id
	Value     E
}

type CollectionEventFunction[E any] func(event *CollectionEvent[E])

type CollectionView[E any] interface {
	Len() int
	Get(index int) CollectionElement[E]
	// -1 if not present
	IndexOf(elementId Id) int
}

// CollectionTx mutates a canonical collection inside `Update`.
// The `Can*` checks validate without mutating and return a `*RejectedError`.
type CollectionTx[E any] interface {
	CollectionView[E]
	CanAdd(value E, index int) error
	Add(value E, index int) (Id, error)
	CanRemove(index int) error
	Remove(index int) error
	CanSet(index int, value E) error
	Set(index int, value E) error
	// emits a set that keeps the current value
	Touch(index int) error
	Move(fromIndex int, toIndex int) error
	// runs after the events of the transaction are dispatched, still inside the transaction
	OnCommit(callback func())
}

// ObservableCollection is the canonical in-process collection a server wraps.
type ObservableCollection[E any] interface {
	// `init` receives the current elements, and `callback` every later event.
	// Both happen atomically with respect to `Update`.
	Subscribe(init func(elements []CollectionElement[E]), callback CollectionEventFunction[E]) func()
	// events of the transaction are dispatched at commit, the last marked as the transaction end.
	// Dispatch happens before `Update` returns, in transaction order.
	Update(do func(tx CollectionTx[E]) error) error
	View(do func(view CollectionView[E]))
	// the collection may reject values, so clients cannot predict the result of an add or set
	ContentControlled() bool
}

// ObservableList is an in-memory `ObservableCollection`.
type ObservableList[E any] struct {
	stateLock sync.RWMutex
	elements  []CollectionElement[E]
	readOnly  bool
	acceptor  func(value E) error

	callbacks *CallbackList[CollectionEventFunction[E]]
}

func NewObservableList[E any](values ...E) *ObservableList[E] {
	elements := make([]CollectionElement[E], len(values))
	for i, value := range values {
		elements[i] = CollectionElement[E]{
			ElementId: NewId(),
			Value:     value,
		}
	}
	return &ObservableList[E]{
		elements:  elements,
		callbacks: NewCallbackList[CollectionEventFunction[E]](),
	}
}

// the acceptor rejects a value by returning an error, which becomes an illegal argument rejection
func (self *ObservableList[E]) SetAcceptor(acceptor func(value E) error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.acceptor = acceptor
}

func (self *ObservableList[E]) SetReadOnly(readOnly bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.readOnly = readOnly
}

func (self *ObservableList[E]) ContentControlled() bool {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.readOnly || self.acceptor != nil
}

func (self *ObservableList[E]) Values() []E {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	values := make([]E, len(self.elements))
	for i, element := range self.elements {
		values[i] = element.Value
	}
	return values
}

func (self *ObservableList[E]) Subscribe(init func(elements []CollectionElement[E]), callback CollectionEventFunction[E]) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if init != nil {
		init(slices.Clone(self.elements))
	}
	return self.callbacks.Add(callback)
}

func (self *ObservableList[E]) View(do func(view CollectionView[E])) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	do(&listView[E]{list: self})
}

func (self *ObservableList[E]) Update(do func(tx CollectionTx[E]) error) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	tx := &listTx[E]{
		listView: listView[E]{list: self},
		events:   []*CollectionEvent[E]{},
	}
	err := do(tx)

	if 0 < len(tx.events) {
		tx.events[len(tx.events)-1].TransactionEnd = true
		glog.V(2).Infof("[ol]commit %d events\n", len(tx.events))
	}
	callbacks := self.callbacks.Get()
	for _, event := range tx.events {
		for _, callback := range callbacks {
			HandleError(func() {
				callback(event)
			})
		}
	}
	for _, commit := range tx.commits {
		commit()
	}
	return err
}

type listView[E any] struct {
	list *ObservableList[E]
}

func (self *listView[E]) Len() int {
	return len(self.list.elements)
}

func (self *listView[E]) Get(index int) CollectionElement[E] {
	return self.list.elements[index]
}

func (self *listView[E]) IndexOf(elementId Id) int {
	return slices.IndexFunc(self.list.elements, func(element CollectionElement[E]) bool {
		return element.ElementId == elementId
	})
}

type listTx[E any] struct {
	listView[E]
	events  []*CollectionEvent[E]
	commits []func()
}

func (self *listTx[E]) checkWritable() error {
	if self.list.readOnly {
		return Rejected(RejectUnsupported, "collection is read only")
	}
	return nil
}

func (self *listTx[E]) checkIndex(index int, n int) error {
	if index < 0 || n <= index {
		return Rejected(RejectIllegalArgument, "index %d out of range [0, %d)", index, n)
	}
	return nil
}

func (self *listTx[E]) checkValue(value E) error {
	if self.list.acceptor != nil {
		if err := self.list.acceptor(value); err != nil {
			return Rejected(RejectIllegalArgument, "%s", err)
		}
	}
	return nil
}

func (self *listTx[E]) CanAdd(value E, index int) error {
	if err := self.checkWritable(); err != nil {
		return err
	}
	if err := self.checkIndex(index, len(self.list.elements)+1); err != nil {
		return err
	}
	return self.checkValue(value)
}

func (self *listTx[E]) Add(value E, index int) (Id, error) {
	if err := self.CanAdd(value, index); err != nil {
		return Id{}, err
	}
	element := CollectionElement[E]{
		ElementId: NewId(),
		Value:     value,
	}
	self.list.elements = slices.Insert(self.list.elements, index, element)
	self.events = append(self.events, &CollectionEvent[E]{
		Type:      CollectionAdd,
		ElementId: element.ElementId,
		Index:     index,
		NewValue:  value,
	})
	return element.ElementId, nil
}

func (self *listTx[E]) CanRemove(index int) error {
	if err := self.checkWritable(); err != nil {
		return err
	}
	return self.checkIndex(index, len(self.list.elements))
}

func (self *listTx[E]) Remove(index int) error {
	if err := self.CanRemove(index); err != nil {
		return err
	}
	element := self.list.elements[index]
	self.list.elements = slices.Delete(self.list.elements, index, index+1)
	self.events = append(self.events, &CollectionEvent[E]{
		Type:      CollectionRemove,
		ElementId: element.ElementId,
		Index:     index,
		OldValue:  element.Value,
	})
	return nil
}

func (self *listTx[E]) CanSet(index int, value E) error {
	if err := self.checkWritable(); err != nil {
		return err
	}
	if err := self.checkIndex(index, len(self.list.elements)); err != nil {
		return err
	}
	return self.checkValue(value)
}

func (self *listTx[E]) Set(index int, value E) error {
	if err := self.CanSet(index, value); err != nil {
		return err
	}
	element := &self.list.elements[index]
	oldValue := element.Value
	element.Value = value
	self.events = append(self.events, &CollectionEvent[E]{
		Type:      CollectionSet,
		ElementId: element.ElementId,
		Index:     index,
		OldValue:  oldValue,
		NewValue:  value,
	})
	return nil
}

func (self *listTx[E]) Touch(index int) error {
	if err := self.CanRemove(index); err != nil {
		return err
	}
	element := self.list.elements[index]
	self.events = append(self.events, &CollectionEvent[E]{
		Type:      CollectionSet,
		ElementId: element.ElementId,
		Index:     index,
		OldValue:  element.Value,
		NewValue:  element.Value,
		Update:    true,
	})
	return nil
}

// a move keeps the element id, and is seen as a remove then an add
func (self *listTx[E]) Move(fromIndex int, toIndex int) error {
	if err := self.CanRemove(fromIndex); err != nil {
		return err
	}
	if err := self.checkIndex(toIndex, len(self.list.elements)); err != nil {
		return err
	}
	element := self.list.elements[fromIndex]
	self.list.elements = slices.Delete(self.list.elements, fromIndex, fromIndex+1)
	self.events = append(self.events, &CollectionEvent[E]{
		Type:      CollectionRemove,
		ElementId: element.ElementId,
		Index:     fromIndex,
		OldValue:  element.Value,
		Move:      true,
	})
	self.list.elements = slices.Insert(self.list.elements, toIndex, element)
	self.events = append(self.events, &CollectionEvent[E]{
		Type:      CollectionAdd,
		ElementId: element.ElementId,
		Index:     toIndex,
		NewValue:  element.Value,
		Move:      true,
	})
	return nil
}

func (self *listTx[E]) OnCommit(callback func()) {
	self.commits = append(self.commits, callback)
}
