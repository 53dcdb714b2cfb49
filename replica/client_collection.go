package replica

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the capability answer when the server cannot be reached.
// The client assumes the server controls the content.
const NoConnection = "no connection"

type ClientElement[E any] struct {
	Address Address
	Value   E
}

type ClientChangeEvent[E any] struct {
	Type     ChangeType
	Index    int
	Address  Address
	OldValue E
	NewValue E
	Move     bool
	// the last change of a server transaction
	TransactionEnd bool
	// the mirror was replaced from a snapshot. Only `Reset` is set.
	Reset bool
}

// called with the client operation lock held. Callbacks may read the collection
// but must not call its mutators.
type ClientChangeFunction[E any] func(event *ClientChangeEvent[E])

type ClientCollectionSettings struct {
	// conflicts and resyncs allowed per mutation
	MaxRetries int
	// background poll interval. Push notifications poll sooner. 0 polls only on notify.
	PollInterval time.Duration
	DetachTimeout time.Duration
}

func DefaultClientCollectionSettings() *ClientCollectionSettings {
	return &ClientCollectionSettings{
		MaxRetries:    16,
		PollInterval:  5 * time.Second,
		DetachTimeout: 5 * time.Second,
	}
}

// ClientCollection mirrors a server collection, ordered by address.
//
// Local edits go to the server as operations. The mirror only changes by applying
// the changes the server returns, so every client converges on the server order.
//
// Lock order is `opLock`, then the remote lock, then `stateLock`.
// `opLock` serializes protocol calls with the mirror updates they cause.
// `stateLock` guards the mirror for readers.
type ClientCollection[E any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	transceiver Transceiver
	codec       ValueCodec[E]

	opLock sync.Mutex

	stateLock         sync.RWMutex
	elements          []ClientElement[E]
	contentControlled bool
	stamp             int64

	subscribers  *CallbackList[ClientChangeFunction[E]]
	monitor      *Monitor
	removeNotify func()

	settings *ClientCollectionSettings
}

func NewClientCollectionWithDefaults[E any](ctx context.Context, transceiver Transceiver, codec ValueCodec[E]) (*ClientCollection[E], error) {
	return NewClientCollection(ctx, transceiver, codec, DefaultClientCollectionSettings())
}

// NewClientCollection attaches and loads the snapshot. The collection owns the transceiver.
func NewClientCollection[E any](
	ctx context.Context,
	transceiver Transceiver,
	codec ValueCodec[E],
	settings *ClientCollectionSettings,
) (*ClientCollection[E], error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	collection := &ClientCollection[E]{
		ctx:         cancelCtx,
		cancel:      cancel,
		transceiver: transceiver,
		codec:       codec,
		elements:    []ClientElement[E]{},
		subscribers: NewCallbackList[ClientChangeFunction[E]](),
		monitor:     NewMonitor(),
		settings:    settings,
	}
	if err := collection.Resync(cancelCtx); err != nil {
		cancel()
		return nil, err
	}
	collection.removeNotify = transceiver.AddNotifyCallback(collection.monitor.NotifyAll)
	go collection.run()
	return collection, nil
}

func (self *ClientCollection[E]) run() {
	for {
		notify := self.monitor.NotifyChannel()
		var timeout <-chan time.Time
		if 0 < self.settings.PollInterval {
			timeout = time.After(self.settings.PollInterval)
		}
		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		case <-timeout:
		}

		if err := self.PollChanges(self.ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			glog.Infof("[cc]poll error = %s\n", err)
		}
	}
}

// must be called with `opLock` or `stateLock` held
func (self *ClientCollection[E]) search(address Address) (int, bool) {
	return slices.BinarySearchFunc(self.elements, address, func(element ClientElement[E], address Address) int {
		return Compare(element.Address, address)
	})
}

func (self *ClientCollection[E]) dispatch(events []*ClientChangeEvent[E]) {
	if len(events) == 0 {
		return
	}
	subscribers := self.subscribers.Get()
	for _, event := range events {
		for _, subscriber := range subscribers {
			HandleError(func() {
				subscriber(event)
			})
		}
	}
}

// applyChanges applies changes in event id order. Ids at or below the last change are skipped.
// A gap in the ids is `ErrStale`. Must be called with `opLock` held.
func (self *ClientCollection[E]) applyChanges(changes []*Change) error {
	lastChange := self.transceiver.LastChange()
	events := []*ClientChangeEvent[E]{}

	err := func() error {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, change := range changes {
			if change.EventId <= lastChange {
				continue
			}
			if change.EventId != lastChange+1 {
				return fmt.Errorf("%w: expected change %d, found %d", ErrStale, lastChange+1, change.EventId)
			}
			event, err := self.applyChange(change)
			if err != nil {
				return err
			}
			lastChange = change.EventId
			self.stamp += 1
			events = append(events, event)
		}
		return nil
	}()

	self.transceiver.SetLastChange(lastChange)
	self.dispatch(events)
	return err
}

// must be called with `stateLock` held
func (self *ClientCollection[E]) applyChange(change *Change) (*ClientChangeEvent[E], error) {
	glog.V(2).Infof("[cc]apply %s\n", change)

	event := &ClientChangeEvent[E]{
		Type:           change.Type,
		Address:        change.Address,
		Move:           change.Move,
		TransactionEnd: change.TransactionEnd,
	}
	index, found := self.search(change.Address)
	event.Index = index

	switch change.Type {
	case ChangeAdd:
		if found {
			return nil, fmt.Errorf("%w: add at existing address %s", ErrStale, change.Address)
		}
		value, err := self.codec.Decode(change.NewValue)
		if err != nil {
			return nil, fmt.Errorf("decode change %d: %w", change.EventId, err)
		}
		self.elements = slices.Insert(self.elements, index, ClientElement[E]{
			Address: change.Address,
			Value:   value,
		})
		event.NewValue = value
	case ChangeRemove:
		if !found {
			return nil, fmt.Errorf("%w: remove of unknown address %s", ErrStale, change.Address)
		}
		event.OldValue = self.elements[index].Value
		self.elements = slices.Delete(self.elements, index, index+1)
	case ChangeSet:
		if !found {
			return nil, fmt.Errorf("%w: set of unknown address %s", ErrStale, change.Address)
		}
		value, err := self.codec.Decode(change.NewValue)
		if err != nil {
			return nil, fmt.Errorf("decode change %d: %w", change.EventId, err)
		}
		event.OldValue = self.elements[index].Value
		event.NewValue = value
		self.elements[index].Value = value
	case ChangeUpdate:
		if !found {
			return nil, fmt.Errorf("%w: update of unknown address %s", ErrStale, change.Address)
		}
		// the value is unchanged. Substitute the cached value.
		event.OldValue = self.elements[index].Value
		event.NewValue = self.elements[index].Value
	default:
		return nil, fmt.Errorf("unknown change type %s", change.Type)
	}
	return event, nil
}

// Resync replaces the mirror with a new snapshot from a new session.
func (self *ClientCollection[E]) Resync(ctx context.Context) error {
	self.opLock.Lock()
	defer self.opLock.Unlock()
	return self.resync(ctx)
}

func (self *ClientCollection[E]) resync(ctx context.Context) error {
	snapshot, err := self.transceiver.Attach(ctx)
	if err != nil {
		return err
	}
	elements := make([]ClientElement[E], len(snapshot.Elements))
	for i, snapshotElement := range snapshot.Elements {
		value, err := self.codec.Decode(snapshotElement.Value)
		if err != nil {
			return fmt.Errorf("decode element %s: %w", snapshotElement.Address, err)
		}
		elements[i] = ClientElement[E]{
			Address: snapshotElement.Address,
			Value:   value,
		}
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.elements = elements
		self.contentControlled = snapshot.ContentControlled
		self.stamp += 1
	}()
	glog.V(1).Infof("[cc]resync %d elements at %d\n", len(elements), snapshot.Cursor)

	self.dispatch([]*ClientChangeEvent[E]{
		{Reset: true},
	})
	return nil
}

// PollChanges applies the changes the server has after the last applied change.
func (self *ClientCollection[E]) PollChanges(ctx context.Context) error {
	self.opLock.Lock()
	defer self.opLock.Unlock()

	select {
	case <-self.ctx.Done():
		return self.ctx.Err()
	default:
	}
	return self.poll(ctx)
}

func (self *ClientCollection[E]) poll(ctx context.Context) error {
	changes, err := self.transceiver.Poll(ctx)
	if errors.Is(err, ErrStale) {
		glog.Infof("[cc]stale. Resync.\n")
		return self.resync(ctx)
	} else if err != nil {
		return err
	}
	return self.mergeOrResync(ctx, changes)
}

func (self *ClientCollection[E]) mergeOrResync(ctx context.Context, changes []*Change) error {
	if err := self.applyChanges(changes); errors.Is(err, ErrStale) {
		glog.Infof("[cc]merge error = %s. Resync.\n", err)
		return self.resync(ctx)
	} else {
		return err
	}
}

// mutate runs the optimistic loop. `build` computes the ops from the current mirror
// on each attempt. Must be called with `opLock` held.
func (self *ClientCollection[E]) mutate(ctx context.Context, build func() ([]*Operation, error)) (*OperationResult, error) {
	retry := &optimisticRetry[*OperationResult]{
		ctx:        ctx,
		maxRetries: self.settings.MaxRetries,
		attempt: func() (*OperationResult, error) {
			ops, err := build()
			if err != nil {
				return nil, err
			}
			if len(ops) == 0 {
				return &OperationResult{}, nil
			}
			result, err := self.transceiver.ApplyOperations(ctx, ops)
			if err != nil {
				return nil, err
			}
			// the ops are applied. A failed merge must not retry them.
			if err := self.mergeOrResync(ctx, result.Changes); err != nil {
				glog.Infof("[cc]merge after apply error = %s\n", err)
			}
			return result, nil
		},
		merge: self.applyChanges,
		resync: func() error {
			return self.resync(ctx)
		},
	}
	return retry.run()
}

// queryCapability runs the dry run through the optimistic loop. Must be called with `opLock` held.
func (self *ClientCollection[E]) queryCapability(ctx context.Context, build func() ([]*Operation, error)) string {
	retry := &optimisticRetry[string]{
		ctx:        ctx,
		maxRetries: self.settings.MaxRetries,
		attempt: func() (string, error) {
			ops, err := build()
			if err != nil {
				return "", err
			}
			return self.transceiver.QueryCapability(ctx, ops)
		},
		merge: self.applyChanges,
		resync: func() error {
			return self.resync(ctx)
		},
	}
	message, err := retry.run()
	var rejected *RejectedError
	switch {
	case err == nil:
		return message
	case errors.Is(err, ErrConnection):
		return NoConnection
	case errors.As(err, &rejected):
		return rejected.Message
	default:
		return err.Error()
	}
}

// neighbors returns the current bounds for an add anchored at `after` when `first`,
// otherwise at `before`. An anchor the mirror does not know is kept as is.
// Must be called with `opLock` held.
func (self *ClientCollection[E]) neighbors(after Address, before Address, first bool) (Address, Address) {
	n := len(self.elements)
	if first {
		if after == nil {
			if 0 < n {
				return nil, self.elements[0].Address
			}
			return nil, nil
		}
		i, found := self.search(after)
		if !found {
			return after, before
		}
		if i+1 < n {
			return after, self.elements[i+1].Address
		}
		return after, nil
	}
	if before == nil {
		if 0 < n {
			return self.elements[n-1].Address, nil
		}
		return nil, nil
	}
	i, found := self.search(before)
	if !found {
		return after, before
	}
	if 0 < i {
		return self.elements[i-1].Address, before
	}
	return nil, before
}

// insertAnchor resolves the element an insert at `index` goes before, nil to append.
// The anchor is kept across retries while it exists.
func (self *ClientCollection[E]) insertAnchor(index int, anchor *Address, resolved *bool) error {
	if *resolved && *anchor != nil {
		if _, found := self.search(*anchor); found {
			return nil
		}
	} else if *resolved {
		return nil
	}
	n := len(self.elements)
	if !*resolved && (index < 0 || n < index) {
		return Rejected(RejectIllegalArgument, "index %d out of range %d", index, n)
	}
	*resolved = true
	if index < n {
		*anchor = self.elements[index].Address
	} else {
		*anchor = nil
	}
	return nil
}

func (self *ClientCollection[E]) requireAddress(index int) (Address, error) {
	if index < 0 || len(self.elements) <= index {
		return nil, Rejected(RejectIllegalArgument, "index %d out of range %d", index, len(self.elements))
	}
	return self.elements[index].Address, nil
}

func (self *ClientCollection[E]) resultElement(address Address, value E) ClientElement[E] {
	if i, found := self.search(address); found {
		return self.elements[i]
	}
	return ClientElement[E]{
		Address: address,
		Value:   value,
	}
}

func (self *ClientCollection[E]) encodeAll(values []E) ([][]byte, error) {
	valueBytes := make([][]byte, len(values))
	for i, value := range values {
		b, err := self.codec.Encode(value)
		if err != nil {
			return nil, Rejected(RejectIllegalArgument, "encode value %d: %s", i, err)
		}
		valueBytes[i] = b
	}
	return valueBytes, nil
}

// the mutators below must be called with `opLock` held

func (self *ClientCollection[E]) addElement(ctx context.Context, value E, after Address, before Address, first bool) (ClientElement[E], error) {
	valueBytes, err := self.encodeAll([]E{value})
	if err != nil {
		return ClientElement[E]{}, err
	}
	result, err := self.mutate(ctx, func() ([]*Operation, error) {
		a, b := self.neighbors(after, before, first)
		return []*Operation{AddOperation(valueBytes[0], a, b, first)}, nil
	})
	if err != nil {
		return ClientElement[E]{}, err
	}
	return self.resultElement(result.Address, value), nil
}

func (self *ClientCollection[E]) insertAll(ctx context.Context, index int, values []E) error {
	valueBytes, err := self.encodeAll(values)
	if err != nil {
		return err
	}
	var anchor Address
	resolved := false
	_, err = self.mutate(ctx, func() ([]*Operation, error) {
		if err := self.insertAnchor(index, &anchor, &resolved); err != nil {
			return nil, err
		}
		after, before := self.neighbors(nil, anchor, false)
		ops := make([]*Operation, len(valueBytes))
		for i, b := range valueBytes {
			ops[i] = AddOperation(b, after, before, false)
		}
		return ops, nil
	})
	return err
}

func (self *ClientCollection[E]) insert(ctx context.Context, index int, value E) (ClientElement[E], error) {
	valueBytes, err := self.encodeAll([]E{value})
	if err != nil {
		return ClientElement[E]{}, err
	}
	var anchor Address
	resolved := false
	result, err := self.mutate(ctx, func() ([]*Operation, error) {
		if err := self.insertAnchor(index, &anchor, &resolved); err != nil {
			return nil, err
		}
		after, before := self.neighbors(nil, anchor, false)
		return []*Operation{AddOperation(valueBytes[0], after, before, false)}, nil
	})
	if err != nil {
		return ClientElement[E]{}, err
	}
	return self.resultElement(result.Address, value), nil
}

func (self *ClientCollection[E]) removeAddresses(ctx context.Context, resolve func() ([]Address, error)) (int, error) {
	removed := 0
	_, err := self.mutate(ctx, func() ([]*Operation, error) {
		addresses, err := resolve()
		if err != nil {
			return nil, err
		}
		ops := []*Operation{}
		for _, address := range addresses {
			if _, found := self.search(address); found {
				ops = append(ops, RemoveOperation(address))
			}
		}
		removed = len(ops)
		return ops, nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (self *ClientCollection[E]) removeElement(ctx context.Context, address Address) (E, error) {
	var oldValue E
	_, err := self.mutate(ctx, func() ([]*Operation, error) {
		i, found := self.search(address)
		if !found {
			return nil, Rejected(RejectNotFound, "no element at %s", address)
		}
		oldValue = self.elements[i].Value
		return []*Operation{RemoveOperation(address)}, nil
	})
	if err != nil {
		var empty E
		return empty, err
	}
	return oldValue, nil
}

func (self *ClientCollection[E]) remove(ctx context.Context, index int) (E, error) {
	address, err := self.requireAddress(index)
	if err != nil {
		var empty E
		return empty, err
	}
	return self.removeElement(ctx, address)
}

func (self *ClientCollection[E]) setElement(ctx context.Context, address Address, value E) (E, error) {
	var empty E
	valueBytes, err := self.encodeAll([]E{value})
	if err != nil {
		return empty, err
	}
	var oldValue E
	_, err = self.mutate(ctx, func() ([]*Operation, error) {
		i, found := self.search(address)
		if !found {
			return nil, Rejected(RejectNotFound, "no element at %s", address)
		}
		oldValue = self.elements[i].Value
		return []*Operation{SetOperation(address, valueBytes[0])}, nil
	})
	if err != nil {
		return empty, err
	}
	return oldValue, nil
}

func (self *ClientCollection[E]) set(ctx context.Context, index int, value E) (E, error) {
	address, err := self.requireAddress(index)
	if err != nil {
		var empty E
		return empty, err
	}
	return self.setElement(ctx, address, value)
}

func (self *ClientCollection[E]) update(ctx context.Context, index int) error {
	address, err := self.requireAddress(index)
	if err != nil {
		return err
	}
	_, err = self.mutate(ctx, func() ([]*Operation, error) {
		if _, found := self.search(address); !found {
			return nil, Rejected(RejectNotFound, "no element at %s", address)
		}
		return []*Operation{UpdateOperation(address)}, nil
	})
	return err
}

func (self *ClientCollection[E]) replaceAll(ctx context.Context, values []E) error {
	valueBytes, err := self.encodeAll(values)
	if err != nil {
		return err
	}
	_, err = self.mutate(ctx, func() ([]*Operation, error) {
		ops := make([]*Operation, 0, len(self.elements)+len(valueBytes))
		for _, element := range self.elements {
			ops = append(ops, RemoveOperation(element.Address))
		}
		for _, b := range valueBytes {
			ops = append(ops, AddOperation(b, nil, nil, false))
		}
		return ops, nil
	})
	return err
}

// setAll sets `value` at each of `addresses` in one batch. Addresses no longer in the mirror are skipped.
func (self *ClientCollection[E]) setAll(ctx context.Context, addresses []Address, value E) (int, error) {
	valueBytes, err := self.encodeAll([]E{value})
	if err != nil {
		return 0, err
	}
	set := 0
	_, err = self.mutate(ctx, func() ([]*Operation, error) {
		ops := []*Operation{}
		for _, address := range addresses {
			if _, found := self.search(address); found {
				ops = append(ops, SetOperation(address, valueBytes[0]))
			}
		}
		set = len(ops)
		return ops, nil
	})
	if err != nil {
		return 0, err
	}
	return set, nil
}

// acceptable asks the server whether `op` alone would apply. Must be called with `opLock` held.
func (self *ClientCollection[E]) acceptable(ctx context.Context, op *Operation) (bool, error) {
	message, err := self.transceiver.QueryCapability(ctx, []*Operation{op})
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return message == "", nil
}

// replaceAllFunc sets every element to `replace` of its value in one batch, keeping the addresses.
// With `soft`, values the server would not accept are left as they are.
func (self *ClientCollection[E]) replaceAllFunc(ctx context.Context, replace func(value E) E, soft bool) (int, error) {
	set := 0
	_, err := self.mutate(ctx, func() ([]*Operation, error) {
		ops := make([]*Operation, 0, len(self.elements))
		for _, element := range self.elements {
			valueBytes, err := self.codec.Encode(replace(element.Value))
			if err != nil {
				return nil, err
			}
			op := SetOperation(element.Address, valueBytes)
			if soft {
				ok, err := self.acceptable(ctx, op)
				if err != nil {
					return nil, err
				}
				if !ok {
					glog.V(1).Infof("[cc]replace skips %s\n", element.Address)
					continue
				}
			}
			ops = append(ops, op)
		}
		set = len(ops)
		return ops, nil
	})
	if err != nil {
		return 0, err
	}
	return set, nil
}

func (self *ClientCollection[E]) allAddresses() ([]Address, error) {
	addresses := make([]Address, len(self.elements))
	for i, element := range self.elements {
		addresses[i] = element.Address
	}
	return addresses, nil
}

func (self *ClientCollection[E]) removeIf(ctx context.Context, predicate func(value E) bool) (int, error) {
	return self.removeAddresses(ctx, func() ([]Address, error) {
		addresses := []Address{}
		for _, element := range self.elements {
			if predicate(element.Value) {
				addresses = append(addresses, element.Address)
			}
		}
		return addresses, nil
	})
}

func (self *ClientCollection[E]) removeRange(ctx context.Context, fromIndex int, toIndex int) (int, error) {
	if fromIndex < 0 || toIndex < fromIndex || len(self.elements) < toIndex {
		return 0, Rejected(RejectIllegalArgument, "range [%d, %d) out of range %d", fromIndex, toIndex, len(self.elements))
	}
	// the range is resolved once. Elements removed concurrently are skipped on retry.
	addresses := make([]Address, 0, toIndex-fromIndex)
	for _, element := range self.elements[fromIndex:toIndex] {
		addresses = append(addresses, element.Address)
	}
	return self.removeAddresses(ctx, func() ([]Address, error) {
		return addresses, nil
	})
}

func lockedCall[E any, R any](collection *ClientCollection[E], do func() (R, error)) (R, error) {
	collection.opLock.Lock()
	defer collection.opLock.Unlock()
	return do()
}

// Add appends `value`.
func (self *ClientCollection[E]) Add(ctx context.Context, value E) (ClientElement[E], error) {
	return lockedCall(self, func() (ClientElement[E], error) {
		return self.addElement(ctx, value, nil, nil, false)
	})
}

// Insert adds `value` before the element now at `index`. On retry it stays before that element.
func (self *ClientCollection[E]) Insert(ctx context.Context, index int, value E) (ClientElement[E], error) {
	return lockedCall(self, func() (ClientElement[E], error) {
		return self.insert(ctx, index, value)
	})
}

// AddElement adds `value` between `after` and `before`, where nil is an open end.
// With `first` the value goes right after `after`, otherwise right before `before`.
func (self *ClientCollection[E]) AddElement(ctx context.Context, value E, after Address, before Address, first bool) (ClientElement[E], error) {
	return lockedCall(self, func() (ClientElement[E], error) {
		return self.addElement(ctx, value, after, before, first)
	})
}

func (self *ClientCollection[E]) AddAll(ctx context.Context, values []E) error {
	_, err := lockedCall(self, func() (int, error) {
		return 0, self.insertAll(ctx, len(self.elements), values)
	})
	return err
}

func (self *ClientCollection[E]) InsertAll(ctx context.Context, index int, values []E) error {
	_, err := lockedCall(self, func() (int, error) {
		return 0, self.insertAll(ctx, index, values)
	})
	return err
}

func (self *ClientCollection[E]) Remove(ctx context.Context, index int) (E, error) {
	return lockedCall(self, func() (E, error) {
		return self.remove(ctx, index)
	})
}

func (self *ClientCollection[E]) RemoveElement(ctx context.Context, address Address) (E, error) {
	return lockedCall(self, func() (E, error) {
		return self.removeElement(ctx, address)
	})
}

// RemoveRange removes the elements in [fromIndex, toIndex) and returns how many were removed.
func (self *ClientCollection[E]) RemoveRange(ctx context.Context, fromIndex int, toIndex int) (int, error) {
	return lockedCall(self, func() (int, error) {
		return self.removeRange(ctx, fromIndex, toIndex)
	})
}

func (self *ClientCollection[E]) RemoveIf(ctx context.Context, predicate func(value E) bool) (int, error) {
	return lockedCall(self, func() (int, error) {
		return self.removeIf(ctx, predicate)
	})
}

func (self *ClientCollection[E]) Clear(ctx context.Context) error {
	_, err := lockedCall(self, func() (int, error) {
		return self.removeAddresses(ctx, self.allAddresses)
	})
	return err
}

// Set replaces the value at `index` and returns the previous value.
func (self *ClientCollection[E]) Set(ctx context.Context, index int, value E) (E, error) {
	return lockedCall(self, func() (E, error) {
		return self.set(ctx, index, value)
	})
}

func (self *ClientCollection[E]) SetElement(ctx context.Context, address Address, value E) (E, error) {
	return lockedCall(self, func() (E, error) {
		return self.setElement(ctx, address, value)
	})
}

// ReplaceAll replaces the content with `values` in one server transaction.
func (self *ClientCollection[E]) ReplaceAll(ctx context.Context, values []E) error {
	_, err := lockedCall(self, func() (int, error) {
		return 0, self.replaceAll(ctx, values)
	})
	return err
}

// SetAll sets `value` at each of `addresses` in one server transaction and returns how many were set.
// The elements keep their addresses.
func (self *ClientCollection[E]) SetAll(ctx context.Context, addresses []Address, value E) (int, error) {
	return lockedCall(self, func() (int, error) {
		return self.setAll(ctx, addresses, value)
	})
}

// ReplaceAllFunc maps every value through `replace` in one server transaction, keeping the addresses.
// With `soft`, a value the server rejects leaves its element unchanged instead of failing the batch.
func (self *ClientCollection[E]) ReplaceAllFunc(ctx context.Context, replace func(value E) E, soft bool) (int, error) {
	return lockedCall(self, func() (int, error) {
		return self.replaceAllFunc(ctx, replace, soft)
	})
}

// Update touches the element at `index` without changing its value. Other clients see an update.
func (self *ClientCollection[E]) Update(ctx context.Context, index int) error {
	_, err := lockedCall(self, func() (int, error) {
		return 0, self.update(ctx, index)
	})
	return err
}

// CanAdd returns why adding `value` between `after` and `before` would be rejected, or "".
func (self *ClientCollection[E]) CanAdd(ctx context.Context, value E, after Address, before Address, first bool) string {
	valueBytes, err := self.encodeAll([]E{value})
	if err != nil {
		return err.Error()
	}
	message, _ := lockedCall(self, func() (string, error) {
		return self.queryCapability(ctx, func() ([]*Operation, error) {
			a, b := self.neighbors(after, before, first)
			return []*Operation{AddOperation(valueBytes[0], a, b, first)}, nil
		}), nil
	})
	return message
}

// IsAcceptable returns why the server would reject `value` at the end, or "".
func (self *ClientCollection[E]) IsAcceptable(ctx context.Context, value E) string {
	return self.CanAdd(ctx, value, nil, nil, false)
}

func (self *ClientCollection[E]) CanRemove(ctx context.Context, index int) string {
	message, _ := lockedCall(self, func() (string, error) {
		address, err := self.requireAddress(index)
		if err != nil {
			return err.Error(), nil
		}
		return self.queryCapability(ctx, func() ([]*Operation, error) {
			return []*Operation{RemoveOperation(address)}, nil
		}), nil
	})
	return message
}

// IsEnabled returns why the collection cannot be modified at all, or "".
// A non-empty collection is tested with an update of its first element, an empty one with an add.
func (self *ClientCollection[E]) IsEnabled(ctx context.Context) string {
	var zero E
	zeroBytes, err := self.encodeAll([]E{zero})
	if err != nil {
		return err.Error()
	}
	message, _ := lockedCall(self, func() (string, error) {
		return self.queryCapability(ctx, func() ([]*Operation, error) {
			if 0 < len(self.elements) {
				return []*Operation{UpdateOperation(self.elements[0].Address)}, nil
			}
			return []*Operation{AddOperation(zeroBytes[0], nil, nil, false)}, nil
		}), nil
	})
	return message
}

func (self *ClientCollection[E]) Size() int {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return len(self.elements)
}

func (self *ClientCollection[E]) Get(index int) (ClientElement[E], bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	if index < 0 || len(self.elements) <= index {
		return ClientElement[E]{}, false
	}
	return self.elements[index], true
}

func (self *ClientCollection[E]) Find(address Address) (int, bool) {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.search(address)
}

func (self *ClientCollection[E]) Elements() []ClientElement[E] {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return slices.Clone(self.elements)
}

func (self *ClientCollection[E]) Values() []E {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	values := make([]E, len(self.elements))
	for i, element := range self.elements {
		values[i] = element.Value
	}
	return values
}

// Stamp changes whenever the mirror changes.
func (self *ClientCollection[E]) Stamp() int64 {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.stamp
}

func (self *ClientCollection[E]) ContentControlled() bool {
	self.stateLock.RLock()
	defer self.stateLock.RUnlock()
	return self.contentControlled
}

func (self *ClientCollection[E]) LastChange() int64 {
	return self.transceiver.LastChange()
}

func (self *ClientCollection[E]) Subscribe(callback ClientChangeFunction[E]) func() {
	return self.subscribers.Add(callback)
}

// Close detaches the session and closes the transceiver.
func (self *ClientCollection[E]) Close() {
	self.cancel()
	if self.removeNotify != nil {
		self.removeNotify()
	}

	self.opLock.Lock()
	defer self.opLock.Unlock()

	detachCtx, detachCancel := context.WithTimeout(context.Background(), self.settings.DetachTimeout)
	defer detachCancel()
	if err := self.transceiver.Detach(detachCtx); err != nil {
		glog.V(1).Infof("[cc]detach error = %s\n", err)
	}
	self.transceiver.Close()
}
