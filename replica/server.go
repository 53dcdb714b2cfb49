package replica

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

type ChangeFunction func(change *Change)

type SnapshotElement struct {
	Address Address
	Value   []byte
}

// Snapshot is the full state of a collection at event `Cursor`.
type Snapshot struct {
	Cursor            int64
	Elements          []*SnapshotElement
	ContentControlled bool
}

type CollectionServerSettings struct {
	// release records left in a persistent event log by an earlier process.
	// Clients of an earlier process cannot resume, since element addresses are reassigned on attach.
	ReleaseOnStart bool
}

func DefaultCollectionServerSettings() *CollectionServerSettings {
	return &CollectionServerSettings{
		ReleaseOnStart: true,
	}
}

type ServerStats struct {
	Clients     int
	Elements    int
	LastEventId int64
	// the slowest and fastest client cursors
	FloorCursor int64
	LeadCursor  int64
	LogFloor    int64
}

// the server side record of one element
type elementRef struct {
	elementId Id
	address   Address
	value     []byte
}

// CollectionServer replicates a canonical collection to attached clients.
//
// Lock order is the collection lock, then `listenLock` or `stateLock`. Collection events
// arrive with the collection lock held, so the server never calls into the collection
// while holding `stateLock`.
type CollectionServer[E any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	collection ObservableCollection[E]
	codec      ValueCodec[E]
	eventLog   EventLog

	// serializes attach and detach
	listenLock sync.Mutex

	stateLock   sync.Mutex
	listening   bool
	unsubscribe func()
	// ordered by index, which is also address order
	refs        []*elementRef
	elementRefs map[Id]*elementRef
	lastEventId int64
	clients     *clientQueue[*ServerClient[E]]

	// the highest floor the event log reported. Read without the event log round trip.
	releasedFloor         atomic.Int64
	removeReleaseCallback func()

	settings *CollectionServerSettings
}

func NewCollectionServerWithDefaults[E any](
	ctx context.Context,
	collection ObservableCollection[E],
	codec ValueCodec[E],
	eventLog EventLog,
) (*CollectionServer[E], error) {
	return NewCollectionServer(ctx, collection, codec, eventLog, DefaultCollectionServerSettings())
}

func NewCollectionServer[E any](
	ctx context.Context,
	collection ObservableCollection[E],
	codec ValueCodec[E],
	eventLog EventLog,
	settings *CollectionServerSettings,
) (*CollectionServer[E], error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	server := &CollectionServer[E]{
		ctx:         cancelCtx,
		cancel:      cancel,
		collection:  collection,
		codec:       codec,
		eventLog:    eventLog,
		refs:        []*elementRef{},
		elementRefs: map[Id]*elementRef{},
		// continue the id sequence of a persistent log
		lastEventId: max(eventLog.Last(), eventLog.Floor()-1),
		clients:     newClientQueue[*ServerClient[E]](),
		settings:    settings,
	}
	server.releasedFloor.Store(eventLog.Floor())
	server.removeReleaseCallback = eventLog.AddReleaseCallback(server.onRelease)

	if settings.ReleaseOnStart {
		if err := eventLog.Release(server.lastEventId + 1); err != nil {
			cancel()
			server.removeReleaseCallback()
			return nil, err
		}
	}
	glog.V(1).Infof("[cs]start at event %d\n", server.lastEventId)
	return server, nil
}

func (self *CollectionServer[E]) onRelease(floor int64) {
	for {
		releasedFloor := self.releasedFloor.Load()
		if floor <= releasedFloor || self.releasedFloor.CompareAndSwap(releasedFloor, floor) {
			return
		}
	}
}

// Attach registers a client. The callback receives every later change synchronously,
// in event id order. The snapshot is the state at the client's initial cursor.
func (self *CollectionServer[E]) Attach(callback ChangeFunction) (*ServerClient[E], *Snapshot, error) {
	self.listenLock.Lock()
	defer self.listenLock.Unlock()

	select {
	case <-self.ctx.Done():
		return nil, nil, self.ctx.Err()
	default:
	}

	self.stateLock.Lock()
	listening := self.listening
	self.stateLock.Unlock()
	if !listening {
		if err := self.listen(); err != nil {
			return nil, nil, err
		}
	}

	contentControlled := self.collection.ContentControlled()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	client := &ServerClient[E]{
		clientCursor: clientCursor{
			clientId:     NewId(),
			lastReceived: self.lastEventId,
		},
		server:   self,
		callback: callback,
	}
	self.clients.Add(client)

	snapshot := &Snapshot{
		Cursor:            self.lastEventId,
		Elements:          make([]*SnapshotElement, len(self.refs)),
		ContentControlled: contentControlled,
	}
	for i, ref := range self.refs {
		snapshot.Elements[i] = &SnapshotElement{
			Address: ref.address,
			Value:   ref.value,
		}
	}
	glog.V(1).Infof("[cs]attach %s at %d (%d clients)\n", client.clientId, self.lastEventId, self.clients.QueueSize())
	return client, snapshot, nil
}

// walk the collection once, assigning spaced addresses, and subscribe to its events
func (self *CollectionServer[E]) listen() error {
	var initErr error
	unsubscribe := self.collection.Subscribe(func(elements []CollectionElement[E]) {
		refs := make([]*elementRef, len(elements))
		addresses := SpacedAddresses(len(elements))
		for i, element := range elements {
			value, err := self.codec.Encode(element.Value)
			if err != nil {
				initErr = fmt.Errorf("encode element %d: %w", i, err)
				return
			}
			refs[i] = &elementRef{
				elementId: element.ElementId,
				address:   addresses[i],
				value:     value,
			}
		}

		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.refs = refs
		self.elementRefs = map[Id]*elementRef{}
		for _, ref := range refs {
			self.elementRefs[ref.elementId] = ref
		}
		self.listening = true
	}, self.onCollectionEvent)

	if initErr != nil {
		unsubscribe()
		return initErr
	}

	self.stateLock.Lock()
	self.unsubscribe = unsubscribe
	n := len(self.refs)
	self.stateLock.Unlock()
	glog.V(1).Infof("[cs]listening to %d elements\n", n)
	return nil
}

// called with the collection lock held
func (self *CollectionServer[E]) onCollectionEvent(event *CollectionEvent[E]) {
	change, callbacks := func() (*Change, []ChangeFunction) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if !self.listening {
			return nil, nil
		}

		change := &Change{
			TransactionEnd: event.TransactionEnd,
			Move:           event.Move,
		}

		switch event.Type {
		case CollectionAdd:
			value, err := self.codec.Encode(event.NewValue)
			if err != nil {
				panic(fmt.Errorf("encode added value: %w", err))
			}
			if event.Index < 0 || len(self.refs) < event.Index {
				panic(fmt.Errorf("add index %d out of range %d", event.Index, len(self.refs)))
			}
			var after Address
			var before Address
			if 0 < event.Index {
				after = self.refs[event.Index-1].address
			}
			if event.Index < len(self.refs) {
				before = self.refs[event.Index].address
			}
			address, err := Between(after, before)
			if err != nil {
				panic(fmt.Errorf("assign address: %w", err))
			}
			ref := &elementRef{
				elementId: event.ElementId,
				address:   address,
				value:     value,
			}
			self.refs = slices.Insert(self.refs, event.Index, ref)
			self.elementRefs[ref.elementId] = ref

			change.Type = ChangeAdd
			change.Address = address
			change.NewValue = value
		case CollectionRemove:
			ref := self.requireRef(event)
			self.refs = slices.Delete(self.refs, event.Index, event.Index+1)
			delete(self.elementRefs, ref.elementId)

			change.Type = ChangeRemove
			change.Address = ref.address
			change.OldValue = ref.value
		case CollectionSet:
			ref := self.requireRef(event)
			value, err := self.codec.Encode(event.NewValue)
			if err != nil {
				panic(fmt.Errorf("encode set value: %w", err))
			}
			change.Address = ref.address
			if event.Update || slices.Equal(ref.value, value) {
				change.Type = ChangeUpdate
				change.OldValue = ref.value
				change.NewValue = ref.value
			} else {
				change.Type = ChangeSet
				change.OldValue = ref.value
				change.NewValue = value
				ref.value = value
			}
		default:
			panic(fmt.Errorf("unknown collection event %d", event.Type))
		}

		self.lastEventId += 1
		change.EventId = self.lastEventId

		if 0 < self.clients.QueueSize() {
			if err := self.eventLog.Store(change.EventId, change); err != nil {
				// the record is lost. Clients behind it must resync.
				glog.Errorf("[cs]store %d error = %s\n", change.EventId, err)
				self.onRelease(change.EventId + 1)
			}
		}
		glog.V(2).Infof("[cs]change %s\n", change)

		items := self.clients.Items()
		callbacks := make([]ChangeFunction, 0, len(items))
		for _, client := range items {
			if client.callback != nil {
				callbacks = append(callbacks, client.callback)
			}
		}
		return change, callbacks
	}()

	for _, callback := range callbacks {
		HandleError(func() {
			callback(change)
		})
	}
}

func (self *CollectionServer[E]) requireRef(event *CollectionEvent[E]) *elementRef {
	if event.Index < 0 || len(self.refs) <= event.Index {
		panic(fmt.Errorf("index %d out of range %d", event.Index, len(self.refs)))
	}
	ref := self.refs[event.Index]
	if ref.elementId != event.ElementId {
		panic(fmt.Errorf("element %s is not at index %d", event.ElementId, event.Index))
	}
	return ref
}

// must be called with `stateLock` held
func (self *CollectionServer[E]) refByAddress(address Address) (*elementRef, bool) {
	i, found := slices.BinarySearchFunc(self.refs, address, func(ref *elementRef, address Address) int {
		return Compare(ref.address, address)
	})
	if !found {
		return nil, false
	}
	return self.refs[i], true
}

func (self *CollectionServer[E]) detach(client *ServerClient[E]) {
	self.listenLock.Lock()
	defer self.listenLock.Unlock()

	floor, unsubscribe, ok := func() (int64, func(), bool) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if _, ok := self.clients.RemoveByClientId(client.clientId); !ok {
			return 0, nil, false
		}
		client.detached = true
		glog.V(1).Infof("[cs]detach %s (%d clients)\n", client.clientId, self.clients.QueueSize())

		if first, ok := self.clients.PeekFirst(); ok {
			return first.lastReceived + 1, nil, true
		}
		// no clients remain. Addresses are reassigned on the next attach.
		unsubscribe := self.unsubscribe
		self.unsubscribe = nil
		self.listening = false
		self.refs = []*elementRef{}
		self.elementRefs = map[Id]*elementRef{}
		return self.lastEventId + 1, unsubscribe, true
	}()
	if !ok {
		return
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	self.release(floor)
}

func (self *CollectionServer[E]) eventReceived(client *ServerClient[E], eventId int64) {
	floor, ok := func() (int64, bool) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if client.detached {
			return 0, false
		}
		eventId = min(eventId, self.lastEventId)
		if eventId <= client.lastReceived {
			return 0, false
		}
		first, _ := self.clients.PeekFirst()
		wasFirst := first == client
		client.lastReceived = eventId
		self.clients.Fix(client)
		if !wasFirst {
			return 0, false
		}
		first, _ = self.clients.PeekFirst()
		return first.lastReceived + 1, true
	}()
	if ok {
		self.release(floor)
	}
}

// called without `stateLock`, since the event log notifies release callbacks synchronously
func (self *CollectionServer[E]) release(floor int64) {
	if err := self.eventLog.Release(floor); err != nil {
		glog.Infof("[cs]release %d error = %s\n", floor, err)
	}
}

// ChangesSince returns the changes after `lastChange` in event id order.
func (self *CollectionServer[E]) ChangesSince(lastChange int64) ([]*Change, error) {
	if lastChange+1 < self.releasedFloor.Load() {
		return nil, ErrStale
	}

	self.stateLock.Lock()
	lastEventId := self.lastEventId
	self.stateLock.Unlock()

	if lastEventId < lastChange {
		return nil, Rejected(RejectIllegalArgument, "unknown event %d, last is %d", lastChange, lastEventId)
	}
	changes := make([]*Change, 0, lastEventId-lastChange)
	for eventId := lastChange + 1; eventId <= lastEventId; eventId += 1 {
		change, err := self.eventLog.Retrieve(eventId)
		if errors.Is(err, ErrEventReleased) {
			return nil, ErrStale
		} else if errors.Is(err, ErrEventNotFound) {
			// allocated but not yet stored
			break
		} else if err != nil {
			return nil, err
		}
		changes = append(changes, change)
	}
	return changes, nil
}

func (self *CollectionServer[E]) LastEventId() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastEventId
}

func (self *CollectionServer[E]) Stats() *ServerStats {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stats := &ServerStats{
		Clients:     self.clients.QueueSize(),
		Elements:    len(self.refs),
		LastEventId: self.lastEventId,
		FloorCursor: self.lastEventId,
		LeadCursor:  self.lastEventId,
		LogFloor:    self.releasedFloor.Load(),
	}
	if first, ok := self.clients.PeekFirst(); ok {
		stats.FloorCursor = first.lastReceived
	}
	if last, ok := self.clients.PeekLast(); ok {
		stats.LeadCursor = last.lastReceived
	}
	return stats
}

func (self *CollectionServer[E]) ContentControlled() bool {
	return self.collection.ContentControlled()
}

// Close detaches every client. The event log is owned by the caller.
func (self *CollectionServer[E]) Close() {
	self.cancel()
	for _, client := range self.clients.Items() {
		client.Detach()
	}
	self.removeReleaseCallback()
}

// ServerClient is the server side of one attached client.
// Its cursor is advanced only by the client's own acknowledgements.
type ServerClient[E any] struct {
	clientCursor

	server   *CollectionServer[E]
	callback ChangeFunction
	detached bool
}

// the last acknowledged event id
func (self *ServerClient[E]) Cursor() int64 {
	self.server.stateLock.Lock()
	defer self.server.stateLock.Unlock()
	return self.lastReceived
}

// EventReceived acknowledges every change up to `eventId`. Cursors only move forward.
func (self *ServerClient[E]) EventReceived(eventId int64) {
	self.server.eventReceived(self, eventId)
}

func (self *ServerClient[E]) ChangesSince(lastChange int64) ([]*Change, error) {
	return self.server.ChangesSince(lastChange)
}

// Poll returns the changes after the last acknowledged event, and acknowledges them.
func (self *ServerClient[E]) Poll() ([]*Change, error) {
	changes, err := self.server.ChangesSince(self.Cursor())
	if err != nil {
		return nil, err
	}
	if 0 < len(changes) {
		self.EventReceived(changes[len(changes)-1].EventId)
	}
	return changes, nil
}

func (self *ServerClient[E]) Detach() {
	self.server.detach(self)
}
