package replica

import (
	"errors"
	"sync"

	"github.com/golang/glog"
)

var ErrEventReleased = errors.New("event released")
var ErrEventNotFound = errors.New("event not found")

// called with the new floor after a release
type ReleaseFunction func(floor int64)

// EventLog stores change records by event id until they are released.
// Ids are stored in increasing order. The floor is the lowest id that may still be retrieved.
// Implementations are safe for concurrent use.
type EventLog interface {
	Store(eventId int64, change *Change) error
	// returns `ErrEventReleased` below the floor, which means the caller must resync from a snapshot
	Retrieve(eventId int64) (*Change, error)
	// removes every record with id < `oldestNeeded`. A no-op when `oldestNeeded` <= floor.
	Release(oldestNeeded int64) error
	Floor() int64
	// the highest stored id, or -1
	Last() int64
	AddReleaseCallback(callback ReleaseFunction) func()
	Close() error
}

type MemoryEventLogSettings struct {
	// when positive, storing past this many records force releases the oldest.
	// Clients whose cursor falls below the floor become stale.
	MaxRetained int
}

func DefaultMemoryEventLogSettings() *MemoryEventLogSettings {
	return &MemoryEventLogSettings{
		MaxRetained: 0,
	}
}

type MemoryEventLog struct {
	stateLock sync.Mutex
	changes   map[int64]*Change
	floor     int64
	last      int64

	releaseCallbacks *CallbackList[ReleaseFunction]

	settings *MemoryEventLogSettings
}

func NewMemoryEventLogWithDefaults() *MemoryEventLog {
	return NewMemoryEventLog(DefaultMemoryEventLogSettings())
}

func NewMemoryEventLog(settings *MemoryEventLogSettings) *MemoryEventLog {
	return &MemoryEventLog{
		changes:          map[int64]*Change{},
		floor:            0,
		last:             -1,
		releaseCallbacks: NewCallbackList[ReleaseFunction](),
		settings:         settings,
	}
}

func (self *MemoryEventLog) Store(eventId int64, change *Change) error {
	forceFloor := func() int64 {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if eventId < self.floor {
			return -1
		}
		self.changes[eventId] = change
		self.last = max(self.last, eventId)

		if 0 < self.settings.MaxRetained && self.settings.MaxRetained < len(self.changes) {
			return self.last - int64(self.settings.MaxRetained) + 1
		}
		return 0
	}()
	if forceFloor < 0 {
		return ErrEventReleased
	}
	if 0 < forceFloor {
		glog.Infof("[el]retained limit %d reached, force release to %d\n", self.settings.MaxRetained, forceFloor)
		return self.Release(forceFloor)
	}
	return nil
}

func (self *MemoryEventLog) Retrieve(eventId int64) (*Change, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if eventId < self.floor {
		return nil, ErrEventReleased
	}
	change, ok := self.changes[eventId]
	if !ok {
		return nil, ErrEventNotFound
	}
	return change, nil
}

func (self *MemoryEventLog) Release(oldestNeeded int64) error {
	released := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if oldestNeeded <= self.floor {
			return false
		}
		if int64(len(self.changes)) < oldestNeeded-self.floor {
			for eventId := range self.changes {
				if eventId < oldestNeeded {
					delete(self.changes, eventId)
				}
			}
		} else {
			for eventId := self.floor; eventId < oldestNeeded; eventId += 1 {
				delete(self.changes, eventId)
			}
		}
		self.floor = oldestNeeded
		return true
	}()
	if released {
		glog.V(1).Infof("[el]floor %d\n", oldestNeeded)
		notifyRelease(self.releaseCallbacks, oldestNeeded)
	}
	return nil
}

func (self *MemoryEventLog) Floor() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.floor
}

func (self *MemoryEventLog) Last() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.last
}

func (self *MemoryEventLog) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.changes)
}

func (self *MemoryEventLog) AddReleaseCallback(callback ReleaseFunction) func() {
	return self.releaseCallbacks.Add(callback)
}

func (self *MemoryEventLog) Close() error {
	self.releaseCallbacks.Clear()
	return nil
}
