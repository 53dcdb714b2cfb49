package replica

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	bolt "go.etcd.io/bbolt"
)

var boltEventsBucket = []byte("events")
var boltMetaBucket = []byte("meta")
var boltFloorKey = []byte("floor")

// BoltEventLog keeps the log in a local bbolt file so the event id sequence survives a restart.
type BoltEventLog struct {
	db *bolt.DB

	stateLock sync.Mutex
	floor     int64
	last      int64

	releaseCallbacks *CallbackList[ReleaseFunction]
}

func OpenBoltEventLog(path string) (*BoltEventLog, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	eventLog, err := NewBoltEventLog(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return eventLog, nil
}

func NewBoltEventLog(db *bolt.DB) (*BoltEventLog, error) {
	eventLog := &BoltEventLog{
		db:               db,
		floor:            0,
		last:             -1,
		releaseCallbacks: NewCallbackList[ReleaseFunction](),
	}
	err := db.Update(func(tx *bolt.Tx) error {
		events, err := tx.CreateBucketIfNotExists(boltEventsBucket)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(boltMetaBucket)
		if err != nil {
			return err
		}
		if floorBytes := meta.Get(boltFloorKey); floorBytes != nil {
			eventLog.floor = int64(binary.BigEndian.Uint64(floorBytes))
		}
		if lastKey, _ := events.Cursor().Last(); lastKey != nil {
			eventLog.last = int64(binary.BigEndian.Uint64(lastKey))
		} else {
			eventLog.last = eventLog.floor - 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("[el]bolt %s floor %d last %d\n", db.Path(), eventLog.floor, eventLog.last)
	return eventLog, nil
}

func (self *BoltEventLog) Store(eventId int64, change *Change) error {
	if eventId < self.Floor() {
		return ErrEventReleased
	}
	record, err := encodeEventRecord(change)
	if err != nil {
		return err
	}
	err = self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltEventsBucket).Put(eventKey(eventId), record)
	})
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.last = max(self.last, eventId)
	self.stateLock.Unlock()
	return nil
}

func (self *BoltEventLog) Retrieve(eventId int64) (*Change, error) {
	if eventId < self.Floor() {
		return nil, ErrEventReleased
	}
	var record []byte
	err := self.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(boltEventsBucket).Get(eventKey(eventId)); v != nil {
			// bolt values are only valid within the transaction
			record = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrEventNotFound
	}
	return decodeEventRecord(eventId, record)
}

func (self *BoltEventLog) Release(oldestNeeded int64) error {
	self.stateLock.Lock()
	if oldestNeeded <= self.floor {
		self.stateLock.Unlock()
		return nil
	}
	self.stateLock.Unlock()

	err := self.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(boltMetaBucket)
		if floorBytes := meta.Get(boltFloorKey); floorBytes != nil && oldestNeeded <= int64(binary.BigEndian.Uint64(floorBytes)) {
			return nil
		}
		events := tx.Bucket(boltEventsBucket)
		keys := [][]byte{}
		c := events.Cursor()
		for k, _ := c.First(); k != nil && int64(binary.BigEndian.Uint64(k)) < oldestNeeded; k, _ = c.Next() {
			keys = append(keys, append([]byte{}, k...))
		}
		for _, k := range keys {
			if err := events.Delete(k); err != nil {
				return err
			}
		}
		return meta.Put(boltFloorKey, eventKey(oldestNeeded))
	})
	if err != nil {
		return fmt.Errorf("release %d: %w", oldestNeeded, err)
	}

	self.stateLock.Lock()
	released := self.floor < oldestNeeded
	if released {
		self.floor = oldestNeeded
	}
	self.stateLock.Unlock()

	if released {
		glog.V(1).Infof("[el]floor %d\n", oldestNeeded)
		notifyRelease(self.releaseCallbacks, oldestNeeded)
	}
	return nil
}

func (self *BoltEventLog) Floor() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.floor
}

func (self *BoltEventLog) Last() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.last
}

func (self *BoltEventLog) AddReleaseCallback(callback ReleaseFunction) func() {
	return self.releaseCallbacks.Add(callback)
}

func (self *BoltEventLog) Close() error {
	self.releaseCallbacks.Clear()
	return self.db.Close()
}
