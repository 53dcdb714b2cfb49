package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mongoEventRecord struct {
	EventId int64  `bson:"_id"`
	Record  []byte `bson:"record"`
}

type mongoFloorRecord struct {
	LogName string `bson:"_id"`
	Floor   int64  `bson:"floor"`
}

// MongoEventLog keeps one document per event in `<logName>_events`,
// and the floor in the shared `replica_floor` collection.
type MongoEventLog struct {
	ctx    context.Context
	cancel context.CancelFunc

	events  *mongo.Collection
	floors  *mongo.Collection
	logName string

	stateLock sync.Mutex
	floor     int64
	last      int64

	releaseCallbacks *CallbackList[ReleaseFunction]
}

func NewMongoEventLog(ctx context.Context, db *mongo.Database, logName string) (*MongoEventLog, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	eventLog := &MongoEventLog{
		ctx:              cancelCtx,
		cancel:           cancel,
		events:           db.Collection(fmt.Sprintf("%s_events", logName)),
		floors:           db.Collection("replica_floor"),
		logName:          logName,
		floor:            0,
		last:             -1,
		releaseCallbacks: NewCallbackList[ReleaseFunction](),
	}

	err := func() error {
		var floorRecord mongoFloorRecord
		err := eventLog.floors.FindOne(cancelCtx, bson.M{"_id": logName}).Decode(&floorRecord)
		if err == nil {
			eventLog.floor = floorRecord.Floor
		} else if !errors.Is(err, mongo.ErrNoDocuments) {
			return err
		}
		eventLog.last = eventLog.floor - 1

		var lastRecord mongoEventRecord
		err = eventLog.events.FindOne(
			cancelCtx,
			bson.M{},
			options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}),
		).Decode(&lastRecord)
		if err == nil {
			eventLog.last = lastRecord.EventId
		} else if !errors.Is(err, mongo.ErrNoDocuments) {
			return err
		}
		return nil
	}()
	if err != nil {
		cancel()
		return nil, err
	}
	glog.V(1).Infof("[el]mongo %s floor %d last %d\n", logName, eventLog.floor, eventLog.last)
	return eventLog, nil
}

func (self *MongoEventLog) Store(eventId int64, change *Change) error {
	if eventId < self.Floor() {
		return ErrEventReleased
	}
	record, err := encodeEventRecord(change)
	if err != nil {
		return err
	}
	_, err = self.events.ReplaceOne(
		self.ctx,
		bson.M{"_id": eventId},
		&mongoEventRecord{
			EventId: eventId,
			Record:  record,
		},
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.last = max(self.last, eventId)
	self.stateLock.Unlock()
	return nil
}

func (self *MongoEventLog) Retrieve(eventId int64) (*Change, error) {
	if eventId < self.Floor() {
		return nil, ErrEventReleased
	}
	var eventRecord mongoEventRecord
	err := self.events.FindOne(self.ctx, bson.M{"_id": eventId}).Decode(&eventRecord)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrEventNotFound
	} else if err != nil {
		return nil, err
	}
	return decodeEventRecord(eventId, eventRecord.Record)
}

func (self *MongoEventLog) Release(oldestNeeded int64) error {
	if oldestNeeded <= self.Floor() {
		return nil
	}

	_, err := self.events.DeleteMany(self.ctx, bson.M{"_id": bson.M{"$lt": oldestNeeded}})
	if err != nil {
		return fmt.Errorf("release %d: %w", oldestNeeded, err)
	}
	_, err = self.floors.UpdateOne(
		self.ctx,
		bson.M{"_id": self.logName},
		bson.M{"$max": bson.M{"floor": oldestNeeded}},
		options.Update().SetUpsert(true),
	)
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

func (self *MongoEventLog) Floor() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.floor
}

func (self *MongoEventLog) Last() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.last
}

func (self *MongoEventLog) AddReleaseCallback(callback ReleaseFunction) func() {
	return self.releaseCallbacks.Add(callback)
}

// the database client is owned by the caller and is not disconnected
func (self *MongoEventLog) Close() error {
	self.cancel()
	self.releaseCallbacks.Clear()
	return nil
}
