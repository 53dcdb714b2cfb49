package replica

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// RedisEventLog keeps records in a redis hash, with a sorted set of ids for release.
//   <prefix>:events  hash    id -> record
//   <prefix>:ids     zset    id scored by id
//   <prefix>:floor   string
type RedisEventLog struct {
	ctx    context.Context
	cancel context.CancelFunc

	client *redis.Client
	prefix string

	stateLock sync.Mutex
	floor     int64
	last      int64

	releaseCallbacks *CallbackList[ReleaseFunction]
}

func NewRedisEventLog(ctx context.Context, client *redis.Client, prefix string) (*RedisEventLog, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	eventLog := &RedisEventLog{
		ctx:              cancelCtx,
		cancel:           cancel,
		client:           client,
		prefix:           prefix,
		floor:            0,
		last:             -1,
		releaseCallbacks: NewCallbackList[ReleaseFunction](),
	}

	floor, err := client.Get(cancelCtx, eventLog.floorKey()).Int64()
	if err == nil {
		eventLog.floor = floor
	} else if !errors.Is(err, redis.Nil) {
		cancel()
		return nil, err
	}
	eventLog.last = eventLog.floor - 1

	lastIds, err := client.ZRevRangeWithScores(cancelCtx, eventLog.idsKey(), 0, 0).Result()
	if err != nil {
		cancel()
		return nil, err
	}
	if 0 < len(lastIds) {
		eventLog.last = int64(lastIds[0].Score)
	}
	glog.V(1).Infof("[el]redis %s floor %d last %d\n", prefix, eventLog.floor, eventLog.last)
	return eventLog, nil
}

func (self *RedisEventLog) eventsKey() string {
	return fmt.Sprintf("%s:events", self.prefix)
}

func (self *RedisEventLog) idsKey() string {
	return fmt.Sprintf("%s:ids", self.prefix)
}

func (self *RedisEventLog) floorKey() string {
	return fmt.Sprintf("%s:floor", self.prefix)
}

func (self *RedisEventLog) Store(eventId int64, change *Change) error {
	if eventId < self.Floor() {
		return ErrEventReleased
	}
	record, err := encodeEventRecord(change)
	if err != nil {
		return err
	}
	member := strconv.FormatInt(eventId, 10)
	_, err = self.client.TxPipelined(self.ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(self.ctx, self.eventsKey(), member, record)
		pipe.ZAdd(self.ctx, self.idsKey(), redis.Z{
			Score:  float64(eventId),
			Member: member,
		})
		return nil
	})
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.last = max(self.last, eventId)
	self.stateLock.Unlock()
	return nil
}

func (self *RedisEventLog) Retrieve(eventId int64) (*Change, error) {
	if eventId < self.Floor() {
		return nil, ErrEventReleased
	}
	record, err := self.client.HGet(self.ctx, self.eventsKey(), strconv.FormatInt(eventId, 10)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEventNotFound
	} else if err != nil {
		return nil, err
	}
	return decodeEventRecord(eventId, record)
}

func (self *RedisEventLog) Release(oldestNeeded int64) error {
	if oldestNeeded <= self.Floor() {
		return nil
	}

	maxScore := fmt.Sprintf("(%d", oldestNeeded)
	members, err := self.client.ZRangeByScore(self.ctx, self.idsKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: maxScore,
	}).Result()
	if err != nil {
		return err
	}
	_, err = self.client.TxPipelined(self.ctx, func(pipe redis.Pipeliner) error {
		if 0 < len(members) {
			pipe.HDel(self.ctx, self.eventsKey(), members...)
		}
		pipe.ZRemRangeByScore(self.ctx, self.idsKey(), "-inf", maxScore)
		pipe.Set(self.ctx, self.floorKey(), oldestNeeded, 0)
		return nil
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

func (self *RedisEventLog) Floor() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.floor
}

func (self *RedisEventLog) Last() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.last
}

func (self *RedisEventLog) AddReleaseCallback(callback ReleaseFunction) func() {
	return self.releaseCallbacks.Add(callback)
}

// the client is owned by the caller and is not closed
func (self *RedisEventLog) Close() error {
	self.cancel()
	self.releaseCallbacks.Clear()
	return nil
}
