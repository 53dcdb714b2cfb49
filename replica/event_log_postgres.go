package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresEventLogSchema = `
CREATE TABLE IF NOT EXISTS replica_event (
    log_name varchar(128) NOT NULL,
    event_id bigint NOT NULL,
    record bytea NOT NULL,
    PRIMARY KEY (log_name, event_id)
);
CREATE TABLE IF NOT EXISTS replica_event_floor (
    log_name varchar(128) NOT NULL PRIMARY KEY,
    floor bigint NOT NULL
);
`

// PostgresEventLog keeps records in a shared table, one row per event, partitioned by log name.
type PostgresEventLog struct {
	ctx    context.Context
	cancel context.CancelFunc

	pool    *pgxpool.Pool
	logName string

	stateLock sync.Mutex
	floor     int64
	last      int64

	releaseCallbacks *CallbackList[ReleaseFunction]
}

func NewPostgresEventLog(ctx context.Context, pool *pgxpool.Pool, logName string) (*PostgresEventLog, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	eventLog := &PostgresEventLog{
		ctx:              cancelCtx,
		cancel:           cancel,
		pool:             pool,
		logName:          logName,
		floor:            0,
		last:             -1,
		releaseCallbacks: NewCallbackList[ReleaseFunction](),
	}

	err := func() error {
		if _, err := pool.Exec(cancelCtx, postgresEventLogSchema); err != nil {
			return err
		}
		err := pool.QueryRow(
			cancelCtx,
			`SELECT floor FROM replica_event_floor WHERE log_name = $1`,
			logName,
		).Scan(&eventLog.floor)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		var last *int64
		err = pool.QueryRow(
			cancelCtx,
			`SELECT MAX(event_id) FROM replica_event WHERE log_name = $1`,
			logName,
		).Scan(&last)
		if err != nil {
			return err
		}
		if last != nil {
			eventLog.last = *last
		} else {
			eventLog.last = eventLog.floor - 1
		}
		return nil
	}()
	if err != nil {
		cancel()
		return nil, err
	}
	glog.V(1).Infof("[el]postgres %s floor %d last %d\n", logName, eventLog.floor, eventLog.last)
	return eventLog, nil
}

func (self *PostgresEventLog) Store(eventId int64, change *Change) error {
	if eventId < self.Floor() {
		return ErrEventReleased
	}
	record, err := encodeEventRecord(change)
	if err != nil {
		return err
	}
	_, err = self.pool.Exec(
		self.ctx,
		`
		INSERT INTO replica_event (log_name, event_id, record)
		VALUES ($1, $2, $3)
		ON CONFLICT (log_name, event_id) DO UPDATE
		SET record = $3
		`,
		self.logName,
		eventId,
		record,
	)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.last = max(self.last, eventId)
	self.stateLock.Unlock()
	return nil
}

func (self *PostgresEventLog) Retrieve(eventId int64) (*Change, error) {
	if eventId < self.Floor() {
		return nil, ErrEventReleased
	}
	var record []byte
	err := self.pool.QueryRow(
		self.ctx,
		`SELECT record FROM replica_event WHERE log_name = $1 AND event_id = $2`,
		self.logName,
		eventId,
	).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	} else if err != nil {
		return nil, err
	}
	return decodeEventRecord(eventId, record)
}

func (self *PostgresEventLog) Release(oldestNeeded int64) error {
	if oldestNeeded <= self.Floor() {
		return nil
	}

	err := pgx.BeginFunc(self.ctx, self.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(
			self.ctx,
			`DELETE FROM replica_event WHERE log_name = $1 AND event_id < $2`,
			self.logName,
			oldestNeeded,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			self.ctx,
			`
			INSERT INTO replica_event_floor (log_name, floor)
			VALUES ($1, $2)
			ON CONFLICT (log_name) DO UPDATE
			SET floor = GREATEST(replica_event_floor.floor, $2)
			`,
			self.logName,
			oldestNeeded,
		)
		return err
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

func (self *PostgresEventLog) Floor() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.floor
}

func (self *PostgresEventLog) Last() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.last
}

func (self *PostgresEventLog) AddReleaseCallback(callback ReleaseFunction) func() {
	return self.releaseCallbacks.Add(callback)
}

// the pool is owned by the caller and is not closed
func (self *PostgresEventLog) Close() error {
	self.cancel()
	self.releaseCallbacks.Clear()
	return nil
}
