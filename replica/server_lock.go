package replica

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
)

type lockLease struct {
	lockId    Id
	sessionId Id
	write     bool
}

// lockManager holds remote read and write leases for sessions.
// A write lease excludes every lease of another session. A read lease excludes
// write leases and applies of other sessions.
// Leases expire after the lock timeout when a client fails to unlock.
type lockManager struct {
	ctx context.Context

	// serializes check and set
	stateLock sync.Mutex
	leases    *ttlcache.Cache[Id, *lockLease]
	monitor   *Monitor
}

func newLockManager(ctx context.Context, lockTimeout time.Duration) *lockManager {
	leases := ttlcache.New[Id, *lockLease](
		ttlcache.WithTTL[Id, *lockLease](lockTimeout),
		ttlcache.WithDisableTouchOnHit[Id, *lockLease](),
	)
	monitor := NewMonitor()

	leases.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[Id, *lockLease]) {
		if reason == ttlcache.EvictionReasonExpired {
			glog.Infof("[sh]lock %s of %s expired\n", item.Key(), item.Value().sessionId)
		}
		monitor.NotifyAll()
	})

	go leases.Start()

	go func() {
		<-ctx.Done()
		leases.Stop()
	}()

	return &lockManager{
		ctx:     ctx,
		leases:  leases,
		monitor: monitor,
	}
}

// must be called with `stateLock` held
func (self *lockManager) blocked(sessionId Id, write bool) bool {
	for _, item := range self.leases.Items() {
		if item.IsExpired() {
			continue
		}
		lease := item.Value()
		if lease.sessionId == sessionId {
			continue
		}
		if write || lease.write {
			return true
		}
	}
	return false
}

// waits up to `timeout` for `try` to succeed
func (self *lockManager) await(ctx context.Context, timeout time.Duration, try func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		notify := self.monitor.NotifyChannel()
		if try() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-self.ctx.Done():
			return false
		case <-notify:
		case <-time.After(remaining):
		}
	}
}

// acquire returns the new lock id, or false if the lease was not available within `timeout`
func (self *lockManager) acquire(ctx context.Context, sessionId Id, write bool, timeout time.Duration) (Id, bool) {
	var lockId Id
	ok := self.await(ctx, timeout, func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.blocked(sessionId, write) {
			return false
		}
		lockId = NewId()
		self.leases.Set(lockId, &lockLease{
			lockId:    lockId,
			sessionId: sessionId,
			write:     write,
		}, ttlcache.DefaultTTL)
		return true
	})
	return lockId, ok
}

// applyWritable waits until no other session holds a lease, then runs `apply`.
// `apply` runs with `stateLock` held so that no lease can be taken between the check and the apply.
// Returns false when the wait timed out and `apply` did not run.
func (self *lockManager) applyWritable(ctx context.Context, sessionId Id, timeout time.Duration, apply func()) bool {
	return self.await(ctx, timeout, func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.blocked(sessionId, true) {
			return false
		}
		apply()
		return true
	})
}

func (self *lockManager) release(sessionId Id, lockId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item := self.leases.Get(lockId)
	if item == nil || item.Value().sessionId != sessionId {
		return false
	}
	self.leases.Delete(lockId)
	self.monitor.NotifyAll()
	return true
}

func (self *lockManager) releaseSession(sessionId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for lockId, item := range self.leases.Items() {
		if item.Value().sessionId == sessionId {
			self.leases.Delete(lockId)
		}
	}
	self.monitor.NotifyAll()
}
