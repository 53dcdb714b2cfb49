package replica

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

var ErrTransactionClosed = errors.New("transaction closed")

// ClientTransaction holds the local operation lock and then a remote lock.
// Other clients cannot apply while a write transaction is open, and cannot write
// while a read transaction is open. Close releases both, the local lock even when
// the remote unlock fails.
type ClientTransaction[E any] struct {
	ctx        context.Context
	collection *ClientCollection[E]
	write      bool
	lockResult *LockResult

	stateLock sync.Mutex
	closed    bool
}

// Lock waits for the remote lock. The caller must `Close` the transaction.
func (self *ClientCollection[E]) Lock(ctx context.Context, write bool) (*ClientTransaction[E], error) {
	return self.lock(ctx, write, self.transceiver.Lock)
}

// TryLock returns nil when the remote lock is held by another client.
func (self *ClientCollection[E]) TryLock(ctx context.Context, write bool) (*ClientTransaction[E], error) {
	return self.lock(ctx, write, self.transceiver.TryLock)
}

func (self *ClientCollection[E]) lock(
	ctx context.Context,
	write bool,
	remoteLock func(ctx context.Context, write bool) (*LockResult, error),
) (*ClientTransaction[E], error) {
	self.opLock.Lock()
	success := false
	defer func() {
		if !success {
			self.opLock.Unlock()
		}
	}()

	lockResult, err := remoteLock(ctx, write)
	if errors.Is(err, ErrStale) {
		if err := self.resync(ctx); err != nil {
			return nil, err
		}
		lockResult, err = remoteLock(ctx, write)
	}
	if err != nil {
		return nil, err
	}
	if lockResult == nil {
		return nil, nil
	}
	if err := self.mergeOrResync(ctx, lockResult.Changes); err != nil {
		lockResult.Release()
		return nil, err
	}

	success = true
	glog.V(1).Infof("[cc]lock %s (write=%t)\n", lockResult.LockId, write)
	return &ClientTransaction[E]{
		ctx:        ctx,
		collection: self,
		write:      write,
		lockResult: lockResult,
	}, nil
}

func (self *ClientTransaction[E]) check(write bool) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.closed {
		return ErrTransactionClosed
	}
	if write && !self.write {
		return Rejected(RejectUnsupported, "read transaction")
	}
	return nil
}

func (self *ClientTransaction[E]) Write() bool {
	return self.write
}

func (self *ClientTransaction[E]) Size() int {
	return self.collection.Size()
}

func (self *ClientTransaction[E]) Get(index int) (ClientElement[E], bool) {
	return self.collection.Get(index)
}

func (self *ClientTransaction[E]) Values() []E {
	return self.collection.Values()
}

// Poll applies the changes of this client's own session. Others cannot write while a write lock is held.
func (self *ClientTransaction[E]) Poll() error {
	if err := self.check(false); err != nil {
		return err
	}
	return self.collection.poll(self.ctx)
}

func (self *ClientTransaction[E]) Add(value E) (ClientElement[E], error) {
	if err := self.check(true); err != nil {
		return ClientElement[E]{}, err
	}
	return self.collection.addElement(self.ctx, value, nil, nil, false)
}

func (self *ClientTransaction[E]) Insert(index int, value E) (ClientElement[E], error) {
	if err := self.check(true); err != nil {
		return ClientElement[E]{}, err
	}
	return self.collection.insert(self.ctx, index, value)
}

func (self *ClientTransaction[E]) AddElement(value E, after Address, before Address, first bool) (ClientElement[E], error) {
	if err := self.check(true); err != nil {
		return ClientElement[E]{}, err
	}
	return self.collection.addElement(self.ctx, value, after, before, first)
}

func (self *ClientTransaction[E]) AddAll(values []E) error {
	if err := self.check(true); err != nil {
		return err
	}
	return self.collection.insertAll(self.ctx, len(self.collection.elements), values)
}

func (self *ClientTransaction[E]) Remove(index int) (E, error) {
	if err := self.check(true); err != nil {
		var empty E
		return empty, err
	}
	return self.collection.remove(self.ctx, index)
}

func (self *ClientTransaction[E]) RemoveIf(predicate func(value E) bool) (int, error) {
	if err := self.check(true); err != nil {
		return 0, err
	}
	return self.collection.removeIf(self.ctx, predicate)
}

func (self *ClientTransaction[E]) Set(index int, value E) (E, error) {
	if err := self.check(true); err != nil {
		var empty E
		return empty, err
	}
	return self.collection.set(self.ctx, index, value)
}

func (self *ClientTransaction[E]) Update(index int) error {
	if err := self.check(true); err != nil {
		return err
	}
	return self.collection.update(self.ctx, index)
}

func (self *ClientTransaction[E]) Clear() error {
	if err := self.check(true); err != nil {
		return err
	}
	_, err := self.collection.removeAddresses(self.ctx, self.collection.allAddresses)
	return err
}

func (self *ClientTransaction[E]) ReplaceAll(values []E) error {
	if err := self.check(true); err != nil {
		return err
	}
	return self.collection.replaceAll(self.ctx, values)
}

func (self *ClientTransaction[E]) SetAll(addresses []Address, value E) (int, error) {
	if err := self.check(true); err != nil {
		return 0, err
	}
	return self.collection.setAll(self.ctx, addresses, value)
}

func (self *ClientTransaction[E]) ReplaceAllFunc(replace func(value E) E, soft bool) (int, error) {
	if err := self.check(true); err != nil {
		return 0, err
	}
	return self.collection.replaceAllFunc(self.ctx, replace, soft)
}

// Close is idempotent.
func (self *ClientTransaction[E]) Close() error {
	self.stateLock.Lock()
	closed := self.closed
	self.closed = true
	self.stateLock.Unlock()
	if closed {
		return nil
	}

	defer self.collection.opLock.Unlock()
	err := self.lockResult.Release()
	if err != nil {
		glog.Infof("[cc]unlock %s error = %s\n", self.lockResult.LockId, err)
	}
	return err
}
