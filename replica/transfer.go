package replica

import (
	"context"
	"errors"
	"sync"
)

var ErrTransferClosed = errors.New("transfer closed")

// Transfer moves encoded requests to a `RequestHandler` and returns its responses.
// Round trips are serialized by the caller.
type Transfer interface {
	RoundTrip(ctx context.Context, requestBytes []byte) ([]byte, error)
	// the callback runs when the server has changes for the session of this transfer.
	// A transfer without push never calls it.
	AddNotifyCallback(callback func()) func()
	Close()
}

// LocalTransfer calls a handler in the same process.
type LocalTransfer struct {
	handler RequestHandler

	stateLock       sync.Mutex
	sessionId       Id
	removeNotify    func()
	closed          bool
	notifyCallbacks *CallbackList[func()]
}

func NewLocalTransfer(handler RequestHandler) *LocalTransfer {
	return &LocalTransfer{
		handler:         handler,
		notifyCallbacks: NewCallbackList[func()](),
	}
}

func (self *LocalTransfer) RoundTrip(ctx context.Context, requestBytes []byte) ([]byte, error) {
	self.stateLock.Lock()
	closed := self.closed
	self.stateLock.Unlock()
	if closed {
		return nil, ErrTransferClosed
	}

	responseBytes, sessionId := self.handler.Handle(ctx, requestBytes)
	self.bind(sessionId)
	return responseBytes, nil
}

// follows the session of the last request, so that notifications track resyncs
func (self *LocalTransfer) bind(sessionId Id) {
	if sessionId.IsZero() {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed || self.sessionId == sessionId {
		return
	}
	if self.removeNotify != nil {
		self.removeNotify()
	}
	self.sessionId = sessionId
	self.removeNotify = self.handler.AddNotifyCallback(sessionId, self.notify)
}

func (self *LocalTransfer) notify() {
	for _, callback := range self.notifyCallbacks.Get() {
		HandleError(callback)
	}
}

func (self *LocalTransfer) AddNotifyCallback(callback func()) func() {
	return self.notifyCallbacks.Add(callback)
}

func (self *LocalTransfer) Close() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.closed = true
	if self.removeNotify != nil {
		self.removeNotify()
		self.removeNotify = nil
	}
}
