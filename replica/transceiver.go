package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
)

var ErrLockTimeout = errors.New("lock timeout")

// Transceiver is the client side of the replication protocol.
// Every call carries the last change the caller applied, and returns the changes after it.
// The caller applies those changes and then advances `SetLastChange`.
type Transceiver interface {
	// attaches a new session. A repeated attach replaces the session, which is how a client resyncs.
	Attach(ctx context.Context) (*Snapshot, error)
	Detach(ctx context.Context) error
	LastChange() int64
	SetLastChange(eventId int64)
	Poll(ctx context.Context) ([]*Change, error)
	// waits for the lock. The lock is held until `LockResult.Release`.
	Lock(ctx context.Context, write bool) (*LockResult, error)
	// nil when the lock is not available now
	TryLock(ctx context.Context, write bool) (*LockResult, error)
	// the rejection message, or "" when `ApplyOperations` would accept the ops now
	QueryCapability(ctx context.Context, ops []*Operation) (string, error)
	ApplyOperations(ctx context.Context, ops []*Operation) (*OperationResult, error)
	AddNotifyCallback(callback func()) func()
	Close()
}

type ProtocolTransceiverSettings struct {
	RequestTimeout time.Duration
	UnlockRetries  uint64
}

func DefaultProtocolTransceiverSettings() *ProtocolTransceiverSettings {
	return &ProtocolTransceiverSettings{
		RequestTimeout: 60 * time.Second,
		UnlockRetries:  5,
	}
}

// ProtocolTransceiver runs the command protocol over a `Transfer`, in json or binary.
type ProtocolTransceiver struct {
	ctx    context.Context
	cancel context.CancelFunc

	transfer Transfer
	protocol protocol
	tag      string

	stateLock  sync.Mutex
	clientId   Id
	lastChange int64

	settings *ProtocolTransceiverSettings
}

func NewJsonTransceiverWithDefaults(ctx context.Context, transfer Transfer) *ProtocolTransceiver {
	return NewJsonTransceiver(ctx, transfer, DefaultProtocolTransceiverSettings())
}

func NewJsonTransceiver(ctx context.Context, transfer Transfer, settings *ProtocolTransceiverSettings) *ProtocolTransceiver {
	return newProtocolTransceiver(ctx, transfer, jsonProtocol{}, "[jt]", settings)
}

func NewBinaryTransceiverWithDefaults(ctx context.Context, transfer Transfer) *ProtocolTransceiver {
	return NewBinaryTransceiver(ctx, transfer, DefaultProtocolTransceiverSettings())
}

func NewBinaryTransceiver(ctx context.Context, transfer Transfer, settings *ProtocolTransceiverSettings) *ProtocolTransceiver {
	return newProtocolTransceiver(ctx, transfer, binaryProtocol{}, "[bt]", settings)
}

func newProtocolTransceiver(
	ctx context.Context,
	transfer Transfer,
	protocol protocol,
	tag string,
	settings *ProtocolTransceiverSettings,
) *ProtocolTransceiver {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ProtocolTransceiver{
		ctx:        cancelCtx,
		cancel:     cancel,
		transfer:   transfer,
		protocol:   protocol,
		tag:        tag,
		lastChange: -1,
		settings:   settings,
	}
}

func (self *ProtocolTransceiver) roundTrip(ctx context.Context, request *commandRequest) (*commandResponse, error) {
	self.stateLock.Lock()
	request.ClientId = self.clientId
	request.LastChange = self.lastChange
	self.stateLock.Unlock()

	requestBytes, err := self.protocol.EncodeRequest(request)
	if err != nil {
		return nil, err
	}

	requestCtx, requestCancel := context.WithTimeout(ctx, self.settings.RequestTimeout)
	defer requestCancel()
	go func() {
		select {
		case <-requestCtx.Done():
		case <-self.ctx.Done():
			requestCancel()
		}
	}()

	responseBytes, err := TraceWithReturnError(
		fmt.Sprintf("%s%s %s", self.tag, request.Command, request.ClientId),
		func() ([]byte, error) {
			return self.transfer.RoundTrip(requestCtx, requestBytes)
		},
	)
	if err != nil {
		glog.Infof("%s%s error = %s\n", self.tag, request.Command, err)
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	response, err := self.protocol.DecodeResponse(responseBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	switch response.ResponseType {
	case ResponseError:
		switch response.ErrorType {
		case ErrorTypeStale:
			return nil, fmt.Errorf("%w: %s", ErrStale, response.Message)
		case string(RejectUnsupported), string(RejectIllegalArgument), string(RejectNotFound):
			return nil, &RejectedError{
				Kind:    RejectKind(response.ErrorType),
				Message: response.Message,
			}
		default:
			return nil, fmt.Errorf("server error: %s", response.Message)
		}
	case ResponseConcurrentMod:
		return nil, &ConcurrentModError{
			Changes: response.Changes,
		}
	default:
		return response, nil
	}
}

func (self *ProtocolTransceiver) Attach(ctx context.Context) (*Snapshot, error) {
	response, err := self.roundTrip(ctx, &commandRequest{
		Command: CommandAttach,
	})
	if err != nil {
		return nil, err
	}
	if response.Snapshot == nil {
		return nil, fmt.Errorf("%w: attach without snapshot", ErrConnection)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.clientId = response.ClientId
	self.lastChange = response.Snapshot.Cursor
	glog.V(1).Infof("%sattached %s at %d\n", self.tag, self.clientId, self.lastChange)
	return response.Snapshot, nil
}

func (self *ProtocolTransceiver) Detach(ctx context.Context) error {
	self.stateLock.Lock()
	attached := !self.clientId.IsZero()
	self.stateLock.Unlock()
	if !attached {
		return nil
	}

	_, err := self.roundTrip(ctx, &commandRequest{
		Command: CommandDetach,
	})

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.clientId = Id{}
	return err
}

func (self *ProtocolTransceiver) ClientId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.clientId
}

func (self *ProtocolTransceiver) LastChange() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastChange
}

func (self *ProtocolTransceiver) SetLastChange(eventId int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastChange = eventId
}

func (self *ProtocolTransceiver) Poll(ctx context.Context) ([]*Change, error) {
	response, err := self.roundTrip(ctx, &commandRequest{
		Command: CommandPoll,
	})
	if err != nil {
		return nil, err
	}
	return response.Changes, nil
}

func (self *ProtocolTransceiver) lock(ctx context.Context, command string, write bool) (*LockResult, error) {
	response, err := self.roundTrip(ctx, &commandRequest{
		Command: command,
		Write:   write,
	})
	if err != nil {
		return nil, err
	}
	if response.ResponseType == ResponseFail {
		return nil, nil
	}
	lockId := response.LockId
	return newLockResult(lockId, response.Changes, func() error {
		return self.unlock(lockId)
	}), nil
}

func (self *ProtocolTransceiver) Lock(ctx context.Context, write bool) (*LockResult, error) {
	lockResult, err := self.lock(ctx, CommandLock, write)
	if err != nil {
		return nil, err
	}
	if lockResult == nil {
		return nil, ErrLockTimeout
	}
	return lockResult, nil
}

func (self *ProtocolTransceiver) TryLock(ctx context.Context, write bool) (*LockResult, error) {
	return self.lock(ctx, CommandTryLock, write)
}

// unlock retries connection failures. The server expires the lease if every attempt fails.
func (self *ProtocolTransceiver) unlock(lockId Id) error {
	unlockBackOff := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), self.settings.UnlockRetries),
		self.ctx,
	)
	return backoff.Retry(func() error {
		response, err := self.roundTrip(self.ctx, &commandRequest{
			Command: CommandUnlock,
			LockId:  lockId,
		})
		if errors.Is(err, ErrConnection) {
			return err
		} else if err != nil {
			return backoff.Permanent(err)
		}
		if response.ResponseType == ResponseFail {
			glog.Infof("%sunlock %s = %s\n", self.tag, lockId, response.Message)
		}
		return nil
	}, unlockBackOff)
}

func (self *ProtocolTransceiver) QueryCapability(ctx context.Context, ops []*Operation) (string, error) {
	response, err := self.roundTrip(ctx, &commandRequest{
		Command: CommandQueryCapability,
		Ops:     ops,
	})
	if err != nil {
		return "", err
	}
	if response.Result == nil {
		return "", nil
	}
	return *response.Result, nil
}

func (self *ProtocolTransceiver) ApplyOperations(ctx context.Context, ops []*Operation) (*OperationResult, error) {
	response, err := self.roundTrip(ctx, &commandRequest{
		Command: CommandApply,
		Ops:     ops,
	})
	if err != nil {
		return nil, err
	}
	return &OperationResult{
		Address: response.Address,
		Changes: response.Changes,
	}, nil
}

func (self *ProtocolTransceiver) AddNotifyCallback(callback func()) func() {
	return self.transfer.AddNotifyCallback(callback)
}

func (self *ProtocolTransceiver) Close() {
	self.cancel()
	self.transfer.Close()
}
