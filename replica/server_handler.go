package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/exp/maps"
)

const (
	CommandAttach          = "attach"
	CommandDetach          = "detach"
	CommandPoll            = "poll"
	CommandLock            = "lock"
	CommandTryLock         = "tryLock"
	CommandUnlock          = "unlock"
	CommandQueryCapability = "queryCapability"
	CommandApply           = "apply"
)

type ResponseType string

const (
	ResponseSuccess       ResponseType = "success"
	ResponseError         ResponseType = "error"
	ResponseFail          ResponseType = "fail"
	ResponseConcurrentMod ResponseType = "concurrentMod"
)

const (
	ErrorTypeStale    = "stale"
	ErrorTypeInternal = "internal"
)

// protocol independent request. Every request carries the caller's last change,
// which both acknowledges it and selects the catch-up changes of the response.
type commandRequest struct {
	Command    string
	ClientId   Id
	LastChange int64
	Write      bool
	LockId     Id
	Ops        []*Operation
}

type commandResponse struct {
	ResponseType ResponseType
	Changes      []*Change
	ClientId     Id
	LockId       Id
	// queryCapability: nil when the ops are acceptable
	Result    *string
	Address   Address
	Message   string
	ErrorType string
	Snapshot  *Snapshot
}

// protocol encodes commands for one wire format. Both ends use the same protocol.
type protocol interface {
	EncodeRequest(request *commandRequest) ([]byte, error)
	DecodeRequest(requestBytes []byte) (*commandRequest, error)
	EncodeResponse(response *commandResponse) ([]byte, error)
	DecodeResponse(responseBytes []byte) (*commandResponse, error)
}

// RequestHandler serves encoded requests for one protocol.
type RequestHandler interface {
	// returns the response and the session the request was bound to
	Handle(ctx context.Context, requestBytes []byte) ([]byte, Id)
	// the callback runs on a session goroutine after changes, coalesced
	AddNotifyCallback(clientId Id, callback func()) func()
}

type SessionHandlerSettings struct {
	// a session with no request for this long is detached
	SessionTimeout time.Duration
	// a lock that is not released for this long expires
	LockTimeout time.Duration
	// how long `lock` and `apply` wait for the leases of other sessions
	LockWaitTimeout time.Duration
}

func DefaultSessionHandlerSettings() *SessionHandlerSettings {
	return &SessionHandlerSettings{
		SessionTimeout:  5 * time.Minute,
		LockTimeout:     30 * time.Second,
		LockWaitTimeout: 5 * time.Second,
	}
}

type serverSession[E any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId       Id
	client          *ServerClient[E]
	monitor         *Monitor
	notifyCallbacks *CallbackList[func()]

	closeOnce sync.Once
}

func (self *serverSession[E]) run(notify chan struct{}) {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		}
		notify = self.monitor.NotifyChannel()
		for _, callback := range self.notifyCallbacks.Get() {
			HandleError(callback)
		}
	}
}

// SessionHandler maps protocol commands from remote clients onto a `CollectionServer`.
// Each remote client is a session bound to one attached server client.
type SessionHandler[E any] struct {
	ctx    context.Context
	cancel context.CancelFunc

	server   *CollectionServer[E]
	sessions *ttlcache.Cache[Id, *serverSession[E]]
	locks    *lockManager

	settings *SessionHandlerSettings
}

func NewSessionHandlerWithDefaults[E any](ctx context.Context, server *CollectionServer[E]) *SessionHandler[E] {
	return NewSessionHandler(ctx, server, DefaultSessionHandlerSettings())
}

func NewSessionHandler[E any](
	ctx context.Context,
	server *CollectionServer[E],
	settings *SessionHandlerSettings,
) *SessionHandler[E] {
	cancelCtx, cancel := context.WithCancel(ctx)

	sessions := ttlcache.New[Id, *serverSession[E]](
		ttlcache.WithTTL[Id, *serverSession[E]](settings.SessionTimeout),
	)

	handler := &SessionHandler[E]{
		ctx:      cancelCtx,
		cancel:   cancel,
		server:   server,
		sessions: sessions,
		locks:    newLockManager(cancelCtx, settings.LockTimeout),
		settings: settings,
	}

	sessions.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[Id, *serverSession[E]]) {
		session := item.Value()
		if reason == ttlcache.EvictionReasonExpired {
			glog.Infof("[sh]session %s expired\n", session.sessionId)
		}
		handler.closeSession(session)
	})

	go sessions.Start()

	go func() {
		<-cancelCtx.Done()
		sessions.Stop()
		for _, session := range maps.Values(sessions.Items()) {
			handler.closeSession(session.Value())
		}
	}()

	return handler
}

// eviction handlers run on their own goroutine, so explicit removals also close directly
func (self *SessionHandler[E]) closeSession(session *serverSession[E]) {
	session.closeOnce.Do(func() {
		session.cancel()
		self.locks.releaseSession(session.sessionId)
		session.client.Detach()
		glog.V(1).Infof("[sh]close session %s\n", session.sessionId)
	})
}

func (self *SessionHandler[E]) removeSession(sessionId Id) {
	item := self.sessions.Get(sessionId, ttlcache.WithDisableTouchOnHit[Id, *serverSession[E]]())
	if item == nil {
		return
	}
	self.sessions.Delete(sessionId)
	self.closeSession(item.Value())
}

func (self *SessionHandler[E]) session(sessionId Id) (*serverSession[E], bool) {
	item := self.sessions.Get(sessionId)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (self *SessionHandler[E]) SessionCount() int {
	return self.sessions.Len()
}

func (self *SessionHandler[E]) AddNotifyCallback(clientId Id, callback func()) func() {
	session, ok := self.session(clientId)
	if !ok {
		return func() {}
	}
	return session.notifyCallbacks.Add(callback)
}

func (self *SessionHandler[E]) JsonHandler() RequestHandler {
	return &protocolHandler[E]{
		handler:  self,
		protocol: jsonProtocol{},
	}
}

func (self *SessionHandler[E]) BinaryHandler() RequestHandler {
	return &protocolHandler[E]{
		handler:  self,
		protocol: binaryProtocol{},
	}
}

func (self *SessionHandler[E]) Close() {
	self.cancel()
}

func (self *SessionHandler[E]) handle(ctx context.Context, request *commandRequest) *commandResponse {
	if request.Command == CommandAttach {
		return self.attach(request)
	}

	session, ok := self.session(request.ClientId)
	if !ok {
		return &commandResponse{
			ResponseType: ResponseError,
			ErrorType:    ErrorTypeStale,
			Message:      fmt.Sprintf("unknown session %s", request.ClientId),
		}
	}
	session.client.EventReceived(request.LastChange)

	switch request.Command {
	case CommandDetach:
		self.removeSession(session.sessionId)
		return &commandResponse{
			ResponseType: ResponseSuccess,
		}
	case CommandPoll:
		return self.withChanges(request, &commandResponse{
			ResponseType: ResponseSuccess,
		})
	case CommandLock, CommandTryLock:
		timeout := time.Duration(0)
		if request.Command == CommandLock {
			timeout = self.settings.LockWaitTimeout
		}
		lockId, ok := self.locks.acquire(ctx, session.sessionId, request.Write, timeout)
		if !ok {
			return self.withChanges(request, &commandResponse{
				ResponseType: ResponseFail,
				Message:      "lock not available",
			})
		}
		return self.withChanges(request, &commandResponse{
			ResponseType: ResponseSuccess,
			LockId:       lockId,
		})
	case CommandUnlock:
		if !self.locks.release(session.sessionId, request.LockId) {
			return &commandResponse{
				ResponseType: ResponseFail,
				Message:      fmt.Sprintf("unknown lock %s", request.LockId),
			}
		}
		return &commandResponse{
			ResponseType: ResponseSuccess,
		}
	case CommandQueryCapability:
		_, err := self.server.ApplyOperations(request.LastChange, request.Ops, true)
		var rejected *RejectedError
		if errors.As(err, &rejected) {
			return self.withChanges(request, &commandResponse{
				ResponseType: ResponseSuccess,
				Result:       &rejected.Message,
			})
		} else if err != nil {
			return self.errorResponse(err)
		}
		return self.withChanges(request, &commandResponse{
			ResponseType: ResponseSuccess,
		})
	case CommandApply:
		var result *OperationResult
		var err error
		applied := self.locks.applyWritable(ctx, session.sessionId, self.settings.LockWaitTimeout, func() {
			result, err = self.server.ApplyOperations(request.LastChange, request.Ops, false)
		})
		if !applied {
			glog.Infof("[sh]apply from %s timed out waiting for locks\n", session.sessionId)
			return self.withChanges(request, &commandResponse{
				ResponseType: ResponseConcurrentMod,
			})
		}
		if err != nil {
			return self.errorResponse(err)
		}
		return &commandResponse{
			ResponseType: ResponseSuccess,
			Address:      result.Address,
			Changes:      result.Changes,
		}
	default:
		return &commandResponse{
			ResponseType: ResponseError,
			ErrorType:    string(RejectUnsupported),
			Message:      fmt.Sprintf("unknown command %s", request.Command),
		}
	}
}

func (self *SessionHandler[E]) attach(request *commandRequest) *commandResponse {
	if !request.ClientId.IsZero() {
		// a resync replaces the earlier session
		self.removeSession(request.ClientId)
	}

	sessionCtx, sessionCancel := context.WithCancel(self.ctx)
	monitor := NewMonitor()
	client, snapshot, err := self.server.Attach(func(change *Change) {
		monitor.NotifyAll()
	})
	if err != nil {
		sessionCancel()
		return self.errorResponse(err)
	}

	session := &serverSession[E]{
		ctx:             sessionCtx,
		cancel:          sessionCancel,
		sessionId:       client.clientId,
		client:          client,
		monitor:         monitor,
		notifyCallbacks: NewCallbackList[func()](),
	}
	go session.run(monitor.NotifyChannel())
	self.sessions.Set(session.sessionId, session, ttlcache.DefaultTTL)

	return &commandResponse{
		ResponseType: ResponseSuccess,
		ClientId:     session.sessionId,
		Snapshot:     snapshot,
	}
}

func (self *SessionHandler[E]) withChanges(request *commandRequest, response *commandResponse) *commandResponse {
	changes, err := self.server.ChangesSince(request.LastChange)
	if err != nil {
		return self.errorResponse(err)
	}
	response.Changes = changes
	return response
}

func (self *SessionHandler[E]) errorResponse(err error) *commandResponse {
	var conflict *ConcurrentModError
	var rejected *RejectedError
	switch {
	case errors.As(err, &conflict):
		return &commandResponse{
			ResponseType: ResponseConcurrentMod,
			Changes:      conflict.Changes,
		}
	case errors.Is(err, ErrStale):
		return &commandResponse{
			ResponseType: ResponseError,
			ErrorType:    ErrorTypeStale,
			Message:      err.Error(),
		}
	case errors.As(err, &rejected):
		return &commandResponse{
			ResponseType: ResponseError,
			ErrorType:    string(rejected.Kind),
			Message:      rejected.Message,
		}
	default:
		glog.Infof("[sh]internal error = %s\n", err)
		return &commandResponse{
			ResponseType: ResponseError,
			ErrorType:    ErrorTypeInternal,
			Message:      err.Error(),
		}
	}
}

type protocolHandler[E any] struct {
	handler  *SessionHandler[E]
	protocol protocol
}

func (self *protocolHandler[E]) Handle(ctx context.Context, requestBytes []byte) ([]byte, Id) {
	var response *commandResponse
	var sessionId Id
	request, err := self.protocol.DecodeRequest(requestBytes)
	if err != nil {
		response = &commandResponse{
			ResponseType: ResponseError,
			ErrorType:    string(RejectIllegalArgument),
			Message:      err.Error(),
		}
	} else {
		response = self.handler.handle(ctx, request)
		sessionId = request.ClientId
		if request.Command == CommandAttach {
			sessionId = response.ClientId
		}
		glog.V(2).Infof("[sh]%s %s at %d = %s (%d changes)\n", request.Command, sessionId, request.LastChange, response.ResponseType, len(response.Changes))
	}

	responseBytes, err := self.protocol.EncodeResponse(response)
	if err != nil {
		responseBytes, _ = self.protocol.EncodeResponse(self.handler.errorResponse(err))
	}
	return responseBytes, sessionId
}

func (self *protocolHandler[E]) AddNotifyCallback(clientId Id, callback func()) func() {
	return self.handler.AddNotifyCallback(clientId, callback)
}
