package replica

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// websocket frames are binary messages with a one byte frame type.
// An empty message is a ping.
const (
	frameTypeMessage byte = 1
	frameTypeNotify  byte = 2
)

type WebSocketTransferSettings struct {
	HandshakeTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	RequestTimeout   time.Duration
	SendBufferSize   int
}

func DefaultWebSocketTransferSettings() *WebSocketTransferSettings {
	return &WebSocketTransferSettings{
		HandshakeTimeout: 2 * time.Second,
		PingTimeout:      1 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		RequestTimeout:   30 * time.Second,
		SendBufferSize:   4,
	}
}

// one connection and its read and write loops
type webSocketConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	send     chan []byte
	settings *WebSocketTransferSettings
}

func newWebSocketConn(ctx context.Context, ws *websocket.Conn, settings *WebSocketTransferSettings) *webSocketConn {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &webSocketConn{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		send:     make(chan []byte, settings.SendBufferSize),
		settings: settings,
	}
	go conn.writeLoop()
	return conn
}

func (self *webSocketConn) writeLoop() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				// a websocket write deadline cannot be recovered
				glog.Infof("[ws]-> error = %s\n", err)
				return
			}
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

// readLoop calls `receive` for each frame until the connection fails
func (self *webSocketConn) readLoop(receive func(frameType byte, payload []byte)) {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[ws]<- error = %s\n", err)
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				continue
			}
			receive(message[0], message[1:])
		default:
			glog.V(2).Infof("[ws]other=%d<-\n", messageType)
		}
	}
}

func (self *webSocketConn) write(ctx context.Context, frameType byte, payload []byte) error {
	message := make([]byte, 1+len(payload))
	message[0] = frameType
	copy(message[1:], payload)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-self.ctx.Done():
		return ErrTransferClosed
	case self.send <- message:
		return nil
	}
}

func (self *webSocketConn) Close() {
	self.cancel()
}

// WebSocketTransfer keeps one connection open and dials again after a failure.
// The server pushes a notify frame when the session has changes.
type WebSocketTransfer struct {
	ctx    context.Context
	cancel context.CancelFunc

	url   string
	byJwt string

	// serializes round trips. Responses arrive in request order.
	requestLock sync.Mutex

	stateLock sync.Mutex
	conn      *webSocketConn
	responses chan []byte

	notifyCallbacks *CallbackList[func()]

	settings *WebSocketTransferSettings
}

func NewWebSocketTransferWithDefaults(ctx context.Context, url string, byJwt string) *WebSocketTransfer {
	return NewWebSocketTransfer(ctx, url, byJwt, DefaultWebSocketTransferSettings())
}

func NewWebSocketTransfer(ctx context.Context, url string, byJwt string, settings *WebSocketTransferSettings) *WebSocketTransfer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WebSocketTransfer{
		ctx:             cancelCtx,
		cancel:          cancel,
		url:             url,
		byJwt:           byJwt,
		notifyCallbacks: NewCallbackList[func()](),
		settings:        settings,
	}
}

func (self *WebSocketTransfer) connection(ctx context.Context) (*webSocketConn, chan []byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.conn != nil {
		select {
		case <-self.conn.ctx.Done():
			self.conn = nil
		default:
			return self.conn, self.responses, nil
		}
	}

	select {
	case <-self.ctx.Done():
		return nil, nil, ErrTransferClosed
	default:
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}
	header := http.Header{}
	if self.byJwt != "" {
		header.Add("Authorization", fmt.Sprintf("Bearer %s", self.byJwt))
	}
	ws, _, err := dialer.DialContext(ctx, self.url, header)
	if err != nil {
		return nil, nil, err
	}

	conn := newWebSocketConn(self.ctx, ws, self.settings)
	responses := make(chan []byte, 1)
	go conn.readLoop(func(frameType byte, payload []byte) {
		switch frameType {
		case frameTypeMessage:
			select {
			case responses <- payload:
			case <-conn.ctx.Done():
			}
		case frameTypeNotify:
			for _, callback := range self.notifyCallbacks.Get() {
				HandleError(callback)
			}
		default:
			glog.Infof("[ws]unknown frame type %d\n", frameType)
		}
	})
	glog.V(1).Infof("[ws]connected %s\n", self.url)

	self.conn = conn
	self.responses = responses
	return conn, responses, nil
}

func (self *WebSocketTransfer) RoundTrip(ctx context.Context, requestBytes []byte) ([]byte, error) {
	self.requestLock.Lock()
	defer self.requestLock.Unlock()

	conn, responses, err := self.connection(ctx)
	if err != nil {
		return nil, err
	}

	if err := conn.write(ctx, frameTypeMessage, requestBytes); err != nil {
		conn.Close()
		return nil, err
	}

	select {
	case responseBytes := <-responses:
		return responseBytes, nil
	case <-ctx.Done():
		// a late response would answer the next request
		conn.Close()
		return nil, ctx.Err()
	case <-conn.ctx.Done():
		return nil, errors.New("connection closed")
	case <-time.After(self.settings.RequestTimeout):
		conn.Close()
		return nil, errors.New("request timeout")
	}
}

func (self *WebSocketTransfer) AddNotifyCallback(callback func()) func() {
	return self.notifyCallbacks.Add(callback)
}

func (self *WebSocketTransfer) Close() {
	self.cancel()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.conn != nil {
		self.conn.Close()
		self.conn = nil
	}
}

// ServeWebSocket handles requests on an upgraded connection until it closes.
// Notify frames follow the session of the most recent request.
func ServeWebSocket(ctx context.Context, ws *websocket.Conn, handler RequestHandler, settings *WebSocketTransferSettings) {
	conn := newWebSocketConn(ctx, ws, settings)
	defer conn.Close()

	var sessionId Id
	removeNotify := func() {}
	defer func() {
		removeNotify()
	}()

	notify := func() {
		message := []byte{frameTypeNotify}
		select {
		case conn.send <- message:
		default:
			// a notify is already queued or the client is slow. The client also polls.
		}
	}

	requests := make(chan []byte, 1)
	go conn.readLoop(func(frameType byte, payload []byte) {
		switch frameType {
		case frameTypeMessage:
			select {
			case requests <- payload:
			case <-conn.ctx.Done():
			}
		default:
			glog.Infof("[ws]unknown frame type %d\n", frameType)
		}
	})

	for {
		select {
		case <-conn.ctx.Done():
			return
		case requestBytes := <-requests:
			responseBytes, requestSessionId := handler.Handle(conn.ctx, requestBytes)
			if !requestSessionId.IsZero() && requestSessionId != sessionId {
				removeNotify()
				sessionId = requestSessionId
				removeNotify = handler.AddNotifyCallback(sessionId, notify)
			}
			if err := conn.write(conn.ctx, frameTypeMessage, responseBytes); err != nil {
				return
			}
		}
	}
}
