package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bringyour/replica/replica"
)

type RouterSettings struct {
	Version        string
	MaxRequestSize int64
	WebSocket      *replica.WebSocketTransferSettings
}

func DefaultRouterSettings() *RouterSettings {
	return &RouterSettings{
		Version:        "0.0.0-local",
		MaxRequestSize: 16 * 1024 * 1024,
		WebSocket:      replica.DefaultWebSocketTransferSettings(),
	}
}

// sessionCounter is satisfied by `replica.SessionHandler`
type sessionCounter interface {
	SessionCount() int
}

type collectionHandler interface {
	sessionCounter
	JsonHandler() replica.RequestHandler
	BinaryHandler() replica.RequestHandler
}

// Routes:
//
//	POST /collection       one request, json or binary by content type
//	GET  /collection/ws    websocket, `?format=binary` for the binary protocol
//	GET  /status
//
// When `auth` is nil the collection routes are open.
type Router struct {
	ctx      context.Context
	handler  collectionHandler
	auth     *JwtAuth
	upgrader *websocket.Upgrader
	settings *RouterSettings
}

func NewRouterWithDefaults(ctx context.Context, handler collectionHandler, auth *JwtAuth) *mux.Router {
	return NewRouter(ctx, handler, auth, DefaultRouterSettings())
}

func NewRouter(ctx context.Context, handler collectionHandler, auth *JwtAuth, settings *RouterSettings) *mux.Router {
	router := &Router{
		ctx:     ctx,
		handler: handler,
		auth:    auth,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.WebSocket.HandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		settings: settings,
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", router.status).Methods("GET")

	r.Handle("/collection", router.authorize(router.request)).Methods("POST")
	r.Handle("/collection/ws", router.authorize(router.webSocket)).Methods("GET")
	return r
}

func (self *Router) authorize(next http.HandlerFunc) http.Handler {
	if self.auth == nil {
		return next
	}
	return self.auth.Middleware(next)
}

func (self *Router) protocolHandler(binary bool) (replica.RequestHandler, string) {
	if binary {
		return self.handler.BinaryHandler(), replica.ContentTypeBinary
	}
	return self.handler.JsonHandler(), replica.ContentTypeJson
}

func (self *Router) request(w http.ResponseWriter, r *http.Request) {
	binary := strings.HasPrefix(r.Header.Get("Content-Type"), replica.ContentTypeBinary)
	handler, contentType := self.protocolHandler(binary)

	requestBytes, err := io.ReadAll(http.MaxBytesReader(w, r.Body, self.settings.MaxRequestSize))
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	responseBytes, _ := handler.Handle(r.Context(), requestBytes)
	w.Header().Set("Content-Type", contentType)
	w.Write(responseBytes)
}

func (self *Router) webSocket(w http.ResponseWriter, r *http.Request) {
	handler, _ := self.protocolHandler(r.URL.Query().Get("format") == "binary")

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already wrote the error response
		glog.Infof("[api]upgrade error = %s\n", err)
		return
	}
	if byJwt, ok := RequestByJwt(r.Context()); ok {
		glog.V(1).Infof("[api]websocket open for %s\n", byJwt.ClientName)
	}
	// the connection outlives the request
	replica.ServeWebSocket(self.ctx, ws, handler, self.settings.WebSocket)
}

type StatusResult struct {
	Version  string `json:"version"`
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (self *Router) status(w http.ResponseWriter, r *http.Request) {
	result := &StatusResult{
		Version:  self.settings.Version,
		Status:   "ok",
		Sessions: self.handler.SessionCount(),
	}
	select {
	case <-self.ctx.Done():
		result.Status = "closed"
	default:
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", replica.ContentTypeJson)
	w.Write(responseJson)
}
