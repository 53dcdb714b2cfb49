package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/bringyour/replica/replica"
)

var testSecret = []byte("test secret")

func newTestApi(t *testing.T, values ...string) (*replica.ObservableList[string], *replica.SessionHandler[string], *httptest.Server) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	list := replica.NewObservableList(values...)
	server, err := replica.NewCollectionServerWithDefaults[string](
		ctx,
		list,
		replica.JsonValueCodec[string]{},
		replica.NewMemoryEventLogWithDefaults(),
	)
	assert.Equal(t, nil, err)
	t.Cleanup(server.Close)

	handler := replica.NewSessionHandlerWithDefaults(ctx, server)
	t.Cleanup(handler.Close)

	httpServer := httptest.NewServer(NewRouterWithDefaults(ctx, handler, NewJwtAuth(testSecret)))
	t.Cleanup(httpServer.Close)
	return list, handler, httpServer
}

func testToken(t *testing.T, clientName string) string {
	byJwt, err := NewJwtAuth(testSecret).NewToken(clientName, time.Hour)
	assert.Equal(t, nil, err)
	return byJwt
}

func testClientSettings() *replica.ClientCollectionSettings {
	settings := replica.DefaultClientCollectionSettings()
	settings.PollInterval = 0
	return settings
}

func TestJwtAuth(t *testing.T) {
	auth := NewJwtAuth(testSecret)

	byJwtStr, err := auth.NewToken("alice", time.Hour)
	assert.Equal(t, nil, err)

	byJwt, err := auth.Parse(byJwtStr)
	assert.Equal(t, nil, err)
	assert.Equal(t, "alice", byJwt.ClientName)
	assert.Equal(t, true, time.Now().Before(byJwt.ExpiresAt))

	_, err = NewJwtAuth([]byte("other secret")).Parse(byJwtStr)
	assert.Equal(t, true, errors.Is(err, ErrUnauthorized))

	expired, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_name": "alice",
		"exp":         time.Now().Add(-time.Hour).Unix(),
	}).SignedString(testSecret)
	assert.Equal(t, nil, err)
	_, err = auth.Parse(expired)
	assert.Equal(t, true, errors.Is(err, ErrUnauthorized))

	// a token signed with another algorithm is not accepted even with the right key
	none, err := gojwt.NewWithClaims(gojwt.SigningMethodNone, gojwt.MapClaims{
		"client_name": "alice",
	}).SignedString(gojwt.UnsafeAllowNoneSignatureType)
	assert.Equal(t, nil, err)
	_, err = auth.Parse(none)
	assert.Equal(t, true, errors.Is(err, ErrUnauthorized))
}

func TestRouterStatus(t *testing.T) {
	_, _, httpServer := newTestApi(t)

	r, err := http.Get(httpServer.URL + "/status")
	assert.Equal(t, nil, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)

	var result StatusResult
	assert.Equal(t, nil, json.NewDecoder(r.Body).Decode(&result))
	assert.Equal(t, "ok", result.Status)
	assert.Equal(t, 0, result.Sessions)
}

func TestRouterUnauthorized(t *testing.T) {
	_, _, httpServer := newTestApi(t)

	r, err := http.Post(httpServer.URL+"/collection", replica.ContentTypeJson, strings.NewReader(`{"command":"attach"}`))
	assert.Equal(t, nil, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, r.StatusCode)

	transfer := replica.NewHttpTransferWithDefaults(httpServer.URL+"/collection", "", replica.ContentTypeJson)
	_, err = replica.NewClientCollection[string](
		context.Background(),
		replica.NewJsonTransceiverWithDefaults(context.Background(), transfer),
		replica.JsonValueCodec[string]{},
		testClientSettings(),
	)
	assert.Equal(t, true, errors.Is(err, replica.ErrConnection))
}

func TestRouterHttp(t *testing.T) {
	ctx := context.Background()

	for _, contentType := range []string{replica.ContentTypeJson, replica.ContentTypeBinary} {
		t.Run(contentType, func(t *testing.T) {
			list, handler, httpServer := newTestApi(t, "a", "b")

			transfer := replica.NewHttpTransferWithDefaults(httpServer.URL+"/collection", testToken(t, "alice"), contentType)
			var transceiver replica.Transceiver
			if contentType == replica.ContentTypeBinary {
				transceiver = replica.NewBinaryTransceiverWithDefaults(ctx, transfer)
			} else {
				transceiver = replica.NewJsonTransceiverWithDefaults(ctx, transfer)
			}
			client, err := replica.NewClientCollection[string](ctx, transceiver, replica.JsonValueCodec[string]{}, testClientSettings())
			assert.Equal(t, nil, err)
			assert.Equal(t, []string{"a", "b"}, client.Values())
			assert.Equal(t, 1, handler.SessionCount())

			_, err = client.Insert(ctx, 1, "x")
			assert.Equal(t, nil, err)
			assert.Equal(t, []string{"a", "x", "b"}, list.Values())
			assert.Equal(t, list.Values(), client.Values())

			client.Close()
			assert.Equal(t, 0, handler.SessionCount())
		})
	}
}

func TestRouterMalformedRequest(t *testing.T) {
	_, _, httpServer := newTestApi(t)

	request, err := http.NewRequest("POST", httpServer.URL+"/collection", strings.NewReader("not json"))
	assert.Equal(t, nil, err)
	request.Header.Set("Content-Type", replica.ContentTypeJson)
	request.Header.Set("Authorization", "Bearer "+testToken(t, "alice"))

	r, err := http.DefaultClient.Do(request)
	assert.Equal(t, nil, err)
	defer r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)

	body, err := io.ReadAll(r.Body)
	assert.Equal(t, nil, err)
	var response map[string]any
	assert.Equal(t, nil, json.Unmarshal(body, &response))
	assert.Equal(t, "error", response["responseType"])
	assert.Equal(t, "illegalArgument", response["errorType"])
}

func TestRouterWebSocket(t *testing.T) {
	ctx := context.Background()
	list, _, httpServer := newTestApi(t)

	wsUrl := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/collection/ws"

	newClient := func(format string) *replica.ClientCollection[string] {
		transfer := replica.NewWebSocketTransferWithDefaults(ctx, wsUrl+"?format="+format, testToken(t, format))
		var transceiver replica.Transceiver
		if format == "binary" {
			transceiver = replica.NewBinaryTransceiverWithDefaults(ctx, transfer)
		} else {
			transceiver = replica.NewJsonTransceiverWithDefaults(ctx, transfer)
		}
		client, err := replica.NewClientCollection[string](ctx, transceiver, replica.JsonValueCodec[string]{}, testClientSettings())
		assert.Equal(t, nil, err)
		t.Cleanup(client.Close)
		return client
	}

	a := newClient("json")
	b := newClient("binary")

	assert.Equal(t, nil, a.AddAll(ctx, []string{"x", "y"}))
	assert.Equal(t, []string{"x", "y"}, list.Values())

	// b only learns of the change through the notify frame
	deadline := time.Now().Add(5 * time.Second)
	for b.Size() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, []string{"x", "y"}, b.Values())

	_, err := b.Remove(ctx, 0)
	assert.Equal(t, nil, err)
	deadline = time.Now().Add(5 * time.Second)
	for a.Size() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, []string{"y"}, a.Values())
}
