package replica

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	ContentTypeJson   = "application/json"
	ContentTypeBinary = "application/octet-stream"
)

type HttpTransferSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultHttpTransferSettings() *HttpTransferSettings {
	return &HttpTransferSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

// HttpTransfer posts each request. There is no push, so the client relies on its poll interval.
type HttpTransfer struct {
	url         string
	byJwt       string
	contentType string
	client      *http.Client
}

func NewHttpTransferWithDefaults(url string, byJwt string, contentType string) *HttpTransfer {
	return NewHttpTransfer(url, byJwt, contentType, DefaultHttpTransferSettings())
}

func NewHttpTransfer(url string, byJwt string, contentType string, settings *HttpTransferSettings) *HttpTransfer {
	dialer := &net.Dialer{
		Timeout: settings.HttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.HttpTlsTimeout,
	}
	return &HttpTransfer{
		url:         url,
		byJwt:       byJwt,
		contentType: contentType,
		client: &http.Client{
			Transport: transport,
			Timeout:   settings.HttpTimeout,
		},
	}
}

func (self *HttpTransfer) RoundTrip(ctx context.Context, requestBytes []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", self.url, bytes.NewReader(requestBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", self.contentType)
	if self.byJwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", self.byJwt))
	}

	r, err := self.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer r.Body.Close()

	responseBytes, err := io.ReadAll(r.Body)
	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		return nil, errors.New(strings.TrimSpace(string(responseBytes)))
	}
	if err != nil {
		return nil, err
	}
	return responseBytes, nil
}

func (self *HttpTransfer) AddNotifyCallback(callback func()) func() {
	return func() {}
}

func (self *HttpTransfer) Close() {
	self.client.CloseIdleConnections()
}
