package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoSendsJSONAndBearerToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/users", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"name":"Ana"}`, string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"7"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewHTTPClient(srv.URL, srv.Client(), WithTokenSource(func(context.Context) (string, error) {
		return "tok-1", nil
	}))
	body, err := EncodeBody(map[string]any{"name": "Ana"})
	require.NoError(t, err)
	resp, err := client.Do(context.Background(), Request{Method: "post", Path: "api/v1/users", Body: body})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.JSONEq(t, `{"id":"7"}`, string(resp.Body))
}

func TestDoMapsStatusCodesToKinds(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
	}{
		{status: http.StatusBadRequest, kind: KindBadRequest},
		{status: http.StatusUnauthorized, kind: KindUnauthorized},
		{status: http.StatusForbidden, kind: KindForbidden},
		{status: http.StatusNotFound, kind: KindNotFound},
		{status: http.StatusConflict, kind: KindConflict},
		{status: http.StatusUnprocessableEntity, kind: KindClientError},
		{status: http.StatusInternalServerError, kind: KindServerError},
		{status: http.StatusBadGateway, kind: KindServerError},
		{status: http.StatusGatewayTimeout, kind: KindTimeout},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, `{"error":{"code":"E_TEST","message":"boom"}}`)
		}))
		client := NewHTTPClient(srv.URL, srv.Client())
		_, err := client.Do(context.Background(), Request{Method: http.MethodGet, Path: "/x"})
		srv.Close()

		var te *Error
		require.True(t, errors.As(err, &te), "status=%d err=%v", tc.status, err)
		require.Equal(t, tc.kind, te.Kind, "status=%d", tc.status)
		require.Equal(t, tc.status, te.StatusCode)
		require.Equal(t, "E_TEST: boom", te.Error())
	}
}

func TestDoPlainTextErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "maintenance\n")
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, srv.Client()).Do(context.Background(), Request{Path: "/x"})
	require.Error(t, err)
	require.Equal(t, "HTTP_503: maintenance", err.Error())
	require.False(t, IsConnectivity(err))
}

func TestDoUnreachableServerIsConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := NewHTTPClient(addr, nil, WithUnaryTimeout(time.Second)).Do(context.Background(), Request{Path: "/x"})
	require.Error(t, err)
	require.True(t, IsConnectivity(err), "err=%v", err)
}

func TestDoTimeoutIsConnectivity(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewHTTPClient(srv.URL, srv.Client(), WithUnaryTimeout(50*time.Millisecond))
	_, err := client.Do(context.Background(), Request{Path: "/slow"})
	require.Error(t, err)
	require.Equal(t, KindTimeout, Classify(err).Kind)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "canceled", err: context.Canceled, kind: KindCancelled},
		{name: "deadline", err: context.DeadlineExceeded, kind: KindTimeout},
		{name: "url timeout", err: &url.Error{Op: "Get", URL: "http://x", Err: timeoutErr{}}, kind: KindTimeout},
		{name: "dns", err: &net.DNSError{Name: "x.invalid", Err: "no such host"}, kind: KindNetworkFailure},
		{name: "refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, kind: KindNetworkFailure},
		{name: "typed", err: StatusError(http.StatusConflict, "", ""), kind: KindConflict},
		{name: "wrapped typed", err: errors.Join(errors.New("ctx"), StatusError(http.StatusNotFound, "", "")), kind: KindNotFound},
		{name: "opaque", err: errors.New("weird"), kind: KindClientError},
		{name: "eof", err: &url.Error{Op: "Post", URL: "http://x", Err: io.ErrUnexpectedEOF}, kind: KindNetworkFailure},
		{name: "wrapped eof", err: fmt.Errorf("read body: %w", io.EOF), kind: KindNetworkFailure},
		{name: "timeout wording", err: errors.New("validation timeout_seconds must be positive"), kind: KindClientError},
		{name: "eof wording", err: errors.New("unexpected token near eof marker"), kind: KindClientError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.kind, Classify(tc.err).Kind)
		})
	}
	require.Nil(t, Classify(nil))
	require.False(t, IsConnectivity(nil))
	require.True(t, IsCancelled(context.Canceled))
}
