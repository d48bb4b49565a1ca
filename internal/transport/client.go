package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const defaultUnaryTimeout = 15 * time.Second

type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
}

type Response struct {
	StatusCode int
	Body       []byte
}

// NetworkClient performs a single request. Failures are returned as *Error.
type NetworkClient interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// TokenSource supplies the bearer token attached to each request. Refreshing
// tokens is the caller's concern.
type TokenSource func(ctx context.Context) (string, error)

type HTTPClient struct {
	baseURL      string
	client       *http.Client
	unaryTimeout time.Duration
	tokens       TokenSource
	userAgent    string
}

type Option func(*HTTPClient)

func WithUnaryTimeout(timeout time.Duration) Option {
	return func(c *HTTPClient) { c.unaryTimeout = timeout }
}

func WithTokenSource(src TokenSource) Option {
	return func(c *HTTPClient) { c.tokens = src }
}

func WithUserAgent(ua string) Option {
	return func(c *HTTPClient) { c.userAgent = ua }
}

func NewHTTPClient(baseURL string, client *http.Client, opts ...Option) *HTTPClient {
	if client == nil {
		client = &http.Client{}
	}
	c := &HTTPClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		unaryTimeout: defaultUnaryTimeout,
		userAgent:    "sduisync",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func (c *HTTPClient) Do(ctx context.Context, r Request) (Response, error) {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		method = http.MethodGet
	}
	u := c.baseURL + "/" + strings.TrimLeft(r.Path, "/")

	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, body)
	if err != nil {
		return Response{}, NewError(KindBadRequest, "build request", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if len(r.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.tokens != nil {
		token, err := c.tokens(ctx)
		if err != nil {
			return Response{}, NewError(KindUnauthorized, "token unavailable", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Response{}, Classify(err)
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, Classify(err)
	}
	if resp.StatusCode >= 400 {
		return Response{}, decodeStatusError(resp.StatusCode, payload)
	}
	return Response{StatusCode: resp.StatusCode, Body: payload}, nil
}

func decodeStatusError(status int, payload []byte) *Error {
	var env errorEnvelope
	if err := json.Unmarshal(payload, &env); err == nil {
		if env.Error.Code != "" || env.Error.Message != "" {
			return StatusError(status, env.Error.Code, env.Error.Message)
		}
		if env.Message != "" {
			return StatusError(status, fmt.Sprintf("HTTP_%d", status), env.Message)
		}
	}
	return StatusError(status, fmt.Sprintf("HTTP_%d", status), strings.TrimSpace(string(payload)))
}

// EncodeBody marshals a request body; nil produces an empty body.
func EncodeBody(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return buf, nil
}
