// Package dataloader fetches list data for read events.
package dataloader

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/g960059/sduisync/internal/model"
	"github.com/g960059/sduisync/internal/transport"
)

type Page struct {
	Offset int
	Limit  int
}

type DataLoader interface {
	Load(ctx context.Context, endpoint string, page Page) (model.Items, error)
}

type cacheEntry struct {
	items    model.Items
	storedAt time.Time
}

// HTTPLoader reads through a NetworkClient and caches each page. Fresh
// entries are served without a request; expired entries are still served
// when the server cannot be reached.
type HTTPLoader struct {
	client transport.NetworkClient
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
	flight singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type Option func(*HTTPLoader)

func WithCacheTTL(ttl time.Duration) Option {
	return func(l *HTTPLoader) { l.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(l *HTTPLoader) { l.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *HTTPLoader) { l.logger = logger }
}

func NewHTTPLoader(client transport.NetworkClient, opts ...Option) *HTTPLoader {
	l := &HTTPLoader{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
		logger: slog.Default(),
		cache:  map[string]cacheEntry{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// StaleError is returned together with cached items when the server could
// not be reached. Err is the transport failure.
type StaleError struct {
	Err error
}

func (e *StaleError) Error() string {
	return "serving stale page: " + e.Err.Error()
}

func (e *StaleError) Unwrap() error {
	return e.Err
}

// Load returns the page at endpoint. When the server is unreachable and an
// expired copy is cached, the copy is returned with a *StaleError.
func (l *HTTPLoader) Load(ctx context.Context, endpoint string, page Page) (model.Items, error) {
	path, err := PagePath(endpoint, page)
	if err != nil {
		return nil, err
	}
	if items, ok := l.cached(path, false); ok {
		return items, nil
	}

	// the fetch is shared; one caller leaving must not fail the others
	ch := l.flight.DoChan(path, func() (any, error) {
		resp, err := l.client.Do(context.WithoutCancel(ctx), transport.Request{Method: http.MethodGet, Path: path})
		if err != nil {
			return nil, err
		}
		items, err := DecodeItems(resp.Body)
		if err != nil {
			return nil, err
		}
		l.store(path, items)
		return items, nil
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		res.Err = transport.Classify(ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		if transport.IsConnectivity(res.Err) {
			if items, ok := l.cached(path, true); ok {
				l.logger.Info("serving stale page", "endpoint", path, "err", res.Err)
				return items, &StaleError{Err: res.Err}
			}
		}
		return nil, res.Err
	}
	return model.CloneItems(res.Val.(model.Items)), nil
}

func (l *HTTPLoader) cached(path string, allowStale bool) (model.Items, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.cache[path]
	if !ok {
		return nil, false
	}
	if !allowStale && (l.ttl <= 0 || l.now().Sub(e.storedAt) > l.ttl) {
		return nil, false
	}
	return model.CloneItems(e.items), true
}

func (l *HTTPLoader) store(path string, items model.Items) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[path] = cacheEntry{items: model.CloneItems(items), storedAt: l.now()}
}

// Invalidate drops every cached page whose path starts with prefix, ignoring
// any query string on prefix.
func (l *HTTPLoader) Invalidate(prefix string) int {
	if i := strings.IndexByte(prefix, '?'); i >= 0 {
		prefix = prefix[:i]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k := range l.cache {
		if strings.HasPrefix(k, prefix) {
			delete(l.cache, k)
			n++
		}
	}
	return n
}

// PagePath adds the page's limit and offset to endpoint. An offset already
// present on endpoint is kept.
func PagePath(endpoint string, page Page) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	if page.Limit > 0 {
		q.Set("limit", strconv.Itoa(page.Limit))
	}
	if page.Offset > 0 && q.Get("offset") == "" {
		q.Set("offset", strconv.Itoa(page.Offset))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DecodeItems accepts a bare array, an object wrapping one under "data" or
// "items", or a single object. Numbers are kept as json.Number.
func DecodeItems(payload []byte) (model.Items, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return model.Items{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, transport.NewError(transport.KindDecoding, "decode response", err)
	}
	switch v := raw.(type) {
	case []any:
		return toItems(v)
	case map[string]any:
		for _, key := range []string{"data", "items"} {
			switch inner := v[key].(type) {
			case []any:
				return toItems(inner)
			case map[string]any:
				return model.Items{model.Item(inner)}, nil
			}
		}
		return model.Items{model.Item(v)}, nil
	case nil:
		return model.Items{}, nil
	default:
		return nil, transport.NewError(transport.KindDecoding, fmt.Sprintf("unexpected payload type %T", raw), nil)
	}
}

func toItems(rows []any) (model.Items, error) {
	out := make(model.Items, 0, len(rows))
	for i, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			return nil, transport.NewError(transport.KindDecoding, fmt.Sprintf("row %d is %T, want object", i, row), nil)
		}
		out = append(out, model.Item(m))
	}
	return out, nil
}
