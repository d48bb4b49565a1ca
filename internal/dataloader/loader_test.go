package dataloader

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/g960059/sduisync/internal/model"
	"github.com/g960059/sduisync/internal/testutil"
	"github.com/g960059/sduisync/internal/transport"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestDecodeItemsEnvelopes(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    int
	}{
		{name: "array", payload: `[{"id":1},{"id":2}]`, want: 2},
		{name: "data", payload: `{"data":[{"id":1}],"total":1}`, want: 1},
		{name: "items", payload: `{"items":[{"id":1},{"id":2},{"id":3}]}`, want: 3},
		{name: "single object", payload: `{"theme":"dark"}`, want: 1},
		{name: "data object", payload: `{"data":{"students":3}}`, want: 1},
		{name: "empty", payload: ``, want: 0},
		{name: "null", payload: `null`, want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			items, err := DecodeItems([]byte(tc.payload))
			require.NoError(t, err)
			require.Len(t, items, tc.want)
		})
	}
}

func TestDecodeItemsKeepsNumbers(t *testing.T) {
	items, err := DecodeItems([]byte(`[{"id":12345678901234567890}]`))
	require.NoError(t, err)
	n, ok := items[0]["id"].(json.Number)
	require.True(t, ok, "got %T", items[0]["id"])
	require.Equal(t, "12345678901234567890", n.String())
	id, _ := items[0].ID()
	require.Equal(t, "12345678901234567890", id)
}

func TestDecodeItemsRejectsGarbage(t *testing.T) {
	_, err := DecodeItems([]byte(`[1,2]`))
	require.Equal(t, transport.KindDecoding, transport.Classify(err).Kind)
	_, err = DecodeItems([]byte(`{"broken"`))
	require.Equal(t, transport.KindDecoding, transport.Classify(err).Kind)
	_, err = DecodeItems([]byte(`"text"`))
	require.Error(t, err)
}

func TestPagePath(t *testing.T) {
	got, err := PagePath("/api/v1/users", Page{Limit: 50})
	require.NoError(t, err)
	require.Equal(t, "/api/v1/users?limit=50", got)

	got, err = PagePath("/api/v1/users?offset=40", Page{Offset: 10, Limit: 20})
	require.NoError(t, err)
	require.Equal(t, "/api/v1/users?limit=20&offset=40", got)

	got, err = PagePath("/api/v1/users?search=ana", Page{Offset: 5})
	require.NoError(t, err)
	require.Equal(t, "/api/v1/users?offset=5&search=ana", got)

	got, err = PagePath("/api/v1/me/settings", Page{})
	require.NoError(t, err)
	require.Equal(t, "/api/v1/me/settings", got)
}

func TestLoadOverHTTPUsesCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, "/api/v1/courses", r.URL.Path)
		require.Equal(t, "25", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `{"data":[{"id":"c1","name":"Math"}]}`)
	}))
	defer srv.Close()

	c := &clock{now: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	loader := NewHTTPLoader(transport.NewHTTPClient(srv.URL, srv.Client()), WithCacheTTL(time.Minute), WithClock(c.Now))

	items, err := loader.Load(t.Context(), "/api/v1/courses", Page{Limit: 25})
	require.NoError(t, err)
	require.Equal(t, model.Items{{"id": "c1", "name": "Math"}}, items)

	items[0]["name"] = "mutated"
	items, err = loader.Load(t.Context(), "/api/v1/courses", Page{Limit: 25})
	require.NoError(t, err)
	require.Equal(t, "Math", items[0]["name"])
	require.Equal(t, int32(1), hits.Load())

	c.Advance(2 * time.Minute)
	_, err = loader.Load(t.Context(), "/api/v1/courses", Page{Limit: 25})
	require.NoError(t, err)
	require.Equal(t, int32(2), hits.Load())
}

func TestLoadServesStaleWhenOffline(t *testing.T) {
	client := testutil.NewFakeClient().
		On(http.MethodGet, "/api/v1/users", testutil.Reply{Body: `[{"id":"u1"}]`}, testutil.Reply{Err: testutil.Offline()})
	c := &clock{now: time.Now()}
	loader := NewHTTPLoader(client, WithCacheTTL(time.Second), WithClock(c.Now))

	_, err := loader.Load(t.Context(), "/api/v1/users", Page{})
	require.NoError(t, err)
	c.Advance(time.Hour)

	items, err := loader.Load(t.Context(), "/api/v1/users", Page{})
	var stale *StaleError
	require.ErrorAs(t, err, &stale)
	require.True(t, transport.IsConnectivity(err))
	require.Equal(t, model.Items{{"id": "u1"}}, items)
	require.Equal(t, 2, client.CallCount())
}

func TestLoadDoesNotMaskServerErrors(t *testing.T) {
	client := testutil.NewFakeClient().
		On(http.MethodGet, "/api/v1/users", testutil.Reply{Body: `[{"id":"u1"}]`}, testutil.Reply{Status: http.StatusInternalServerError})
	loader := NewHTTPLoader(client)

	_, err := loader.Load(t.Context(), "/api/v1/users", Page{})
	require.NoError(t, err)
	_, err = loader.Load(t.Context(), "/api/v1/users", Page{})
	require.Error(t, err)
	require.Equal(t, transport.KindServerError, transport.Classify(err).Kind)
}

func TestLoadOfflineWithoutCacheFails(t *testing.T) {
	client := testutil.NewFakeClient().On(http.MethodGet, "/api/v1/users", testutil.Reply{Err: testutil.Offline()})
	_, err := NewHTTPLoader(client).Load(t.Context(), "/api/v1/users", Page{})
	require.True(t, transport.IsConnectivity(err))
}

func TestInvalidate(t *testing.T) {
	client := testutil.NewFakeClient().
		On(http.MethodGet, "/api/v1/users?limit=10", testutil.Reply{Body: `[]`}).
		On(http.MethodGet, "/api/v1/users?limit=10&offset=10", testutil.Reply{Body: `[]`}).
		On(http.MethodGet, "/api/v1/courses?limit=10", testutil.Reply{Body: `[]`})
	loader := NewHTTPLoader(client, WithCacheTTL(time.Hour))

	for _, p := range []struct {
		endpoint string
		page     Page
	}{
		{"/api/v1/users", Page{Limit: 10}},
		{"/api/v1/users", Page{Limit: 10, Offset: 10}},
		{"/api/v1/courses", Page{Limit: 10}},
	} {
		_, err := loader.Load(t.Context(), p.endpoint, p.page)
		require.NoError(t, err)
	}
	require.Equal(t, 2, loader.Invalidate("/api/v1/users?search=x"))
	require.Equal(t, 0, loader.Invalidate("/api/v1/users"))
	require.Equal(t, 1, loader.Invalidate("/api/v1/courses"))
}

func TestCancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	client := testutil.NewFakeClient().
		On(http.MethodGet, "/api/v1/users?limit=10", testutil.Reply{Body: `[{"id":"u1"}]`}).
		OnCall(func(transport.Request) {
			started <- struct{}{}
			<-release
		})
	loader := NewHTTPLoader(client, WithCacheTTL(time.Minute))

	leaving, cancel := context.WithCancel(t.Context())
	leftErr := make(chan error, 1)
	go func() {
		_, err := loader.Load(leaving, "/api/v1/users", Page{Limit: 10})
		leftErr <- err
	}()
	<-started

	type result struct {
		items model.Items
		err   error
	}
	stayed := make(chan result, 1)
	go func() {
		items, err := loader.Load(t.Context(), "/api/v1/users", Page{Limit: 10})
		stayed <- result{items, err}
	}()

	cancel()
	require.True(t, transport.IsCancelled(<-leftErr))
	close(release)

	got := <-stayed
	require.NoError(t, got.err)
	require.Equal(t, model.Items{{"id": "u1"}}, got.items)
	require.Equal(t, 1, client.CallCount())
}
