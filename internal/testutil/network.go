package testutil

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/g960059/sduisync/internal/transport"
)

// Reply is one scripted outcome of FakeClient.
type Reply struct {
	Status int
	Body   string
	Err    error
}

// FakeClient is a scripted transport.NetworkClient. Replies registered for a
// "METHOD path" key are consumed in order; the last one repeats.
type FakeClient struct {
	mu       sync.Mutex
	replies  map[string][]Reply
	fallback *Reply
	calls    []transport.Request
	hook     func(transport.Request)
}

func NewFakeClient() *FakeClient {
	return &FakeClient{replies: map[string][]Reply{}}
}

func (f *FakeClient) On(method, path string, replies ...Reply) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := requestKey(method, path)
	f.replies[key] = append(f.replies[key], replies...)
	return f
}

// Otherwise sets the reply used when no script matches.
func (f *FakeClient) Otherwise(r Reply) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = &r
	return f
}

// OnCall registers a callback run before each reply is produced.
func (f *FakeClient) OnCall(hook func(transport.Request)) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hook = hook
	return f
}

func (f *FakeClient) Do(ctx context.Context, req transport.Request) (transport.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	hook := f.hook
	reply, ok := f.next(requestKey(req.Method, req.Path))
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err := ctx.Err(); err != nil {
		return transport.Response{}, transport.Classify(err)
	}
	if !ok {
		return transport.Response{}, transport.StatusError(http.StatusNotFound, "E_UNSCRIPTED", req.Method+" "+req.Path)
	}
	if reply.Err != nil {
		return transport.Response{}, reply.Err
	}
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status >= 400 {
		return transport.Response{}, transport.StatusError(status, "", reply.Body)
	}
	return transport.Response{StatusCode: status, Body: []byte(reply.Body)}, nil
}

func (f *FakeClient) next(key string) (Reply, bool) {
	queue := f.replies[key]
	if len(queue) == 0 {
		if f.fallback != nil {
			return *f.fallback, true
		}
		return Reply{}, false
	}
	r := queue[0]
	if len(queue) > 1 {
		f.replies[key] = queue[1:]
	}
	return r, true
}

func (f *FakeClient) Calls() []transport.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.Request(nil), f.calls...)
}

func (f *FakeClient) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func requestKey(method, path string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(path)
}

// Offline is the error a client returns when the network is unreachable.
func Offline() error {
	return transport.NewError(transport.KindNetworkFailure, "network unreachable", nil)
}
