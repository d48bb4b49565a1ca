package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/g960059/sduisync/internal/model"
	"github.com/g960059/sduisync/internal/queue"
	"github.com/g960059/sduisync/internal/testutil"
)

func mutation(id, endpoint, method, body string) model.PendingMutation {
	return model.PendingMutation{ID: id, Endpoint: endpoint, Method: method, Body: json.RawMessage(body)}
}

func TestEnqueueSameKeyReplacesLatestBody(t *testing.T) {
	ctx := context.Background()
	q, err := queue.Open(ctx, queue.NewMemoryPersister())
	require.NoError(t, err)

	_, replaced, err := q.Enqueue(ctx, mutation("first", "/users", http.MethodPost, `"first"`))
	require.NoError(t, err)
	require.False(t, replaced)
	_, replaced, err = q.Enqueue(ctx, mutation("second", "/users", http.MethodPost, `"second"`))
	require.NoError(t, err)
	require.True(t, replaced)

	require.Equal(t, 1, q.PendingCount())
	got, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", got.ID)
	require.JSONEq(t, `"second"`, string(got.Body))
	require.Zero(t, q.PendingCount())
}

func TestReplaceKeepsRelativePosition(t *testing.T) {
	ctx := context.Background()
	q, err := queue.Open(ctx, nil)
	require.NoError(t, err)

	for _, m := range []model.PendingMutation{
		mutation("a1", "/a", http.MethodPut, `1`),
		mutation("b1", "/b", http.MethodPut, `1`),
		mutation("c1", "/c", http.MethodPut, `1`),
		mutation("a2", "/a", http.MethodPut, `2`),
	} {
		_, _, err := q.Enqueue(ctx, m)
		require.NoError(t, err)
	}

	ids := make([]string, 0, 3)
	for _, m := range q.Snapshot() {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []string{"a2", "b1", "c1"}, ids)
}

func TestSameEndpointDifferentMethodsAreDistinct(t *testing.T) {
	ctx := context.Background()
	q, err := queue.Open(ctx, nil)
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, mutation("", "/users/1", http.MethodPut, `{}`))
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, mutation("", "/users/1", http.MethodDelete, ``))
	require.NoError(t, err)
	require.Equal(t, 2, q.PendingCount())
}

func TestEnqueueAssignsIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	q, err := queue.Open(ctx, nil, queue.WithIDGenerator(func() string { return "generated" }))
	require.NoError(t, err)

	m, _, err := q.Enqueue(ctx, model.PendingMutation{Endpoint: " /grades ", Method: "post"})
	require.NoError(t, err)
	require.Equal(t, "generated", m.ID)
	require.Equal(t, "/grades", m.Endpoint)
	require.Equal(t, http.MethodPost, m.Method)
	require.False(t, m.EnqueuedAt.IsZero())

	_, _, err = q.Enqueue(ctx, model.PendingMutation{Method: http.MethodPost})
	require.ErrorIs(t, err, queue.ErrInvalidMutation)
}

func TestDequeueEmpty(t *testing.T) {
	q, err := queue.Open(context.Background(), nil)
	require.NoError(t, err)
	_, ok, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueueSurvivesRestart(t *testing.T) {
	store, ctx := testutil.NewStore(t)

	q, err := queue.Open(ctx, store)
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, mutation("m1", "/api/v1/courses", http.MethodPost, `{"name":"Algebra"}`))
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, mutation("m2", "/api/v1/courses/4", http.MethodDelete, ``))
	require.NoError(t, err)

	restored, err := queue.Open(ctx, store)
	require.NoError(t, err)
	require.Equal(t, 2, restored.PendingCount())
	head, ok := restored.Peek()
	require.True(t, ok)
	require.Equal(t, "m1", head.ID)
	require.JSONEq(t, `{"name":"Algebra"}`, string(head.Body))
}

func TestOpenCollapsesDuplicateKeys(t *testing.T) {
	ctx := context.Background()
	p := queue.NewMemoryPersister(
		mutation("old", "/a", http.MethodPost, `1`),
		mutation("b", "/b", http.MethodPost, `1`),
		mutation("new", "/a", http.MethodPost, `2`),
	)
	q, err := queue.Open(ctx, p)
	require.NoError(t, err)
	snap := q.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "new", snap[0].ID)
	require.Equal(t, 1, p.Saves())
}

func TestPersistFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	p := queue.NewMemoryPersister()
	q, err := queue.Open(ctx, p)
	require.NoError(t, err)
	_, _, err = q.Enqueue(ctx, mutation("m1", "/a", http.MethodPost, `1`))
	require.NoError(t, err)

	p.FailWith(errors.New("disk full"))
	_, _, err = q.Enqueue(ctx, mutation("m2", "/b", http.MethodPost, `1`))
	require.Error(t, err)
	_, _, err = q.Dequeue(ctx)
	require.Error(t, err)
	require.Equal(t, 1, q.PendingCount())
	head, _ := q.Peek()
	require.Equal(t, "m1", head.ID)
}

func TestRequeuePutsBackAtHeadUnlessSuperseded(t *testing.T) {
	ctx := context.Background()
	q, err := queue.Open(ctx, nil)
	require.NoError(t, err)
	_, _, _ = q.Enqueue(ctx, mutation("a1", "/a", http.MethodPut, `1`))
	_, _, _ = q.Enqueue(ctx, mutation("b1", "/b", http.MethodPut, `1`))

	head, _, err := q.Dequeue(ctx)
	require.NoError(t, err)
	ok, err := q.Requeue(ctx, head)
	require.NoError(t, err)
	require.True(t, ok)
	first, _ := q.Peek()
	require.Equal(t, "a1", first.ID)

	head, _, _ = q.Dequeue(ctx)
	_, _, _ = q.Enqueue(ctx, mutation("a2", "/a", http.MethodPut, `2`))
	ok, err = q.Requeue(ctx, head)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 2, q.PendingCount())
	ids := []string{q.Snapshot()[0].ID, q.Snapshot()[1].ID}
	require.Equal(t, []string{"b1", "a2"}, ids)
}

func TestRemoveAndClear(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	q, err := queue.Open(ctx, store)
	require.NoError(t, err)
	_, _, _ = q.Enqueue(ctx, mutation("a", "/a", http.MethodPost, `1`))
	_, _, _ = q.Enqueue(ctx, mutation("b", "/b", http.MethodPost, `1`))

	require.NoError(t, q.Remove(ctx, "a"))
	require.ErrorIs(t, q.Remove(ctx, "a"), queue.ErrNotFound)
	require.Equal(t, 1, q.PendingCount())

	require.NoError(t, q.Clear(ctx))
	require.Zero(t, q.PendingCount())
	n, err := store.CountMutations(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestConcurrentEnqueueSameKeyKeepsOneEntry(t *testing.T) {
	ctx := context.Background()
	q, err := queue.Open(ctx, queue.NewMemoryPersister())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := q.Enqueue(ctx, mutation(fmt.Sprintf("m%d", i), "/api/v1/settings", http.MethodPut, fmt.Sprintf(`{"n":%d}`, i)))
			require.NoError(t, err)
		}(i)
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := q.Enqueue(ctx, mutation("", fmt.Sprintf("/api/v1/grades/%d", i), http.MethodPut, `{}`))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 21, q.PendingCount())
}
