package optimistic

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/g960059/sduisync/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func rows(ids ...string) model.Items {
	out := make(model.Items, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Item{"id": id, "name": "row " + id})
	}
	return out
}

func recv(t *testing.T, ch <-chan model.OptimisticStatusEvent) model.OptimisticStatusEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "status stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status event")
		return model.OptimisticStatusEvent{}
	}
}

func TestRegisterTracksPendingUpdate(t *testing.T) {
	m := New(WithoutTimers())
	defer m.Close()

	id := m.Register("users-crud", model.EventSaveExisting, rows("1"), rows("1", "2"), model.Item{"name": "x"}, 0)
	require.NotEmpty(t, id)
	require.True(t, m.IsPending(id))
	require.Equal(t, 1, m.PendingCount())
	require.True(t, m.HasPendingUpdates("users-crud"))
	require.False(t, m.HasPendingUpdates("courses-crud"))

	u, ok := m.Pending(id)
	require.True(t, ok)
	require.Equal(t, DefaultTimeout, u.Timeout)
	require.Equal(t, model.UpdatePending, u.Status)
	require.Len(t, u.OptimisticItems, 2)
}

func TestRegisterIDsAreUnique(t *testing.T) {
	m := New(WithoutTimers())
	defer m.Close()

	seen := map[string]struct{}{}
	for i := 0; i < 200; i++ {
		id := m.Register("s", model.EventSaveNew, nil, nil, nil, time.Minute)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
	require.Equal(t, 200, m.PendingCount())
}

func TestRegisterSnapshotsAreCopied(t *testing.T) {
	m := New(WithoutTimers())
	defer m.Close()

	previous := rows("1")
	id := m.Register("s", model.EventSaveExisting, previous, nil, nil, time.Minute)
	previous[0]["name"] = "mutated"

	restored, ok := m.Rollback(id)
	require.True(t, ok)
	require.Equal(t, "row 1", restored[0]["name"])
}

func TestConfirmIsTerminal(t *testing.T) {
	m := New(WithoutTimers())
	defer m.Close()
	sub, err := m.Subscribe(t.Context())
	require.NoError(t, err)

	id := m.Register("s", model.EventSaveNew, rows("1"), rows("1", "2"), nil, time.Minute)
	require.True(t, m.Confirm(id))
	require.False(t, m.Confirm(id))
	_, ok := m.Rollback(id)
	require.False(t, ok)
	require.False(t, m.IsPending(id))

	ev := recv(t, sub)
	require.Equal(t, id, ev.UpdateID)
	require.Equal(t, model.UpdateConfirmed, ev.Status)
	require.Nil(t, ev.PreviousItems)
}

func TestRollbackReturnsPreviousSnapshot(t *testing.T) {
	m := New(WithoutTimers())
	defer m.Close()
	sub, err := m.Subscribe(t.Context())
	require.NoError(t, err)

	id := m.Register("s", model.EventDelete, rows("1", "2"), rows("1"), nil, time.Minute)
	restored, ok := m.Rollback(id)
	require.True(t, ok)
	require.Equal(t, rows("1", "2"), restored)
	require.False(t, m.Confirm(id))

	ev := recv(t, sub)
	require.Equal(t, model.UpdateRolledBack, ev.Status)
	require.Equal(t, rows("1", "2"), ev.PreviousItems)
}

func TestUnknownIDs(t *testing.T) {
	m := New(WithoutTimers())
	defer m.Close()

	require.False(t, m.Confirm("nope"))
	_, ok := m.Rollback("nope")
	require.False(t, ok)
	require.False(t, m.IsPending("nope"))
	_, ok = m.Pending("nope")
	require.False(t, ok)
}

func TestCleanupExpiredUsesClock(t *testing.T) {
	clock := newClock()
	m := New(WithoutTimers(), WithClock(clock.Now))
	defer m.Close()
	sub, err := m.Subscribe(t.Context())
	require.NoError(t, err)

	short := m.Register("a", model.EventSaveNew, rows("1"), nil, nil, time.Second)
	long := m.Register("b", model.EventSaveNew, nil, nil, nil, time.Hour)

	require.Equal(t, 0, m.CleanupExpired())
	clock.Advance(2 * time.Second)
	require.Equal(t, 1, m.CleanupExpired())
	require.False(t, m.IsPending(short))
	require.True(t, m.IsPending(long))
	require.False(t, m.Confirm(short))

	ev := recv(t, sub)
	require.Equal(t, short, ev.UpdateID)
	require.Equal(t, model.UpdateExpired, ev.Status)
	require.Equal(t, rows("1"), ev.PreviousItems)
}

func TestTimerExpiresUpdate(t *testing.T) {
	m := New()
	defer m.Close()
	sub, err := m.Subscribe(t.Context())
	require.NoError(t, err)

	id := m.Register("s", model.EventSaveExisting, rows("1"), rows("1"), nil, 100*time.Millisecond)
	ev := recv(t, sub)
	require.Equal(t, id, ev.UpdateID)
	require.Equal(t, model.UpdateExpired, ev.Status)
	require.False(t, m.IsPending(id))
	require.Equal(t, 0, m.PendingCount())
}

func TestConfirmBeforeTimerCancelsExpiry(t *testing.T) {
	m := New()
	defer m.Close()
	sub, err := m.Subscribe(t.Context())
	require.NoError(t, err)

	id := m.Register("s", model.EventSaveNew, nil, nil, nil, 50*time.Millisecond)
	require.True(t, m.Confirm(id))
	require.Equal(t, model.UpdateConfirmed, recv(t, sub).Status)

	select {
	case ev := <-sub:
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestConcurrentResolutionYieldsOneEvent(t *testing.T) {
	m := New(WithoutTimers())
	defer m.Close()
	sub, err := m.Subscribe(t.Context())
	require.NoError(t, err)

	id := m.Register("s", model.EventSaveExisting, rows("1"), nil, nil, time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if m.Confirm(id) {
					wins.Add(1)
				}
				return
			}
			if _, ok := m.Rollback(id); ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())

	ev := recv(t, sub)
	require.Equal(t, id, ev.UpdateID)
	select {
	case extra := <-sub:
		t.Fatalf("unexpected extra event: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunSweepsExpired(t *testing.T) {
	clock := newClock()
	m := New(WithoutTimers(), WithClock(clock.Now))
	defer m.Close()

	id := m.Register("s", model.EventSaveNew, nil, nil, nil, time.Second)
	clock.Advance(time.Minute)

	ctx, cancel := contextWithCancel(t)
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	require.Eventually(t, func() bool { return !m.IsPending(id) }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestCloseEndsSubscriptions(t *testing.T) {
	m := New()
	sub, err := m.Subscribe(t.Context())
	require.NoError(t, err)
	id := m.Register("s", model.EventSaveNew, nil, nil, nil, time.Minute)
	m.Close()
	m.Close()

	_, open := <-sub
	require.False(t, open)
	require.True(t, m.IsPending(id))
	_, err = m.Subscribe(t.Context())
	require.Error(t, err)
}
