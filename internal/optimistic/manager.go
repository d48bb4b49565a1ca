package optimistic

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/g960059/sduisync/internal/eventstream"
	"github.com/g960059/sduisync/internal/model"
)

const DefaultTimeout = 30 * time.Second

type entry struct {
	update model.OptimisticUpdate
	timer  *time.Timer
}

// Manager tracks optimistic writes until they are confirmed, rolled back or
// expire. Each id reaches exactly one terminal status; the transition and its
// status event are produced under mu so events are published in transition
// order.
type Manager struct {
	mu             sync.Mutex
	pending        map[string]*entry
	defaultTimeout time.Duration
	now            func() time.Time
	timers         bool
	stream         *eventstream.Streamer[model.OptimisticStatusEvent]
	logger         *slog.Logger
	entropy        *ulid.MonotonicEntropy
	closed         bool
}

type Option func(*Manager)

func WithDefaultTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.defaultTimeout = timeout
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithoutTimers disables per-update expiry timers; expiry then happens only
// through CleanupExpired or Run.
func WithoutTimers() Option {
	return func(m *Manager) { m.timers = false }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func New(opts ...Option) *Manager {
	m := &Manager{
		pending:        map[string]*entry{},
		defaultTimeout: DefaultTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		timers:         true,
		stream:         eventstream.New[model.OptimisticStatusEvent](),
		logger:         slog.Default(),
		entropy:        ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register records a pending optimistic write and arms its expiry. A
// non-positive timeout uses the manager default.
func (m *Manager) Register(screenKey string, event model.ScreenEvent, previous, optimistic model.Items, fieldValues model.Item, timeout time.Duration) string {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	id := ulid.MustNew(ulid.Timestamp(now), m.entropy).String()
	e := &entry{update: model.OptimisticUpdate{
		ID:              id,
		ScreenKey:       screenKey,
		Event:           event,
		PreviousItems:   model.CloneItems(previous),
		OptimisticItems: model.CloneItems(optimistic),
		FieldValues:     fieldValues.Clone(),
		RegisteredAt:    now,
		Timeout:         timeout,
		Status:          model.UpdatePending,
	}}
	if m.timers && !m.closed {
		// the extra tick makes sure Expired() holds once the timer fires
		e.timer = time.AfterFunc(timeout+time.Millisecond, func() { m.expire(id) })
	}
	m.pending[id] = e
	m.logger.Debug("optimistic update registered", "update_id", id, "screen", screenKey, "event", string(event), "timeout", timeout)
	return id
}

// Confirm resolves a pending update as accepted by the server.
func (m *Manager) Confirm(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.resolveLocked(id, model.UpdateConfirmed)
	if !ok {
		return false
	}
	m.publishLocked(e.update, nil)
	return true
}

// Rollback resolves a pending update as rejected and returns the snapshot the
// UI should restore. Unknown or already resolved ids return false.
func (m *Manager) Rollback(id string) (model.Items, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.resolveLocked(id, model.UpdateRolledBack)
	if !ok {
		return nil, false
	}
	previous := model.CloneItems(e.update.PreviousItems)
	m.publishLocked(e.update, previous)
	return model.CloneItems(previous), true
}

// CleanupExpired rolls back every pending update older than its timeout and
// returns how many were expired.
func (m *Manager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	expired := make([]*entry, 0)
	for _, e := range m.pending {
		if e.update.Expired(now) {
			expired = append(expired, e)
		}
	}
	sortByRegistration(expired)
	for _, e := range expired {
		m.expireLocked(e.update.ID)
	}
	return len(expired)
}

func (m *Manager) expire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pending[id]
	if !ok || !e.update.Expired(m.now()) {
		return
	}
	m.expireLocked(id)
}

func (m *Manager) expireLocked(id string) {
	e, ok := m.resolveLocked(id, model.UpdateExpired)
	if !ok {
		return
	}
	m.logger.Info("optimistic update expired", "update_id", id, "screen", e.update.ScreenKey, "age", m.now().Sub(e.update.RegisteredAt))
	m.publishLocked(e.update, model.CloneItems(e.update.PreviousItems))
}

func (m *Manager) resolveLocked(id string, status model.UpdateStatus) (*entry, bool) {
	e, ok := m.pending[id]
	if !ok {
		return nil, false
	}
	delete(m.pending, id)
	if e.timer != nil {
		e.timer.Stop()
	}
	e.update.Status = status
	return e, true
}

func (m *Manager) publishLocked(u model.OptimisticUpdate, previous model.Items) {
	m.stream.Publish(model.OptimisticStatusEvent{
		UpdateID:      u.ID,
		ScreenKey:     u.ScreenKey,
		Status:        u.Status,
		PreviousItems: previous,
		At:            m.now(),
	})
}

func (m *Manager) IsPending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[id]
	return ok
}

func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) HasPendingUpdates(screenKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.pending {
		if e.update.ScreenKey == screenKey {
			return true
		}
	}
	return false
}

// Pending returns a copy of a pending update.
func (m *Manager) Pending(id string) (model.OptimisticUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pending[id]
	if !ok {
		return model.OptimisticUpdate{}, false
	}
	u := e.update
	u.PreviousItems = model.CloneItems(u.PreviousItems)
	u.OptimisticItems = model.CloneItems(u.OptimisticItems)
	u.FieldValues = u.FieldValues.Clone()
	return u, true
}

// Subscribe streams every status transition that happens after the call.
func (m *Manager) Subscribe(ctx context.Context) (<-chan model.OptimisticStatusEvent, error) {
	return m.stream.Subscribe(ctx)
}

// Run sweeps expired updates every interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupExpired()
		}
	}
}

// Close stops expiry timers and ends every subscription. Pending updates stay
// queryable; CleanupExpired still resolves them.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, e := range m.pending {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	m.stream.Shutdown()
}
