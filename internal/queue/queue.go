package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g960059/sduisync/internal/model"
)

var (
	ErrInvalidMutation = errors.New("invalid mutation")
	ErrNotFound        = errors.New("mutation not found")
)

// Persister stores the queue's backing list. SaveMutations replaces the whole
// list so that order and dedup state are written atomically.
type Persister interface {
	LoadMutations(ctx context.Context) ([]model.PendingMutation, error)
	SaveMutations(ctx context.Context, mutations []model.PendingMutation) error
}

// Queue is a persisted FIFO of pending writes holding at most one entry per
// (endpoint, method). All access goes through mu, persistence included.
type Queue struct {
	mu        sync.Mutex
	items     []model.PendingMutation
	persister Persister
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(q *Queue) { q.newID = gen }
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// Open restores the persisted queue. A nil persister keeps the queue in memory.
func Open(ctx context.Context, persister Persister, opts ...Option) (*Queue, error) {
	q := &Queue{
		persister: persister,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	if persister == nil {
		return q, nil
	}
	restored, err := persister.LoadMutations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load pending mutations: %w", err)
	}
	q.items = collapse(restored)
	if len(q.items) != len(restored) {
		// backing lists seeded outside Enqueue may hold duplicate keys
		if err := persister.SaveMutations(ctx, q.items); err != nil {
			return nil, fmt.Errorf("rewrite collapsed queue: %w", err)
		}
	}
	return q, nil
}

// Enqueue appends m, or replaces the entry with the same key in place. It
// reports whether an existing entry was replaced.
func (q *Queue) Enqueue(ctx context.Context, m model.PendingMutation) (model.PendingMutation, bool, error) {
	m.Endpoint = strings.TrimSpace(m.Endpoint)
	m.Method = strings.ToUpper(strings.TrimSpace(m.Method))
	if m.Endpoint == "" || m.Method == "" {
		return model.PendingMutation{}, false, fmt.Errorf("%w: endpoint and method are required", ErrInvalidMutation)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if strings.TrimSpace(m.ID) == "" {
		m.ID = q.newID()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.now()
	}

	prev := q.copyItems()
	replaced := false
	key := m.Key()
	for i := range q.items {
		if q.items[i].Key() == key {
			q.items[i] = m
			replaced = true
			break
		}
	}
	if !replaced {
		q.items = append(q.items, m)
	}
	if err := q.persistLocked(ctx, prev); err != nil {
		return model.PendingMutation{}, false, err
	}
	q.logger.Debug("mutation enqueued", "mutation_id", m.ID, "key", key, "replaced", replaced, "pending", len(q.items))
	return m, replaced, nil
}

// Dequeue removes and returns the oldest mutation.
func (q *Queue) Dequeue(ctx context.Context) (model.PendingMutation, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.PendingMutation{}, false, nil
	}
	prev := q.copyItems()
	head := q.items[0]
	q.items = append([]model.PendingMutation(nil), q.items[1:]...)
	if err := q.persistLocked(ctx, prev); err != nil {
		return model.PendingMutation{}, false, err
	}
	return head, true, nil
}

// Requeue puts m back at the head. When a newer mutation with the same key was
// enqueued while m was out of the queue, the newer one wins and m is dropped.
func (q *Queue) Requeue(ctx context.Context, m model.PendingMutation) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := m.Key()
	for _, existing := range q.items {
		if existing.Key() == key {
			return false, nil
		}
	}
	prev := q.copyItems()
	q.items = append([]model.PendingMutation{m}, q.items...)
	if err := q.persistLocked(ctx, prev); err != nil {
		return false, err
	}
	return true, nil
}

// Remove drops the mutation with the given id.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := -1
	for i := range q.items {
		if q.items[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	prev := q.copyItems()
	q.items = append(append([]model.PendingMutation(nil), q.items[:idx]...), q.items[idx+1:]...)
	return q.persistLocked(ctx, prev)
}

func (q *Queue) Peek() (model.PendingMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return model.PendingMutation{}, false
	}
	return q.items[0], true
}

func (q *Queue) Snapshot() []model.PendingMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.copyItems()
}

func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every pending mutation (logout, tests).
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	prev := q.copyItems()
	q.items = nil
	return q.persistLocked(ctx, prev)
}

func (q *Queue) persistLocked(ctx context.Context, prev []model.PendingMutation) error {
	if q.persister == nil {
		return nil
	}
	if err := q.persister.SaveMutations(ctx, q.items); err != nil {
		q.items = prev
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func (q *Queue) copyItems() []model.PendingMutation {
	return append([]model.PendingMutation(nil), q.items...)
}

// collapse keeps the latest entry per key at the earliest position.
func collapse(items []model.PendingMutation) []model.PendingMutation {
	out := make([]model.PendingMutation, 0, len(items))
	index := make(map[string]int, len(items))
	for _, m := range items {
		if i, ok := index[m.Key()]; ok {
			out[i] = m
			continue
		}
		index[m.Key()] = len(out)
		out = append(out, m)
	}
	return out
}
