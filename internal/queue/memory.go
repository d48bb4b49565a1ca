package queue

import (
	"context"
	"sync"

	"github.com/g960059/sduisync/internal/model"
)

// MemoryPersister keeps the backing list in process memory.
type MemoryPersister struct {
	mu    sync.Mutex
	items []model.PendingMutation
	saves int
	err   error
}

func NewMemoryPersister(initial ...model.PendingMutation) *MemoryPersister {
	return &MemoryPersister{items: append([]model.PendingMutation(nil), initial...)}
}

func (p *MemoryPersister) LoadMutations(context.Context) ([]model.PendingMutation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.PendingMutation(nil), p.items...), nil
}

func (p *MemoryPersister) SaveMutations(_ context.Context, mutations []model.PendingMutation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.items = append([]model.PendingMutation(nil), mutations...)
	p.saves++
	return nil
}

// FailWith makes subsequent saves return err; nil restores normal behavior.
func (p *MemoryPersister) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *MemoryPersister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}
