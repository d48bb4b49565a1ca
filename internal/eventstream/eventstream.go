// Package eventstream fans published values out to every live subscriber.
// Delivery is lossless and ordered per subscriber: each subscription owns an
// unbounded mailbox drained by its own goroutine, so a slow reader never
// blocks Publish or loses events.
package eventstream

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("eventstream: streamer closed")

type subscriber[T any] struct {
	mu      sync.Mutex
	pending []T
	wake    chan struct{}
	out     chan T
	done    chan struct{}
	once    sync.Once
}

type Streamer[T any] struct {
	mu          sync.RWMutex
	subscribers map[*subscriber[T]]struct{}
	closed      bool
}

func New[T any]() *Streamer[T] {
	return &Streamer[T]{subscribers: make(map[*subscriber[T]]struct{})}
}

// Publish enqueues values for every current subscriber. It never blocks on
// readers.
func (s *Streamer[T]) Publish(values ...T) {
	if len(values) == 0 {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for sub := range s.subscribers {
		sub.push(values)
	}
}

// Subscribe returns a channel that receives every value published after the
// call. The channel is closed when ctx ends or the streamer shuts down.
func (s *Streamer[T]) Subscribe(ctx context.Context) (<-chan T, error) {
	sub := &subscriber[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	go sub.pump(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-sub.done:
		}
		s.remove(sub)
	}()
	return sub.out, nil
}

func (s *Streamer[T]) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Shutdown closes every subscription after its pending values are delivered.
func (s *Streamer[T]) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sub := range s.subscribers {
		sub.stop()
	}
	s.subscribers = map[*subscriber[T]]struct{}{}
}

func (s *Streamer[T]) remove(sub *subscriber[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers, sub)
	sub.stop()
}

func (sub *subscriber[T]) push(values []T) {
	sub.mu.Lock()
	sub.pending = append(sub.pending, values...)
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscriber[T]) stop() {
	sub.once.Do(func() { close(sub.done) })
}

func (sub *subscriber[T]) take() []T {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	batch := sub.pending
	sub.pending = nil
	return batch
}

func (sub *subscriber[T]) pump(ctx context.Context) {
	defer close(sub.out)
	for {
		for _, v := range sub.take() {
			select {
			case sub.out <- v:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-sub.wake:
		case <-ctx.Done():
			return
		case <-sub.done:
			// flush whatever arrived before the stop
			for _, v := range sub.take() {
				select {
				case sub.out <- v:
				case <-ctx.Done():
					return
				}
			}
			return
		}
	}
}
