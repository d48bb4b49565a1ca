// Package syncengine replays queued writes against the server once
// connectivity returns.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/g960059/sduisync/internal/conflict"
	"github.com/g960059/sduisync/internal/model"
	"github.com/g960059/sduisync/internal/queue"
	"github.com/g960059/sduisync/internal/transport"
)

const (
	LastReportKey  = "sync.last_report"
	persistTimeout = 5 * time.Second
)

// Queue is the part of the mutation queue the engine drains.
type Queue interface {
	Peek() (model.PendingMutation, bool)
	Remove(ctx context.Context, id string) error
	PendingCount() int
}

// FailureObserver is told about every mutation dropped with a fail resolution.
type FailureObserver func(m model.PendingMutation, err error)

// ReportStore persists the outcome of the latest pass.
type ReportStore interface {
	PutValue(ctx context.Context, key string, value any) error
}

type Report struct {
	State        model.SyncState `json:"state"`
	Attempted    int             `json:"attempted"`
	Succeeded    int             `json:"succeeded"`
	Skipped      int             `json:"skipped"`
	AppliedLocal int             `json:"applied_local"`
	Failed       int             `json:"failed"`
	Deferred     int             `json:"deferred"`
	Remaining    int             `json:"remaining"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// Resolved counts the mutations that left the queue during the pass.
func (r Report) Resolved() int {
	return r.Succeeded + r.Skipped + r.AppliedLocal + r.Failed
}

type Engine struct {
	queue    Queue
	client   transport.NetworkClient
	resolver conflict.Strategy
	observer FailureObserver
	reports  ReportStore
	logger   *slog.Logger
	now      func() time.Time

	flight singleflight.Group

	mu    sync.Mutex
	state model.SyncState
	last  Report
}

type Option func(*Engine)

func WithResolver(r conflict.Strategy) Option {
	return func(e *Engine) { e.resolver = r }
}

func WithFailureObserver(fn FailureObserver) Option {
	return func(e *Engine) { e.observer = fn }
}

func WithReportStore(store ReportStore) Option {
	return func(e *Engine) { e.reports = store }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(q Queue, client transport.NetworkClient, opts ...Option) *Engine {
	e := &Engine{
		queue:    q,
		client:   client,
		resolver: conflict.NewResolver(),
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		state:    model.SyncIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) State() model.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) LastReport() Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Engine) setState(s model.SyncState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

// ProcessQueue drains the queue once, in FIFO order. Concurrent callers share
// the pass already in flight.
func (e *Engine) ProcessQueue(ctx context.Context) (Report, error) {
	v, err, _ := e.flight.Do("drain", func() (any, error) {
		return e.drain(ctx)
	})
	report, _ := v.(Report)
	return report, err
}

func (e *Engine) drain(ctx context.Context) (Report, error) {
	report := Report{StartedAt: e.now()}
	e.setState(model.SyncSyncing)

	finish := func(state model.SyncState, err error) (Report, error) {
		report.State = state
		report.Remaining = e.queue.PendingCount()
		report.FinishedAt = e.now()
		e.mu.Lock()
		e.state = state
		e.last = report
		e.mu.Unlock()
		e.saveReport(report)
		e.logger.Info("sync pass finished",
			"state", string(state),
			"attempted", report.Attempted,
			"succeeded", report.Succeeded,
			"skipped", report.Skipped,
			"applied_local", report.AppliedLocal,
			"failed", report.Failed,
			"deferred", report.Deferred,
			"remaining", report.Remaining,
		)
		return report, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return finish(model.SyncFailed, err)
		}
		m, ok := e.queue.Peek()
		if !ok {
			return finish(model.SyncCompleted, nil)
		}
		report.Attempted++

		sendErr := e.send(ctx, m)
		if sendErr != nil && transport.IsCancelled(sendErr) {
			report.Attempted--
			return finish(model.SyncFailed, sendErr)
		}
		if sendErr == nil {
			if err := e.drop(ctx, m); err != nil {
				return finish(model.SyncFailed, err)
			}
			report.Succeeded++
			continue
		}

		resolution := e.resolver.Resolve(m, sendErr)
		log := e.logger.With("mutation_id", m.ID, "endpoint", m.Endpoint, "method", m.Method, "resolution", string(resolution))
		switch resolution {
		case model.ResolutionRetry:
			// left at the head for the next connectivity signal
			log.Info("mutation deferred", "err", sendErr)
			report.Deferred++
			return finish(model.SyncCompleted, nil)
		case model.ResolutionApplyLocal, model.ResolutionSkipSilently:
			if err := e.drop(ctx, m); err != nil {
				return finish(model.SyncFailed, err)
			}
			if resolution == model.ResolutionApplyLocal {
				report.AppliedLocal++
			} else {
				report.Skipped++
			}
			log.Debug("mutation resolved locally", "err", sendErr)
		default:
			if err := e.drop(ctx, m); err != nil {
				return finish(model.SyncFailed, err)
			}
			report.Failed++
			log.Warn("mutation rejected", "err", sendErr)
			if e.observer != nil {
				e.observer(m, sendErr)
			}
			if e.queue.PendingCount() > 0 {
				return finish(model.SyncFailed, nil)
			}
			return finish(model.SyncCompleted, nil)
		}
	}
}

func (e *Engine) send(ctx context.Context, m model.PendingMutation) error {
	method := m.Method
	if method == "" {
		method = http.MethodPost
	}
	_, err := e.client.Do(ctx, transport.Request{Method: method, Path: m.Endpoint, Body: m.Body})
	return err
}

// drop removes m unless it was replaced by a newer write while in flight. The
// server already answered, so the removal outlives the pass context.
func (e *Engine) drop(ctx context.Context, m model.PendingMutation) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	err := e.queue.Remove(ctx, m.ID)
	if err == nil || errors.Is(err, queue.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("remove mutation %s: %w", m.ID, err)
}

func (e *Engine) saveReport(r Report) {
	if e.reports == nil {
		return
	}
	// recorded even when the pass context is done
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.reports.PutValue(ctx, LastReportKey, r); err != nil {
		e.logger.Warn("persist sync report failed", "err", err)
	}
}

// Run drains once at start and once per value received on restored, until ctx
// ends or restored is closed.
func (e *Engine) Run(ctx context.Context, restored <-chan struct{}) {
	e.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-restored:
			if !ok {
				return
			}
			e.runPass(ctx)
		}
	}
}

func (e *Engine) runPass(ctx context.Context) {
	if e.queue.PendingCount() == 0 {
		return
	}
	if _, err := e.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
		e.logger.Error("sync pass aborted", "err", err)
	}
}
