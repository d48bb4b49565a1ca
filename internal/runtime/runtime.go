// Package runtime assembles the store, queue, transport and engines into one
// process-wide unit.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/g960059/sduisync/internal/config"
	"github.com/g960059/sduisync/internal/connectivity"
	"github.com/g960059/sduisync/internal/contract"
	"github.com/g960059/sduisync/internal/dataloader"
	"github.com/g960059/sduisync/internal/db"
	"github.com/g960059/sduisync/internal/model"
	"github.com/g960059/sduisync/internal/optimistic"
	"github.com/g960059/sduisync/internal/orchestrator"
	"github.com/g960059/sduisync/internal/queue"
	"github.com/g960059/sduisync/internal/security"
	"github.com/g960059/sduisync/internal/syncengine"
	"github.com/g960059/sduisync/internal/transport"
)

type Runtime struct {
	Config       config.Config
	Store        *db.Store
	Queue        *queue.Queue
	Client       transport.NetworkClient
	Loader       *dataloader.HTTPLoader
	Contracts    *contract.Registry
	Updates      *optimistic.Manager
	Monitor      *connectivity.Monitor
	Engine       *syncengine.Engine
	Orchestrator *orchestrator.Orchestrator

	logger    *slog.Logger
	closeOnce sync.Once
}

type options struct {
	httpClient *http.Client
	client     transport.NetworkClient
	tokens     transport.TokenSource
	logger     *slog.Logger
}

type Option func(*options)

// WithHTTPClient sets the http.Client behind the default transport.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithNetworkClient replaces the HTTP transport entirely.
func WithNetworkClient(c transport.NetworkClient) Option {
	return func(o *options) { o.client = c }
}

func WithTokenSource(src transport.TokenSource) Option {
	return func(o *options) { o.tokens = src }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Open validates cfg, migrates the store and restores the pending queue.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Runtime, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := db.OpenMigrated(ctx, cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	q, err := queue.Open(ctx, store, queue.WithLogger(o.logger.With("component", "queue")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	client := o.client
	if client == nil {
		clientOpts := []transport.Option{transport.WithUnaryTimeout(cfg.APITimeout)}
		if o.tokens != nil {
			clientOpts = append(clientOpts, transport.WithTokenSource(o.tokens))
		}
		client = transport.NewHTTPClient(cfg.APIBaseURL, o.httpClient, clientOpts...)
	}

	rt := &Runtime{
		Config:    cfg,
		Store:     store,
		Queue:     q,
		Client:    client,
		Contracts: contract.DefaultRegistry(),
		logger:    o.logger,
	}
	rt.Loader = dataloader.NewHTTPLoader(client,
		dataloader.WithCacheTTL(cfg.CacheTTL),
		dataloader.WithLogger(o.logger.With("component", "loader")),
	)
	rt.Updates = optimistic.New(
		optimistic.WithDefaultTimeout(cfg.OptimisticTimeout),
		optimistic.WithLogger(o.logger.With("component", "optimistic")),
	)
	rt.Monitor = connectivity.NewMonitor(
		connectivity.NewHTTPProber(client, cfg.ProbePath),
		cfg,
		connectivity.WithLogger(o.logger.With("component", "connectivity")),
	)
	rt.Engine = syncengine.New(q, client,
		syncengine.WithReportStore(store),
		syncengine.WithFailureObserver(rt.logFailure),
		syncengine.WithLogger(o.logger.With("component", "sync")),
	)
	rt.Orchestrator = orchestrator.New(rt.Contracts, client, rt.Loader, q,
		orchestrator.WithUpdates(rt.Updates),
		orchestrator.WithConnectivityObserver(rt.Monitor),
		orchestrator.WithPageSize(cfg.PageSize),
		orchestrator.WithOptimisticTimeout(cfg.OptimisticTimeout),
		orchestrator.WithLogger(o.logger.With("component", "orchestrator")),
	)
	return rt, nil
}

func (rt *Runtime) logFailure(m model.PendingMutation, err error) {
	rt.logger.Error("pending mutation dropped",
		"mutation_id", m.ID,
		"key", m.Key(),
		"body", security.RedactBody(m.Body),
		"err", security.RedactPayload(err.Error()),
	)
}

// Run probes connectivity, sweeps expired optimistic updates and replays the
// queue whenever the server comes back, until ctx ends.
func (rt *Runtime) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		rt.Monitor.Run(ctx, rt.Config.ProbeInterval)
	}()
	go func() {
		defer wg.Done()
		rt.Updates.Run(ctx, rt.Config.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		rt.Engine.Run(ctx, rt.Monitor.Restored())
	}()
	rt.logger.Info("runtime started", "api", rt.Config.APIBaseURL, "pending", rt.Queue.PendingCount())
	wg.Wait()
	rt.logger.Info("runtime stopped", "pending", rt.Queue.PendingCount())
}

// LastReport returns the report of the latest replay pass, in this process or
// a previous one.
func (rt *Runtime) LastReport(ctx context.Context) (syncengine.Report, bool, error) {
	if r := rt.Engine.LastReport(); !r.StartedAt.IsZero() {
		return r, true, nil
	}
	var r syncengine.Report
	if err := rt.Store.GetValue(ctx, syncengine.LastReportKey, &r); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return syncengine.Report{}, false, nil
		}
		return syncengine.Report{}, false, err
	}
	return r, true, nil
}

func (rt *Runtime) Close() error {
	var err error
	rt.closeOnce.Do(func() {
		rt.Updates.Close()
		err = rt.Store.Close()
	})
	return err
}
