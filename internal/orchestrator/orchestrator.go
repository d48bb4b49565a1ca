// Package orchestrator resolves UI events into reads, writes and navigation.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/text/language"

	"github.com/g960059/sduisync/internal/contract"
	"github.com/g960059/sduisync/internal/dataloader"
	"github.com/g960059/sduisync/internal/model"
	"github.com/g960059/sduisync/internal/transport"
)

const (
	defaultPageSize = 50
	persistTimeout  = 5 * time.Second
)

// Contracts looks screen contracts up by key.
type Contracts interface {
	Contract(screenKey string) (contract.ScreenContract, bool)
}

// Queue receives writes that could not reach the server.
type Queue interface {
	Enqueue(ctx context.Context, m model.PendingMutation) (model.PendingMutation, bool, error)
}

// Updates tracks optimistic writes.
type Updates interface {
	Register(screenKey string, event model.ScreenEvent, previous, optimistic model.Items, fieldValues model.Item, timeout time.Duration) string
	Confirm(id string) bool
	Rollback(id string) (model.Items, bool)
}

// ConnectivityObserver is told the outcome of every request the orchestrator
// makes.
type ConnectivityObserver interface {
	Observe(err error)
}

type invalidator interface {
	Invalidate(prefix string) int
}

// Orchestrator holds no mutable state of its own; Execute may be called
// concurrently.
type Orchestrator struct {
	contracts Contracts
	client    transport.NetworkClient
	loader    dataloader.DataLoader
	queue     Queue
	updates   Updates
	observer  ConnectivityObserver
	logger    *slog.Logger
	pageSize  int
	locale    language.Tag
	mappings  map[string]FieldMapping
	timeout   time.Duration
}

type Option func(*Orchestrator)

func WithUpdates(u Updates) Option {
	return func(o *Orchestrator) { o.updates = u }
}

func WithConnectivityObserver(obs ConnectivityObserver) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithPageSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

func WithLocale(tag language.Tag) Option {
	return func(o *Orchestrator) { o.locale = tag }
}

// WithFieldMapping shapes every read result of screenKey.
func WithFieldMapping(screenKey string, m FieldMapping) Option {
	return func(o *Orchestrator) { o.mappings[screenKey] = m }
}

// WithOptimisticTimeout sets the timeout of updates registered by
// ExecuteOptimistic; zero keeps the manager default.
func WithOptimisticTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

func New(contracts Contracts, client transport.NetworkClient, loader dataloader.DataLoader, q Queue, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		contracts: contracts,
		client:    client,
		loader:    loader,
		queue:     q,
		logger:    slog.Default(),
		pageSize:  defaultPageSize,
		locale:    language.English,
		mappings:  map[string]FieldMapping{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type writeOutcome int

const (
	writeRejected writeOutcome = iota
	writeSent
	writeQueued
	writeCancelled
)

// Execute runs event on the screen named by ectx. Every outcome, including
// transport failures, is reported as an EventResult.
func (o *Orchestrator) Execute(ctx context.Context, event model.ScreenEvent, ectx model.EventContext) model.EventResult {
	c, denied, ok := o.authorize(event, ectx)
	if !ok {
		return denied
	}
	switch {
	case event == model.EventSelectItem:
		id, ok := ectx.SelectedItem.ID()
		if !ok {
			return model.NoOp()
		}
		return model.NavigateTo(contract.CRUDScreen(c.Resource()), map[string]string{"id": id})
	case event == model.EventCreate:
		return model.NavigateTo(contract.CRUDScreen(c.Resource()), map[string]string{})
	case event.IsRead():
		return o.read(ctx, c, event, ectx)
	case event.IsWrite():
		res, _ := o.write(ctx, c, event, ectx)
		return res
	default:
		return model.Failure("Unsupported event", string(event))
	}
}

// ExecuteOptimistic runs a write whose effect the UI already shows. The
// update is confirmed once the server accepted the write or it was queued,
// and rolled back otherwise; a rolled back result carries the previous items
// in Restored.
func (o *Orchestrator) ExecuteOptimistic(ctx context.Context, event model.ScreenEvent, ectx model.EventContext, previous, optimistic model.Items) model.EventResult {
	if !event.IsWrite() || o.updates == nil {
		return o.Execute(ctx, event, ectx)
	}
	c, denied, ok := o.authorize(event, ectx)
	if !ok {
		return denied
	}
	id := o.updates.Register(ectx.ScreenKey, event, previous, optimistic, ectx.FieldValues, o.timeout)
	res, outcome := o.write(ctx, c, event, ectx)
	switch outcome {
	case writeSent, writeQueued:
		if !o.updates.Confirm(id) {
			o.logger.Warn("optimistic update resolved before confirmation", "update_id", id, "screen", ectx.ScreenKey)
		}
		return res
	default:
		restored, ok := o.updates.Rollback(id)
		if !ok {
			// already expired; the expiry event carried the snapshot
			restored = model.CloneItems(previous)
		}
		res.Restored = restored
		return res
	}
}

// ExecuteCustom dispatches a screen specific event id.
func (o *Orchestrator) ExecuteCustom(_ context.Context, eventID string, ectx model.EventContext) model.EventResult {
	c, ok := o.contracts.Contract(ectx.ScreenKey)
	if !ok {
		return model.Failure("No contract for screen", ectx.ScreenKey)
	}
	return contract.HandleCustom(c, eventID, ectx)
}

func (o *Orchestrator) authorize(event model.ScreenEvent, ectx model.EventContext) (contract.ScreenContract, model.EventResult, bool) {
	c, ok := o.contracts.Contract(ectx.ScreenKey)
	if !ok {
		return nil, model.Failure("No contract for screen", ectx.ScreenKey), false
	}
	if perm, required := c.PermissionFor(event); required && !ectx.User.HasPermission(perm) {
		o.logger.Debug("permission denied", "screen", ectx.ScreenKey, "event", string(event), "permission", perm, "role", ectx.User.RoleName)
		return nil, model.PermissionDenied(), false
	}
	return c, model.EventResult{}, true
}

func (o *Orchestrator) read(ctx context.Context, c contract.ScreenContract, event model.ScreenEvent, ectx model.EventContext) model.EventResult {
	endpoint, ok := c.EndpointFor(event, ectx)
	if !ok {
		return model.Failure("No endpoint for event", string(event))
	}
	if o.loader == nil {
		return model.Failure("Failed to load data", "no data loader configured")
	}
	items, err := o.loader.Load(ctx, endpoint, dataloader.Page{Offset: ectx.PaginationOffset, Limit: o.pageSize})
	o.observe(err)
	var stale *dataloader.StaleError
	if errors.As(err, &stale) {
		o.logger.Debug("read served from cache", "screen", ectx.ScreenKey, "endpoint", endpoint)
		err = nil
	}
	if err != nil {
		if transport.IsCancelled(err) {
			return model.Failure("cancelled", err.Error())
		}
		o.logger.Info("read failed", "screen", ectx.ScreenKey, "endpoint", endpoint, "err", err)
		return model.Failure("Failed to load data", err.Error())
	}
	if m, ok := o.mappings[ectx.ScreenKey]; ok {
		items = applyMapping(o.locale, items, m)
	}
	return model.Success(fmt.Sprintf("Loaded %d items", len(items)), items)
}

func (o *Orchestrator) write(ctx context.Context, c contract.ScreenContract, event model.ScreenEvent, ectx model.EventContext) (model.EventResult, writeOutcome) {
	endpoint, ok := c.EndpointFor(event, ectx)
	if !ok {
		return model.Failure("No endpoint for event", string(event)), writeRejected
	}
	method, verb := methodFor(event)

	var body []byte
	if event != model.EventDelete {
		var err error
		body, err = transport.EncodeBody(ectx.FieldValues)
		if err != nil {
			return model.Failure("Invalid field values", err.Error()), writeRejected
		}
	}
	if err := ctx.Err(); err != nil {
		return model.Failure("cancelled", err.Error()), writeCancelled
	}

	log := o.logger.With("screen", ectx.ScreenKey, "endpoint", endpoint, "method", method)
	resp, err := o.client.Do(ctx, transport.Request{Method: method, Path: endpoint, Body: body})
	o.observe(err)
	switch {
	case err == nil:
		if inv, ok := o.loader.(invalidator); ok {
			if base, ok := c.EndpointFor(model.EventLoadData, ectx); ok {
				inv.Invalidate(base)
			}
		}
		return model.Success(verb+" saved", decodeData(resp.Body)), writeSent
	case transport.IsCancelled(err):
		log.Debug("write cancelled")
		return model.Failure("cancelled", err.Error()), writeCancelled
	case transport.IsConnectivity(err):
		// a caller deadline classifies as a timeout; the write must still be kept
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		queued, replaced, qerr := o.queue.Enqueue(qctx, model.PendingMutation{Endpoint: endpoint, Method: method, Body: body})
		if qerr != nil {
			log.Error("queue offline write failed", "err", qerr)
			return model.Failure("Failed to queue offline write", qerr.Error()), writeRejected
		}
		log.Info("write queued offline", "mutation_id", queued.ID, "replaced", replaced, "err", err)
		res := model.Success(verb+" saved (offline, queued)", nil)
		res.Deferred = true
		return res, writeQueued
	default:
		log.Info("write rejected", "err", err)
		return model.Failure(verb+" failed", err.Error()), writeRejected
	}
}

func (o *Orchestrator) observe(err error) {
	if o.observer != nil {
		o.observer.Observe(err)
	}
}

func methodFor(event model.ScreenEvent) (method, verb string) {
	switch event {
	case model.EventSaveNew:
		return http.MethodPost, "Create"
	case model.EventSaveExisting:
		return http.MethodPut, "Update"
	default:
		return http.MethodDelete, "Delete"
	}
}

// decodeData returns the response body as a JSON value, the raw text when it
// is not JSON, or nil when empty.
func decodeData(body []byte) any {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(body)
	}
	if m, ok := v.(map[string]any); ok {
		return model.Item(m)
	}
	return v
}
