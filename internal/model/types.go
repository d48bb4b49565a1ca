package model

import (
	"encoding/json"
	"strings"
	"time"
)

// ScreenEvent is the closed set of UI events a screen contract can resolve.
type ScreenEvent string

const (
	EventLoadData     ScreenEvent = "loadData"
	EventRefresh      ScreenEvent = "refresh"
	EventLoadMore     ScreenEvent = "loadMore"
	EventSearch       ScreenEvent = "search"
	EventSelectItem   ScreenEvent = "selectItem"
	EventCreate       ScreenEvent = "create"
	EventSaveNew      ScreenEvent = "saveNew"
	EventSaveExisting ScreenEvent = "saveExisting"
	EventDelete       ScreenEvent = "delete"
)

var AllEvents = []ScreenEvent{
	EventLoadData,
	EventRefresh,
	EventLoadMore,
	EventSearch,
	EventSelectItem,
	EventCreate,
	EventSaveNew,
	EventSaveExisting,
	EventDelete,
}

func (e ScreenEvent) IsRead() bool {
	switch e {
	case EventLoadData, EventRefresh, EventLoadMore, EventSearch:
		return true
	default:
		return false
	}
}

func (e ScreenEvent) IsWrite() bool {
	switch e {
	case EventSaveNew, EventSaveExisting, EventDelete:
		return true
	default:
		return false
	}
}

// Item is a keyed field map as delivered by the server.
type Item map[string]any

// Items is an ordered snapshot of list rows.
type Items []Item

func (it Item) Clone() Item {
	if it == nil {
		return nil
	}
	out := make(Item, len(it))
	for k, v := range it {
		out[k] = cloneValue(v)
	}
	return out
}

// ID returns the item's "id" field rendered as a string.
func (it Item) ID() (string, bool) {
	raw, ok := it["id"]
	if !ok || raw == nil {
		return "", false
	}
	id := strings.TrimSpace(stringify(raw))
	if id == "" {
		return "", false
	}
	return id, true
}

func CloneItems(items Items) Items {
	if items == nil {
		return nil
	}
	out := make(Items, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Item(t).Clone()
	case Item:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

type ScreenUserContext struct {
	RoleID      string
	RoleName    string
	Permissions map[string]struct{}
}

func NewUserContext(roleID, roleName string, permissions ...string) ScreenUserContext {
	perms := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		perms[p] = struct{}{}
	}
	return ScreenUserContext{RoleID: roleID, RoleName: roleName, Permissions: perms}
}

// Anonymous is the context of a signed-out user; it holds no permissions.
func Anonymous() ScreenUserContext {
	return ScreenUserContext{RoleID: "anonymous", RoleName: "Anonymous"}
}

func (u ScreenUserContext) HasPermission(permission string) bool {
	_, ok := u.Permissions[permission]
	return ok
}

// EventContext is built fresh for every UI event and never mutated afterwards.
type EventContext struct {
	ScreenKey        string
	User             ScreenUserContext
	SelectedItem     Item
	FieldValues      Item
	SearchQuery      string
	PaginationOffset int
}

type EventContextOption func(*EventContext)

func WithSelectedItem(item Item) EventContextOption {
	return func(c *EventContext) { c.SelectedItem = item.Clone() }
}

func WithFieldValues(values Item) EventContextOption {
	return func(c *EventContext) { c.FieldValues = values.Clone() }
}

func WithSearchQuery(query string) EventContextOption {
	return func(c *EventContext) { c.SearchQuery = query }
}

func WithPaginationOffset(offset int) EventContextOption {
	return func(c *EventContext) {
		if offset > 0 {
			c.PaginationOffset = offset
		}
	}
}

func NewEventContext(screenKey string, user ScreenUserContext, opts ...EventContextOption) EventContext {
	c := EventContext{ScreenKey: screenKey, User: user}
	for _, opt := range opts {
		opt(&c)
	}
	if c.FieldValues == nil {
		c.FieldValues = Item{}
	}
	return c
}

// ResultKind tags the EventResult variant the UI dispatches on.
type ResultKind string

const (
	ResultSuccess          ResultKind = "success"
	ResultError            ResultKind = "error"
	ResultPermissionDenied ResultKind = "permissionDenied"
	ResultNavigateTo       ResultKind = "navigateTo"
	ResultSubmitTo         ResultKind = "submitTo"
	ResultLogout           ResultKind = "logout"
	ResultNoOp             ResultKind = "noOp"
)

// EventResult carries exactly one orchestration outcome. Only the fields of
// the variant named by Kind are meaningful.
type EventResult struct {
	Kind ResultKind

	Message string
	Data    any
	Detail  string

	// Deferred marks a success whose write was queued for later replay.
	Deferred bool
	// Restored holds the snapshot the UI should restore after a rollback.
	Restored Items

	Screen string
	Params map[string]string

	Endpoint string
	Method   string
	Body     Item
}

func Success(message string, data any) EventResult {
	return EventResult{Kind: ResultSuccess, Message: message, Data: data}
}

func Failure(message, detail string) EventResult {
	return EventResult{Kind: ResultError, Message: message, Detail: detail}
}

func PermissionDenied() EventResult {
	return EventResult{Kind: ResultPermissionDenied}
}

func NavigateTo(screen string, params map[string]string) EventResult {
	if params == nil {
		params = map[string]string{}
	}
	return EventResult{Kind: ResultNavigateTo, Screen: screen, Params: params}
}

func SubmitTo(endpoint, method string, body Item) EventResult {
	return EventResult{Kind: ResultSubmitTo, Endpoint: endpoint, Method: method, Body: body}
}

func Logout() EventResult {
	return EventResult{Kind: ResultLogout}
}

func NoOp() EventResult {
	return EventResult{Kind: ResultNoOp}
}

// PendingMutation is a write waiting to be replayed against the server.
type PendingMutation struct {
	ID         string
	Endpoint   string
	Method     string
	Body       json.RawMessage
	EnqueuedAt time.Time
}

// Key is the dedup key: at most one pending mutation exists per key.
func (m PendingMutation) Key() string {
	return MutationKey(m.Endpoint, m.Method)
}

func MutationKey(endpoint, method string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(endpoint)
}

type ConflictResolution string

const (
	ResolutionRetry        ConflictResolution = "retry"
	ResolutionApplyLocal   ConflictResolution = "applyLocal"
	ResolutionSkipSilently ConflictResolution = "skipSilently"
	ResolutionFail         ConflictResolution = "fail"
)

type UpdateStatus string

const (
	UpdatePending    UpdateStatus = "pending"
	UpdateConfirmed  UpdateStatus = "confirmed"
	UpdateRolledBack UpdateStatus = "rolledBack"
	UpdateExpired    UpdateStatus = "expired"
)

func (s UpdateStatus) IsTerminal() bool {
	return s == UpdateConfirmed || s == UpdateRolledBack || s == UpdateExpired
}

type OptimisticUpdate struct {
	ID              string
	ScreenKey       string
	Event           ScreenEvent
	PreviousItems   Items
	OptimisticItems Items
	FieldValues     Item
	RegisteredAt    time.Time
	Timeout         time.Duration
	Status          UpdateStatus
}

// Expired reports whether the update has outlived its timeout at now.
func (u OptimisticUpdate) Expired(now time.Time) bool {
	return now.Sub(u.RegisteredAt) > u.Timeout
}

type OptimisticStatusEvent struct {
	UpdateID      string
	ScreenKey     string
	Status        UpdateStatus
	PreviousItems Items
	At            time.Time
}

type SyncState string

const (
	SyncIdle      SyncState = "idle"
	SyncSyncing   SyncState = "syncing"
	SyncCompleted SyncState = "completed"
	SyncFailed    SyncState = "failed"
)
