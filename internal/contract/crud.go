package contract

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/g960059/sduisync/internal/model"
)

// CRUDContract serves list and detail screens of one resource.
type CRUDContract struct {
	screenKey string
	resource  string
	basePath  string
	apiPrefix string
	// permission prefix, defaults to resource
	permissionScope string
}

type CRUDOption func(*CRUDContract)

func WithAPIPrefix(prefix string) CRUDOption {
	return func(c *CRUDContract) { c.apiPrefix = strings.TrimRight(prefix, "/") }
}

func WithPermissionScope(scope string) CRUDOption {
	return func(c *CRUDContract) { c.permissionScope = strings.TrimSpace(scope) }
}

func NewCRUDContract(screenKey, resource, basePath string, opts ...CRUDOption) *CRUDContract {
	c := &CRUDContract{
		screenKey:       strings.TrimSpace(screenKey),
		resource:        strings.TrimSpace(resource),
		basePath:        "/" + strings.Trim(strings.TrimSpace(basePath), "/"),
		apiPrefix:       APIPrefix,
		permissionScope: strings.TrimSpace(resource),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *CRUDContract) ScreenKey() string { return c.screenKey }
func (c *CRUDContract) Resource() string  { return c.resource }

func (c *CRUDContract) Definition() Definition {
	return Definition{ScreenKey: c.screenKey, Resource: c.resource, Kind: KindCRUD, BasePath: c.base()}
}

func (c *CRUDContract) base() string {
	return c.apiPrefix + c.basePath
}

func (c *CRUDContract) EndpointFor(event model.ScreenEvent, ectx model.EventContext) (string, bool) {
	base := c.base()
	switch event {
	case model.EventLoadData, model.EventRefresh, model.EventLoadMore:
		return withOffset(base, ectx.PaginationOffset), true
	case model.EventSearch:
		q := url.Values{}
		q.Set("search", ectx.SearchQuery)
		if ectx.PaginationOffset > 0 {
			q.Set("offset", strconv.Itoa(ectx.PaginationOffset))
		}
		return base + "?" + q.Encode(), true
	case model.EventCreate, model.EventSaveNew:
		return base, true
	case model.EventSaveExisting, model.EventDelete:
		id, ok := itemID(ectx)
		if !ok {
			return "", false
		}
		return base + "/" + url.PathEscape(id), true
	default:
		return "", false
	}
}

func (c *CRUDContract) PermissionFor(event model.ScreenEvent) (string, bool) {
	switch event {
	case model.EventLoadData, model.EventRefresh, model.EventLoadMore, model.EventSearch, model.EventSelectItem:
		return c.permissionScope + ".read", true
	case model.EventCreate, model.EventSaveNew:
		return c.permissionScope + ".create", true
	case model.EventSaveExisting:
		return c.permissionScope + ".update", true
	case model.EventDelete:
		return c.permissionScope + ".delete", true
	default:
		return "", false
	}
}

func withOffset(endpoint string, offset int) string {
	if offset <= 0 {
		return endpoint
	}
	return endpoint + "?offset=" + strconv.Itoa(offset)
}

// itemID prefers the selected row and falls back to the form values.
func itemID(ectx model.EventContext) (string, bool) {
	if id, ok := ectx.SelectedItem.ID(); ok {
		return id, true
	}
	return ectx.FieldValues.ID()
}
