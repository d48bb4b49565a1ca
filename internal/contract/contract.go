// Package contract maps UI events raised on a named screen to endpoints and
// required permissions.
package contract

import (
	"errors"

	"github.com/g960059/sduisync/internal/model"
)

const APIPrefix = "/api/v1"

const (
	KindCRUD      = "crud"
	KindLogin     = "login"
	KindSettings  = "settings"
	KindDashboard = "dashboard"
	KindCustom    = "custom"
)

var ErrInvalidContract = errors.New("invalid contract")

// ScreenContract is the per-screen policy. Both lookups are pure; a false
// second return means no endpoint or no permission requirement.
type ScreenContract interface {
	ScreenKey() string
	Resource() string
	EndpointFor(event model.ScreenEvent, ectx model.EventContext) (string, bool)
	PermissionFor(event model.ScreenEvent) (string, bool)
}

// CustomEventHandler is implemented by contracts that answer screen specific
// events. A false return means the id is unknown to the contract.
type CustomEventHandler interface {
	HandleCustom(eventID string, ectx model.EventContext) (model.EventResult, bool)
}

// Describer exposes a static description used by the ops listing.
type Describer interface {
	Definition() Definition
}

type Definition struct {
	ScreenKey    string   `json:"screen_key"`
	Resource     string   `json:"resource"`
	Kind         string   `json:"kind"`
	BasePath     string   `json:"base_path,omitempty"`
	CustomEvents []string `json:"custom_events,omitempty"`
}

// Describe returns c's definition, deriving a minimal one when c does not
// implement Describer.
func Describe(c ScreenContract) Definition {
	if d, ok := c.(Describer); ok {
		return d.Definition()
	}
	return Definition{ScreenKey: c.ScreenKey(), Resource: c.Resource(), Kind: KindCustom}
}

// HandleCustom dispatches eventID to c, answering noOp when c has no handler
// for it.
func HandleCustom(c ScreenContract, eventID string, ectx model.EventContext) model.EventResult {
	h, ok := c.(CustomEventHandler)
	if !ok {
		return model.NoOp()
	}
	res, ok := h.HandleCustom(eventID, ectx)
	if !ok {
		return model.NoOp()
	}
	return res
}

// CRUDScreen returns the detail screen key for resource.
func CRUDScreen(resource string) string {
	return resource + "-crud"
}

// ListScreen returns the list screen key for resource.
func ListScreen(resource string) string {
	return resource + "-list"
}
