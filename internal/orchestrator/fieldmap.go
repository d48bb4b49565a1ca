package orchestrator

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/g960059/sduisync/internal/model"
)

const (
	labelActive   = "Active"
	labelInactive = "Inactive"
)

// bookkeepingFields never reach the UI.
var bookkeepingFields = []string{
	"createdAt", "updatedAt", "deletedAt",
	"created_at", "updated_at", "deleted_at",
}

var statusLabels = newStatusCatalog()

func newStatusCatalog() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for _, entry := range []struct {
		tag        language.Tag
		key, label string
	}{
		{language.English, labelActive, "Active"},
		{language.English, labelInactive, "Inactive"},
		{language.Spanish, labelActive, "Activo"},
		{language.Spanish, labelInactive, "Inactivo"},
	} {
		if err := b.SetString(entry.tag, entry.key, entry.label); err != nil {
			panic(err)
		}
	}
	return b
}

// FieldMapping shapes read results for one screen.
type FieldMapping struct {
	Rename   map[string]string
	Defaults model.Item
}

// ApplyFieldMapping renames keys, drops bookkeeping timestamps, turns an
// active flag into an English status label and fills defaults for keys
// still absent. data is not modified.
func ApplyFieldMapping(data model.Item, mapping map[string]string, defaults model.Item) model.Item {
	return ApplyFieldMappingLocale(language.English, data, mapping, defaults)
}

func ApplyFieldMappingLocale(tag language.Tag, data model.Item, mapping map[string]string, defaults model.Item) model.Item {
	out := data.Clone()
	if out == nil {
		out = model.Item{}
	}
	for _, k := range bookkeepingFields {
		delete(out, k)
	}

	renamed := make(model.Item, len(mapping))
	for from, to := range mapping {
		v, ok := out[from]
		if !ok || from == to {
			continue
		}
		delete(out, from)
		renamed[to] = v
	}
	for k, v := range renamed {
		out[k] = v
	}

	for _, flag := range []string{"active", "isActive"} {
		active, ok := out[flag].(bool)
		if !ok {
			continue
		}
		delete(out, flag)
		if _, exists := out["status"]; !exists {
			out["status"] = statusLabel(tag, active)
		}
	}

	for k, v := range defaults {
		if _, ok := out[k]; !ok {
			out[k] = v
		}
	}
	return out
}

func statusLabel(tag language.Tag, active bool) string {
	p := message.NewPrinter(tag, message.Catalog(statusLabels))
	if active {
		return p.Sprintf(labelActive)
	}
	return p.Sprintf(labelInactive)
}

func applyMapping(tag language.Tag, items model.Items, m FieldMapping) model.Items {
	out := make(model.Items, len(items))
	for i, it := range items {
		out[i] = ApplyFieldMappingLocale(tag, it, m.Rename, m.Defaults)
	}
	return out
}
