package model

import (
	"encoding/json"
	"fmt"
	"strconv"
)

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// StringField returns the named field rendered as a string; blank values report false.
func (it Item) StringField(name string) (string, bool) {
	raw, ok := it[name]
	if !ok || raw == nil {
		return "", false
	}
	s := stringify(raw)
	if s == "" {
		return "", false
	}
	return s, true
}
