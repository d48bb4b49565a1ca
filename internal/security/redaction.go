// Package security keeps credentials typed into forms out of logs and ops
// output.
package security

import (
	"regexp"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/g960059/sduisync/internal/model"
)

const Redacted = "[REDACTED]"

var (
	secretKeyExpr        = `(?:[a-z0-9._-]*password|passwd|[a-z0-9._-]*secret|[a-z0-9._-]*api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*)`
	secretKeyPattern     = regexp.MustCompile(`(?i)^` + secretKeyExpr + `$`)
	kvSecretPattern      = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"'&,}]+)`)
	jsonSecretPattern    = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)"(?:[^"\\]|\\.)*"`)
	authorizationPattern = regexp.MustCompile(`(?i)(authorization\s*:\s*)[^\r\n]+`)
	bearerTokenPattern   = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	cookiePattern        = regexp.MustCompile(`(?i)(cookie\s*:\s*)[^\r\n]+`)
)

// IsSecretKey reports whether a field name looks like it holds a credential.
func IsSecretKey(key string) bool {
	return secretKeyPattern.MatchString(strings.TrimSpace(key))
}

// RedactPayload masks credentials in free text such as error messages and
// query strings.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"`+Redacted+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return Redacted
		}
		return match[:idx+1] + Redacted
	})
	out = authorizationPattern.ReplaceAllString(out, `${1}`+Redacted)
	out = bearerTokenPattern.ReplaceAllString(out, "Bearer "+Redacted)
	out = cookiePattern.ReplaceAllString(out, `${1}`+Redacted)
	return out
}

// RedactItem returns a copy of item with credential fields masked at any
// depth.
func RedactItem(item model.Item) model.Item {
	if item == nil {
		return nil
	}
	out := make(model.Item, len(item))
	for k, v := range item {
		if IsSecretKey(k) {
			out[k] = Redacted
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return RedactItem(model.Item(t))
	case model.Item:
		return RedactItem(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	case string:
		return RedactPayload(t)
	default:
		return v
	}
}

// RedactBody renders a JSON request body with credential fields masked.
// Bodies that are not JSON objects or arrays fall back to text redaction.
func RedactBody(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return RedactPayload(trimmed)
	}
	switch v.(type) {
	case map[string]any, []any:
	default:
		return RedactPayload(trimmed)
	}
	buf, err := json.Marshal(redactValue(v))
	if err != nil {
		return RedactPayload(trimmed)
	}
	return string(buf)
}
