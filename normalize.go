package signedmedia

import (
	"encoding/json"
	"strings"
)

// Normalize turns the heterogeneous shapes a photo field is stored in into an
// ordered list of references. It accepts a plain string, an object exposing
// "S" (wrapped scalar), "L" (list of wrapped scalars), "url" or "key", an
// array of any of those, or nil. Entries that normalize to empty are dropped;
// malformed input yields an empty slice.
func Normalize(field any) []Reference {
	refs := []Reference{}
	appendNormalized(&refs, field)
	return refs
}

// NormalizeJSON decodes raw JSON and normalizes the result.
func NormalizeJSON(data []byte) []Reference {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return []Reference{}
	}
	return Normalize(v)
}

// FromRecord normalizes the named field of a decoded record, e.g. the
// "photos" list of a product.
func FromRecord(record map[string]any, field string) []Reference {
	if record == nil {
		return []Reference{}
	}
	return Normalize(record[field])
}

func appendNormalized(refs *[]Reference, v any) {
	switch t := v.(type) {
	case nil:
	case string:
		appendRef(refs, t)
	case Reference:
		appendRef(refs, string(t))
	case []string:
		for _, s := range t {
			appendRef(refs, s)
		}
	case []Reference:
		for _, r := range t {
			appendRef(refs, string(r))
		}
	case []any:
		for _, e := range t {
			appendNormalized(refs, e)
		}
	case map[string]any:
		appendObject(refs, t)
	case map[string]string:
		for _, k := range []string{"S", "url", "key"} {
			if s := strings.TrimSpace(t[k]); s != "" {
				appendRef(refs, s)
				return
			}
		}
	}
}

// appendObject unwraps the first populated of S, L, url, key.
func appendObject(refs *[]Reference, obj map[string]any) {
	if s, ok := obj["S"].(string); ok && strings.TrimSpace(s) != "" {
		appendRef(refs, s)
		return
	}
	if l, ok := obj["L"].([]any); ok {
		for _, e := range l {
			appendNormalized(refs, e)
		}
		return
	}
	for _, k := range []string{"url", "key"} {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			appendRef(refs, s)
			return
		}
	}
}

func appendRef(refs *[]Reference, s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	*refs = append(*refs, Reference(s))
}
