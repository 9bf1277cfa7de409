package provider

import (
	"encoding/json"
	"fmt"
)

// Path addresses a value inside decoded JSON: string elements are object
// keys and int elements are array indices.
type Path []any

// FirstDefined walks paths in order and returns the first value that
// exists and is not null. Non-string values are rendered as JSON. When no
// path resolves, sentinel is returned.
func FirstDefined(doc any, sentinel string, paths ...Path) string {
	for _, p := range paths {
		v, ok := lookup(doc, p)
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			return s
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return sentinel
}

func lookup(doc any, p Path) (any, bool) {
	cur := doc
	for _, step := range p {
		switch k := step.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = m[k]
			if !ok {
				return nil, false
			}
		case int:
			a, ok := cur.([]any)
			if !ok || k < 0 || k >= len(a) {
				return nil, false
			}
			cur = a[k]
		default:
			return nil, false
		}
	}
	return cur, true
}

// decodeAny parses a response body for FirstDefined. A body that is not
// JSON decodes to nil, which resolves no path.
func decodeAny(body []byte) any {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil
	}
	return doc
}
