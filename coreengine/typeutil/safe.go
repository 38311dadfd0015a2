// Package typeutil provides safe type assertion helpers for the loosely
// typed maps that configuration and phase results travel in.
package typeutil

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// SafeMapStringAny safely asserts value to map[string]any.
func SafeMapStringAny(value any) (map[string]any, bool) {
	if value == nil {
		return nil, false
	}
	m, ok := value.(map[string]any)
	return m, ok
}

// SafeMapStringAnyDefault safely asserts value to map[string]any with a default fallback.
func SafeMapStringAnyDefault(value any, defaultVal map[string]any) map[string]any {
	if m, ok := SafeMapStringAny(value); ok {
		return m
	}
	return defaultVal
}

// SafeString safely asserts value to string.
func SafeString(value any) (string, bool) {
	if value == nil {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// SafeStringDefault safely asserts value to string with a default fallback.
func SafeStringDefault(value any, defaultVal string) string {
	if s, ok := SafeString(value); ok {
		return s
	}
	return defaultVal
}

// SafeInt safely asserts value to int.
// Also handles float64 (common from JSON unmarshaling).
func SafeInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case int32:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	default:
		return 0, false
	}
}

// SafeIntDefault safely asserts value to int with a default fallback.
func SafeIntDefault(value any, defaultVal int) int {
	if i, ok := SafeInt(value); ok {
		return i
	}
	return defaultVal
}

// SafeBool safely asserts value to bool.
func SafeBool(value any) (bool, bool) {
	b, ok := value.(bool)
	return b, ok
}

// SafeBoolDefault safely asserts value to bool with a default fallback.
func SafeBoolDefault(value any, defaultVal bool) bool {
	if b, ok := SafeBool(value); ok {
		return b
	}
	return defaultVal
}

// =============================================================================
// JSON NORMALIZATION
// =============================================================================

// NormalizeJSON converts value to the shape it has after a JSON round trip:
// maps become map[string]any, numbers float64, structs their encoded form.
// Values persisted in snapshots are normalized before use so that a resumed
// process sees exactly what an uninterrupted one did.
func NormalizeJSON(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
	}
	return out, nil
}

// NormalizeMap is NormalizeJSON for maps. A nil map becomes empty.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return map[string]any{}, nil
	}
	v, err := NormalizeJSON(m)
	if err != nil {
		return nil, err
	}
	return SafeMapStringAnyDefault(v, map[string]any{}), nil
}

// DiffKeys returns the sorted keys whose values differ between a and b,
// including keys present in only one of them.
func DiffKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var diff []string
	for k, av := range a {
		seen[k] = struct{}{}
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			diff = append(diff, k)
		}
	}
	for k := range b {
		if _, ok := seen[k]; !ok {
			diff = append(diff, k)
		}
	}
	sort.Strings(diff)
	return diff
}
