package engine

import "strconv"

// Session data values round-trip through JSON, so numbers read back as
// float64 and nested maps as map[string]any. These helpers normalize access.

func dataInt(data map[string]any, key string) int {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

func toFloat(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0
}

// lookupStringMap reads data[key][entry] where the inner map may be either a
// native string map or a decoded JSON object.
func lookupStringMap(data map[string]any, key, entry string) (string, bool) {
	if data == nil {
		return "", false
	}
	switch m := data[key].(type) {
	case map[string]string:
		v, ok := m[entry]
		return v, ok && v != ""
	case map[string]any:
		if raw, ok := m[entry]; ok {
			if s, ok := raw.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
