package gateway

import "strings"

// Legacy input-hardening limits applied to parsed JSON bodies.
const (
	maxStringLen = 10000
	maxKeyLen    = 100
)

// angleBrackets strips the characters the legacy hardening rule bans.
var angleBrackets = strings.NewReplacer("<", "", ">", "")

// sanitizeValue applies the legacy hardening rule recursively: strings
// lose angle brackets and are truncated, object keys are truncated.
// Non-string scalars pass through unchanged.
func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return sanitizeString(val, maxStringLen)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[truncate(k, maxKeyLen)] = sanitizeValue(inner)
		}
		return out
	case []any:
		for i, inner := range val {
			val[i] = sanitizeValue(inner)
		}
		return val
	default:
		return v
	}
}

func sanitizeString(s string, limit int) string {
	return truncate(angleBrackets.Replace(s), limit)
}

func truncate(s string, limit int) string {
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
