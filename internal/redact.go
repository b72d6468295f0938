package relay

import "strings"

// Redacted replaces sensitive values before they reach logs or events.
const Redacted = "[REDACTED]"

var sensitiveKeyParts = []string{"token", "password", "secret", "key", "authorization"}

// SensitiveKey reports whether a context key names a credential-bearing field.
func SensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of m with values under sensitive keys replaced.
// Nested maps and slices are walked recursively; other values pass through.
func Redact(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if SensitiveKey(k) {
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
		return Redact(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
