// Package masking redacts customer identifiers and credentials from audit data
// before it leaves the engine in a support bundle.
package masking

import "strings"

const redacted = "****"

// Keys whose values are redacted, matched as substrings of the lowercased key.
var sensitiveKeyFragments = []string{
	"customer_ref",
	"secret",
	"token",
	"password",
	"signing_key",
	"email",
}

// MaskSecret keeps a provider prefix such as "cus_" and the last four characters.
func MaskSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	var prefix string
	if i := strings.LastIndexByte(value, '_'); i > 0 && i < len(value)-1 {
		prefix, value = value[:i+1], value[i+1:]
	}
	if len(value) <= 4 {
		return prefix + redacted
	}
	return prefix + redacted + value[len(value)-4:]
}

// Sensitive reports whether values stored under key must be redacted.
func Sensitive(key string) bool {
	key = strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(key, fragment) {
			return true
		}
	}
	return false
}

// MaskJSON returns a copy of metadata with every value under a sensitive key
// redacted, at any depth. Other values are copied unchanged.
func MaskJSON(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		out[key] = maskUnder(Sensitive(key), value)
	}
	return out
}

func maskUnder(sensitive bool, value any) any {
	switch v := value.(type) {
	case map[string]any:
		if sensitive {
			masked := make(map[string]any, len(v))
			for key, inner := range v {
				masked[key] = maskUnder(true, inner)
			}
			return masked
		}
		return MaskJSON(v)
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = maskUnder(sensitive, item)
		}
		return items
	case string:
		if sensitive {
			return MaskSecret(v)
		}
		return v
	case nil:
		return nil
	default:
		if sensitive {
			return redacted
		}
		return v
	}
}
