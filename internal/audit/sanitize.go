package audit

import (
	"regexp"
	"strings"
)

// Secrets never reach the audit log. Both key-based elision (map keys
// that look like credentials) and value scrubbing (inline bearer tokens,
// key=value forms) are applied.

var sensitiveKeys = []string{"api_key", "apikey", "password", "secret", "token", "authorization", "credentials"}

var valuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]+`),
	regexp.MustCompile(`(?i)(api_key|apikey|password|secret|token)\s*[=:]\s*[^\s&"']+`),
}

const redacted = "***REDACTED***"

// SanitizeString scrubs credential-shaped substrings from s.
func SanitizeString(s string) string {
	for _, re := range valuePatterns {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			if i := strings.IndexAny(m, "=:"); i >= 0 {
				return m[:i+1] + redacted
			}
			return redacted
		})
	}
	return s
}

// SanitizeMap returns a deep copy of m with sensitive keys elided and
// string values scrubbed. Nil input yields an empty map so every audit
// line carries a details object.
func SanitizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch t := v.(type) {
	case string:
		return SanitizeString(t)
	case map[string]any:
		return SanitizeMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = sanitizeValue(e)
		}
		return cp
	case []string:
		cp := make([]string, len(t))
		for i, e := range t {
			cp[i] = SanitizeString(e)
		}
		return cp
	default:
		return v
	}
}

func isSensitiveKey(k string) bool {
	lk := strings.ToLower(k)
	for _, s := range sensitiveKeys {
		if strings.Contains(lk, s) {
			return true
		}
	}
	return false
}
