package oauth

import "strings"

// MaskSecret masks a secret by showing the first 3 and last 4 characters.
// For secrets of 8 characters or fewer, it returns "***". Used for
// client IDs, client secrets and tokens in log lines and `status` output.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:3] + "***" + secret[len(secret)-4:]
}

// isPublicParam reports whether an auth_uri_fields key is a non-sensitive,
// intentionally-visible value (e.g. login_hint) that should not be masked.
func isPublicParam(key string) bool {
	keyLower := strings.ToLower(key)
	return keyLower == "login_hint" || keyLower == "access_type" || keyLower == "prompt"
}

// MaskAuthURIFields applies selective masking to the configured
// auth_uri_fields before they're written to a log line.
func MaskAuthURIFields(fields [][2]string) map[string]string {
	masked := make(map[string]string, len(fields))
	for _, kv := range fields {
		k, v := kv[0], kv[1]
		switch {
		case isPublicParam(k):
			masked[k] = v
		case containsSensitiveKeyword(k):
			masked[k] = "***"
		default:
			masked[k] = MaskSecret(v)
		}
	}
	return masked
}

func containsSensitiveKeyword(key string) bool {
	keyLower := strings.ToLower(key)
	for _, keyword := range []string{"key", "secret", "token", "password", "credential"} {
		if strings.Contains(keyLower, keyword) {
			return true
		}
	}
	return false
}
