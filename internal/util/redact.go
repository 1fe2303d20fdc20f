package util

import "strings"

const redactedValue = "[REDACTED]"

// TokenPreview returns a short prefix of a secret suitable for logs.
// The full value is never logged.
func TokenPreview(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 12 {
		return redactedValue
	}
	return token[:12] + "..."
}

// RedactCookieHeader replaces every cookie value in a Cookie header
// string while keeping the cookie names visible for debugging.
func RedactCookieHeader(header string) string {
	if strings.TrimSpace(header) == "" {
		return ""
	}
	parts := strings.Split(header, ";")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		name, _, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		out = append(out, name+"="+redactedValue)
	}
	return strings.Join(out, "; ")
}
