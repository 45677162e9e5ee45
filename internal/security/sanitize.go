// Package security provides diagnostic-safe redaction helpers so that
// logs and error responses never leak secrets or internal state (spec §7:
// "no leakage of internal paths or stack content").
package security

import (
	"regexp"
	"strings"
)

type sensitivePattern struct {
	pattern *regexp.Regexp
	mask    string
}

var sensitivePatterns = []sensitivePattern{
	{regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`), "[REDACTED_JWT]"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----[\s\S]*?-----END\s+(RSA\s+)?PRIVATE\s+KEY-----`), "[REDACTED_PRIVATE_KEY]"},
	{regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.]{20,}`), "Bearer [REDACTED_TOKEN]"},
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?([A-Za-z0-9_\-]{20,})['"]?`), "$1=[REDACTED_API_KEY]"},
	{regexp.MustCompile(`(?i)(secret|signature)\s*[:=]\s*['"]?([A-Za-z0-9_\-+/=]{16,})['"]?`), "$1=[REDACTED_SECRET]"},
}

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"x-api-key":           true,
	"cookie":              true,
	"set-cookie":          true,
	"proxy-authorization": true,
	"x-aegis-node-secret":  true,
}

// String masks secret-shaped substrings inside an arbitrary string.
func String(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, p := range sensitivePatterns {
		result = p.pattern.ReplaceAllString(result, p.mask)
	}
	return result
}

// Error renders an error's message with secrets masked, safe to surface
// to a client or write to a log sink.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// Headers redacts sensitive HTTP header values for logging.
func Headers(headers map[string][]string) map[string][]string {
	if headers == nil {
		return nil
	}
	out := make(map[string][]string, len(headers))
	for key, values := range headers {
		if sensitiveHeaders[strings.ToLower(key)] {
			out[key] = []string{"[REDACTED]"}
			continue
		}
		redacted := make([]string, len(values))
		for i, v := range values {
			redacted[i] = String(v)
		}
		out[key] = redacted
	}
	return out
}

// StripInternalPaths removes anything that looks like a local filesystem
// path from a diagnostic string before it reaches a client response.
func StripInternalPaths(s string) string {
	return internalPathPattern.ReplaceAllString(s, "[path]")
}

var internalPathPattern = regexp.MustCompile(`(?:/[\w.\-]+){2,}`)
