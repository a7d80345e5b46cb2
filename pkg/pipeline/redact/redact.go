package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// Matches "Bearer <token>" (JWTs and opaque tokens).
	bearerTokenRe = regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`)

	// Common key=value formats that sometimes leak in error strings.
	apiKeyKVRe = regexp.MustCompile(`(?i)\b(api[_-]?key|x-api-key|(?:gemini|serper)[_-]?api[_-]?key)\b\s*[:=]\s*[^\s"']+`)

	// Query-string credentials, e.g. "?key=AIza..." on Google endpoints.
	queryKeyRe = regexp.MustCompile(`(?i)([?&](?:key|api_key|token)=)[^&\s"']+`)

	// JSON-encoded secrets: "apiKey": "..." style fields.
	jsonKeyRe = regexp.MustCompile(`(?i)"(api[_-]?key|x-api-key|token|authorization)"\s*:\s*"[^"]*"`)
)

// Secrets removes obvious secret-bearing substrings from error/log strings.
func Secrets(s string) string {
	if s == "" {
		return ""
	}
	out := s
	out = bearerTokenRe.ReplaceAllString(out, "Bearer <redacted>")
	out = apiKeyKVRe.ReplaceAllString(out, "<redacted_kv>")
	out = queryKeyRe.ReplaceAllString(out, "${1}<redacted>")
	out = jsonKeyRe.ReplaceAllString(out, `"$1":"<redacted>"`)
	return strings.TrimSpace(out)
}

// Truncate shortens s to at most max bytes, flattening newlines and marking
// the cut with "...".
func Truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut]) + "..."
}
