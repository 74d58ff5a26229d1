package memory

import (
	"regexp"
	"unicode/utf8"
)

const redactedPlaceholder = "[redacted]"

// Patterns for credential-shaped substrings. Matching is deliberately
// greedy; a false positive costs a few characters, a false negative leaks
// a secret into stored history.
var redactPatterns = []*regexp.Regexp{
	// Bearer tokens in pasted headers.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	// Provider-style API keys (sk-..., pk_..., rk_...).
	regexp.MustCompile(`\b(?:sk|pk|rk|api)[-_][A-Za-z0-9_-]{8,}\b`),
	// JWTs.
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}\b`),
	// Card-number-length digit runs, with optional separators.
	regexp.MustCompile(`\b(?:\d[ -]?){12,19}\b`),
}

// Redact strips credential-shaped substrings and clamps the result to
// maxBytes at a rune boundary. maxBytes <= 0 means no clamp.
func Redact(text string, maxBytes int) string {
	for _, re := range redactPatterns {
		text = re.ReplaceAllString(text, redactedPlaceholder)
	}
	if maxBytes > 0 && len(text) > maxBytes {
		text = clampUTF8(text, maxBytes)
	}
	return text
}

// clampUTF8 truncates s to at most maxBytes without splitting a rune.
func clampUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	s = s[:maxBytes]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
