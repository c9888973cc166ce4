package hygiene

import (
	"html"
	"strings"
	"unicode"
)

// SanitizeInput trims s and escapes HTML so it is safe to echo back.
func SanitizeInput(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// IsValidIdentifier reports whether s can be used as an identifier or org id.
// Markup and template delimiters and control characters are rejected; words
// are not, so addresses like "description@x.com" pass.
func IsValidIdentifier(s string) bool {
	for _, r := range s {
		switch {
		case r == '<', r == '>', r == '{', r == '}':
			return false
		case unicode.IsControl(r):
			return false
		}
	}
	return true
}
