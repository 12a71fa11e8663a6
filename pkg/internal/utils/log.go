package utils

import (
	"strings"
	"unicode"
)

// SanitizeForLog sanitizes a string for safe logging by removing or escaping
// control characters that could cause log injection. Model names, checkpoint
// references and request fields are user controlled and must pass through
// here before being logged.
// The optional maxLength parameter controls truncation (default: 100).
// Pass 0 or negative to disable truncation.
func SanitizeForLog(s string, maxLength ...int) string {
	if s == "" {
		return ""
	}

	var result strings.Builder
	result.Grow(len(s))

	for _, r := range s {
		switch {
		case r == '\n':
			result.WriteString("\\n")
		case r == '\r':
			result.WriteString("\\r")
		case r == '\t':
			result.WriteString("\\t")
		case unicode.IsControl(r):
			result.WriteString("?")
		// Escape backslashes to prevent escape sequence injection.
		case r == '\\':
			result.WriteString("\\\\")
		case unicode.IsPrint(r):
			result.WriteRune(r)
		default:
			result.WriteString("?")
		}
	}

	maxLen := 100
	if len(maxLength) > 0 {
		maxLen = maxLength[0]
	}

	if maxLen > 0 && result.Len() > maxLen {
		return result.String()[:maxLen] + "...[truncated]"
	}

	return result.String()
}
