package fingerprint

import (
	"strings"
	"unicode"
)

// NormalizeWhitespace collapses runs of whitespace into single spaces, drops
// control characters and trims both ends. Case is preserved.
func NormalizeWhitespace(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(trimmed))
	lastSpace := false
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		lastSpace = false
	}
	return strings.TrimSpace(b.String())
}

// Normalize is the comparison form used for token extraction.
func Normalize(input string) string {
	return strings.ToLower(NormalizeWhitespace(input))
}

// Tokenize splits text into lower-cased word tokens. When maxTokens > 0 only
// the first maxTokens tokens are returned.
func Tokenize(text string, maxTokens int) []string {
	normalized := Normalize(text)
	if normalized == "" {
		return nil
	}

	parts := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	limit := len(parts)
	if maxTokens > 0 && limit > maxTokens {
		limit = maxTokens
	}
	tokens := make([]string, 0, limit)
	for _, p := range parts {
		if len(tokens) == limit {
			break
		}
		if p == "" {
			continue
		}
		tokens = append(tokens, p)
	}
	return tokens
}

// CountTokens reports the number of word tokens in text without a cap.
func CountTokens(text string) int {
	return len(Tokenize(text, 0))
}
