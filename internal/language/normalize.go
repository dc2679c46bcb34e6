// Package language normalizes the BCP 47 style tags feeds declare.
package language

import "strings"

// Undetermined is stored when a document carries no usable language.
const Undetermined = "und"

const maxTagLength = 35

// NormalizeTag lowercases a tag, turns "_" into "-" and drops empty
// subtags. The primary subtag must be 2 or 3 letters and every other subtag
// 1 to 8 letters or digits; anything else normalizes to "".
func NormalizeTag(raw string) string {
	tag := strings.ToLower(strings.TrimSpace(raw))
	if tag == "" || len(tag) > maxTagLength {
		return ""
	}

	subtags := strings.FieldsFunc(tag, func(r rune) bool { return r == '-' || r == '_' })
	if len(subtags) == 0 {
		return ""
	}
	if n := len(subtags[0]); n < 2 || n > 3 || !allASCII(subtags[0], false) {
		return ""
	}
	for _, sub := range subtags[1:] {
		if len(sub) > 8 || !allASCII(sub, true) {
			return ""
		}
	}
	return strings.Join(subtags, "-")
}

// NormalizeCode returns the primary subtag, "en" for "en-US".
func NormalizeCode(raw string) string {
	tag := NormalizeTag(raw)
	primary, _, _ := strings.Cut(tag, "-")
	return primary
}

// Resolve picks the stored language for a document: the declared tag when it
// is valid, otherwise the detector's guess on content when detect is set.
func Resolve(declared, content string, detect func(string) string) string {
	if tag := NormalizeTag(declared); tag != "" {
		return tag
	}
	if detect != nil {
		if code := NormalizeCode(detect(content)); code != "" {
			return code
		}
	}
	return Undetermined
}

func allASCII(value string, digits bool) bool {
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= 'a' && c <= 'z':
		case digits && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
