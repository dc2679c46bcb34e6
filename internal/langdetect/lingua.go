// Package langdetect tags documents whose feed item declares no language.
package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

const (
	// minLetters is the shortest sample lingua is asked about.
	minLetters = 6
	// sampleRunes caps how much of a long article is scored.
	sampleRunes = 2000
	// minRelativeDistance makes lingua answer "unknown" rather than guess
	// between close languages.
	minRelativeDistance = 0.1
)

// Detector wraps a lingua detector restricted to a set of languages.
type Detector struct {
	detector lingua.LanguageDetector
}

// New builds a detector over languages, or over every language lingua
// supports when fewer than two are given. Models are loaded eagerly.
func New(languages ...lingua.Language) *Detector {
	builder := lingua.NewLanguageDetectorBuilder()
	var configured lingua.LanguageDetectorBuilder
	if len(languages) >= 2 {
		configured = builder.FromLanguages(languages...)
	} else {
		configured = builder.FromAllLanguages()
	}
	return &Detector{
		detector: configured.
			WithMinimumRelativeDistance(minRelativeDistance).
			WithPreloadedLanguageModels().
			Build(),
	}
}

// Detect returns the ISO 639-1 code for text, or "" when the sample is too
// short or lingua is not confident.
func (d *Detector) Detect(text string) string {
	if d == nil || d.detector == nil {
		return ""
	}
	sample, ok := sampleOf(text)
	if !ok {
		return ""
	}
	detected, exists := d.detector.DetectLanguageOf(sample)
	if !exists {
		return ""
	}
	code := strings.ToLower(detected.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

var (
	defaultOnce     sync.Once
	defaultDetector *Detector
)

// DetectISO6391 runs the shared all-languages detector, built on first use.
func DetectISO6391(text string) string {
	defaultOnce.Do(func() {
		defaultDetector = New()
	})
	return defaultDetector.Detect(text)
}

// sampleOf trims text to at most sampleRunes runes and reports whether it
// holds enough letters to be worth scoring.
func sampleOf(text string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	letters, runes := 0, 0
	for i, r := range trimmed {
		if runes == sampleRunes {
			trimmed = trimmed[:i]
			break
		}
		runes++
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return trimmed, letters >= minLetters
}
