package langdetect

import (
	"strings"
	"testing"
	"unicode/utf8"

	lingua "github.com/pemistahl/lingua-go"
)

func TestDetectISO6391SkipsShortSamples(t *testing.T) {
	t.Parallel()

	for _, sample := range []string{"", "   ", "ok 12345", "a-b-c"} {
		if got := DetectISO6391(sample); got != "" {
			t.Fatalf("expected no detection for %q, got %q", sample, got)
		}
	}
}

func TestSampleOfCapsLongText(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", sampleRunes+50)
	sample, ok := sampleOf("  " + long + "  ")
	if !ok {
		t.Fatalf("expected long sample to qualify")
	}
	if n := utf8.RuneCountInString(sample); n != sampleRunes {
		t.Fatalf("expected %d runes, got %d", sampleRunes, n)
	}
	if !utf8.ValidString(sample) {
		t.Fatalf("sample was cut inside a rune")
	}
}

func TestDetectorRestrictedLanguages(t *testing.T) {
	t.Parallel()

	d := New(lingua.English, lingua.German)
	got := d.Detect("The central bank held its benchmark rate steady on Monday, citing slowing inflation.")
	if got != "en" {
		t.Fatalf("expected en, got %q", got)
	}
	got = d.Detect("Die Zentralbank hat den Leitzins am Montag unverändert gelassen und verwies auf die sinkende Inflation.")
	if got != "de" {
		t.Fatalf("expected de, got %q", got)
	}
}
