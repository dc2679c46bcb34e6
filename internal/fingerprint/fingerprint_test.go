package fingerprint

import (
	"fmt"
	"strings"
	"testing"
)

func TestNormalizeWhitespace(t *testing.T) {
	t.Parallel()

	got := NormalizeWhitespace("  Beijing\t education \n\nreform\u0000 ")
	if got != "Beijing education reform" {
		t.Fatalf("unexpected normalized text: %q", got)
	}
	if Normalize("Beijing  EDUCATION") != "beijing education" {
		t.Fatalf("expected lower-cased comparison form")
	}
}

func TestContentHash_IgnoresTrailingWhitespace(t *testing.T) {
	t.Parallel()

	left := ContentHash("Beijing education reform announced today")
	right := ContentHash("Beijing education reform announced today ")
	if left != right {
		t.Fatalf("expected identical content hashes for whitespace variants")
	}
	if left == ContentHash("Beijing education reform announced yesterday") {
		t.Fatalf("expected different content hashes for different text")
	}
}

func TestTokenize_CapsTokens(t *testing.T) {
	t.Parallel()

	tokens := Tokenize("One, two; THREE four-five", 0)
	want := []string{"one", "two", "three", "four", "five"}
	if strings.Join(tokens, " ") != strings.Join(want, " ") {
		t.Fatalf("unexpected tokens: %v", tokens)
	}

	capped := Tokenize("one two three four five", 2)
	if len(capped) != 2 || capped[0] != "one" || capped[1] != "two" {
		t.Fatalf("unexpected capped tokens: %v", capped)
	}
}

func TestSimhash_EmptyContentIsAbsent(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "   ", "\n\t ", "!!! ---"} {
		if _, ok := Simhash(input, DefaultMaxTokens); ok {
			t.Fatalf("expected no simhash for %q", input)
		}
	}

	fp := Compute("   ", Options{})
	if fp.HasSimhash() || fp.Simhash != nil || fp.Bands != nil {
		t.Fatalf("expected absent simhash and bands for whitespace content")
	}
}

func TestSimhash_SingleTokenMatchesTokenDigest(t *testing.T) {
	t.Parallel()

	got, ok := Simhash("Reform", DefaultMaxTokens)
	if !ok {
		t.Fatalf("expected simhash for single token")
	}
	if got != hashToken("reform") {
		t.Fatalf("single-token simhash should equal the token digest: got %x want %x", got, hashToken("reform"))
	}
}

func TestSimhash_FrequencyWeightsVotes(t *testing.T) {
	t.Parallel()

	got, ok := Simhash("alpha alpha alpha beta", DefaultMaxTokens)
	if !ok {
		t.Fatalf("expected simhash")
	}
	if got != hashToken("alpha") {
		t.Fatalf("dominant token should decide every bit: got %x want %x", got, hashToken("alpha"))
	}
}

func TestSimhash_IgnoresTokensPastCap(t *testing.T) {
	t.Parallel()

	parts := make([]string, 0, DefaultMaxTokens)
	for i := 0; i < DefaultMaxTokens; i++ {
		parts = append(parts, fmt.Sprintf("w%d", i))
	}
	base := strings.Join(parts, " ")

	left, _ := Simhash(base+" tail one", DefaultMaxTokens)
	right, _ := Simhash(base+" completely different ending", DefaultMaxTokens)
	if left != right {
		t.Fatalf("tokens beyond the cap must not affect the simhash")
	}
}

func TestSimhash_CloserWithMoreOverlap(t *testing.T) {
	t.Parallel()

	base := make([]string, 0, 60)
	other := make([]string, 0, 60)
	for i := 0; i < 60; i++ {
		base = append(base, fmt.Sprintf("token%d", i))
		other = append(other, fmt.Sprintf("unrelated%d", i))
	}
	oneChanged := append([]string{}, base...)
	oneChanged[0] = "replacement"

	original, _ := Simhash(strings.Join(base, " "), DefaultMaxTokens)
	near, _ := Simhash(strings.Join(oneChanged, " "), DefaultMaxTokens)
	far, _ := Simhash(strings.Join(other, " "), DefaultMaxTokens)

	nearDistance := HammingDistance(original, near)
	farDistance := HammingDistance(original, far)
	if nearDistance >= farDistance {
		t.Fatalf("expected higher overlap to give smaller distance: near=%d far=%d", nearDistance, farDistance)
	}
	if HammingDistance(original, original) != 0 {
		t.Fatalf("expected zero self distance")
	}
}

func TestHammingDistance(t *testing.T) {
	t.Parallel()

	if got := HammingDistance(0b101010, 0b111000); got != 2 {
		t.Fatalf("unexpected distance: got %d want 2", got)
	}
	if got := HammingDistance(0, ^uint64(0)); got != 64 {
		t.Fatalf("unexpected distance: got %d want 64", got)
	}
}

func TestBand_PartitionsSimhash(t *testing.T) {
	t.Parallel()

	bands := Band(0x0123456789ABCDEF)
	want := Bands{0x0123, 0x4567, 0x89AB, 0xCDEF}
	if bands != want {
		t.Fatalf("unexpected bands: %x", bands)
	}
	if bands.Simhash() != 0x0123456789ABCDEF {
		t.Fatalf("bands did not reassemble the simhash")
	}
	if bands.Int32s()[3] != 0xCDEF {
		t.Fatalf("unexpected widened band: %d", bands.Int32s()[3])
	}
}

func TestCompute_SetsBandsWithSimhash(t *testing.T) {
	t.Parallel()

	fp := Compute("Beijing education reform announced today", Options{MaxTokens: DefaultMaxTokens})
	if !fp.HasSimhash() {
		t.Fatalf("expected simhash for non-empty content")
	}
	if Band(*fp.Simhash) != *fp.Bands {
		t.Fatalf("bands must be the partition of the simhash")
	}
	if fp.TokenCount != 5 {
		t.Fatalf("unexpected token count: %d", fp.TokenCount)
	}
	if FromInt64(ToInt64(*fp.Simhash)) != *fp.Simhash {
		t.Fatalf("int64 storage conversion must round-trip")
	}
}
