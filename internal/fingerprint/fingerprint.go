package fingerprint

import "crypto/sha256"

// Options tunes fingerprint computation.
type Options struct {
	MaxTokens int
}

// Fingerprint is the pair of content fingerprints for one document. Simhash
// and Bands are either both nil or both set.
type Fingerprint struct {
	ContentHash [sha256.Size]byte
	Simhash     *uint64
	Bands       *Bands
	TokenCount  int
}

// HasSimhash reports whether the document is comparable for near-duplicate
// detection.
func (f Fingerprint) HasSimhash() bool {
	return f.Simhash != nil && f.Bands != nil
}

// Compute derives both fingerprints from raw content. It has no side effects.
func Compute(content string, opts Options) Fingerprint {
	fp := Fingerprint{
		ContentHash: ContentHash(content),
		TokenCount:  CountTokens(content),
	}
	if v, ok := Simhash(content, opts.MaxTokens); ok {
		value := v
		bands := Band(value)
		fp.Simhash = &value
		fp.Bands = &bands
	}
	return fp
}
