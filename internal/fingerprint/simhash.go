package fingerprint

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/binary"
	"math/bits"
)

const (
	// DefaultMaxTokens bounds simhash cost on very long documents.
	DefaultMaxTokens = 512

	simhashBits = 64
)

// ContentHash is the exact-duplicate digest of whitespace-normalized content.
func ContentHash(content string) [sha256.Size]byte {
	return sha256.Sum256([]byte(NormalizeWhitespace(content)))
}

// Simhash computes a 64-bit similarity fingerprint from at most maxTokens
// word tokens. The second return value is false when the content has no
// tokens; callers must treat that as "not comparable", never as zero.
func Simhash(content string, maxTokens int) (uint64, bool) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	tokens := Tokenize(content, maxTokens)
	if len(tokens) == 0 {
		return 0, false
	}

	frequency := make(map[string]int, len(tokens))
	for _, token := range tokens {
		frequency[token]++
	}

	var accumulator [simhashBits]int
	for token, weight := range frequency {
		h := hashToken(token)
		for bit := 0; bit < simhashBits; bit++ {
			if h&(uint64(1)<<bit) != 0 {
				accumulator[bit] += weight
			} else {
				accumulator[bit] -= weight
			}
		}
	}

	var result uint64
	for bit := 0; bit < simhashBits; bit++ {
		if accumulator[bit] > 0 {
			result |= uint64(1) << bit
		}
	}
	return result, true
}

// hashToken returns the low 64 bits of the token's 128-bit MD5 digest read
// as a big-endian integer.
func hashToken(token string) uint64 {
	sum := md5.Sum([]byte(token))
	return binary.BigEndian.Uint64(sum[8:])
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(left, right uint64) int {
	return bits.OnesCount64(left ^ right)
}

// ToInt64 reinterprets a fingerprint for signed bigint storage.
func ToInt64(v uint64) int64 {
	return int64(v)
}

// FromInt64 reverses ToInt64.
func FromInt64(v int64) uint64 {
	return uint64(v)
}
