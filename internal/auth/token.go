// Package auth guards admin operations with a bcrypt-hashed bearer token.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const DefaultBcryptCost = 12

// minTokenLength keeps trivially short admin tokens out of the hash.
const minTokenLength = 16

func HashToken(token string) (string, error) {
	return hashTokenWithCost(token, DefaultBcryptCost)
}

func hashTokenWithCost(token string, cost int) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", fmt.Errorf("token is required")
	}
	if len(trimmed) < minTokenLength {
		return "", fmt.Errorf("token must be at least %d characters", minTokenLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(trimmed), cost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

func VerifyToken(token, hash string) bool {
	trimmedToken := strings.TrimSpace(token)
	trimmedHash := strings.TrimSpace(hash)
	if trimmedToken == "" || trimmedHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(trimmedHash), []byte(trimmedToken)) == nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if len(trimmed) < len("bearer ") || !strings.EqualFold(trimmed[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(trimmed[len("bearer "):])
}

// GenerateToken returns a random URL-safe token suitable for hash-token.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidateHash reports whether value looks like a bcrypt hash.
func ValidateHash(value string) error {
	if _, err := bcrypt.Cost([]byte(strings.TrimSpace(value))); err != nil {
		return fmt.Errorf("invalid bcrypt hash: %w", err)
	}
	return nil
}
