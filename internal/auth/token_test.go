package auth

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerifyToken(t *testing.T) {
	t.Parallel()

	hash, err := hashTokenWithCost("admin-token-0123456789", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash token: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty hash")
	}
	if err := ValidateHash(hash); err != nil {
		t.Fatalf("expected generated hash to validate: %v", err)
	}
	if !VerifyToken(" admin-token-0123456789 ", hash) {
		t.Fatalf("expected token verification to succeed")
	}
	if VerifyToken("wrong-token-0123456789", hash) {
		t.Fatalf("did not expect wrong token to verify")
	}
	if VerifyToken("", hash) {
		t.Fatalf("did not expect empty token to verify")
	}
}

func TestHashTokenRejectsShortTokens(t *testing.T) {
	t.Parallel()

	if _, err := HashToken("short"); err == nil {
		t.Fatalf("expected short token to be rejected")
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"Bearer abc":     "abc",
		"bearer   abc  ": "abc",
		"Basic abc":      "",
		"Bearer":         "",
		"":               "",
	}
	for header, want := range cases {
		if got := BearerToken(header); got != want {
			t.Fatalf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestGenerateToken(t *testing.T) {
	t.Parallel()

	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	b, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	if a == b || len(a) < minTokenLength {
		t.Fatalf("expected distinct long tokens, got %q and %q", a, b)
	}
}

func TestValidateHashRejectsGarbage(t *testing.T) {
	t.Parallel()

	if err := ValidateHash("not-a-hash"); err == nil {
		t.Fatalf("expected garbage hash to fail validation")
	}
}
