// Package pkce generates PKCE code verifiers/challenges and state nonces
// for the authorisation-code flow, per RFC 7636.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// verifierBytes yields a base64url string of at least 43 characters once
// encoded (32 raw bytes -> 43 base64url chars with no padding), satisfying
// the "≥128 bits of entropy, URL-safe" requirement.
const verifierBytes = 32

// stateBytes is the raw size of the state nonce: 16 bytes (128 bits),
// 22 base64url characters once encoded.
const stateBytes = 16

// Pair is a freshly generated PKCE verifier/challenge pair plus the state
// nonce that accompanies it through the authorisation request.
type Pair struct {
	Verifier  string
	Challenge string
	State     string
}

// New generates a new PKCE verifier/challenge pair and an independent state
// nonce, both drawn from a cryptographically secure source.
func New() (Pair, error) {
	verifier, err := randomURLSafe(verifierBytes)
	if err != nil {
		return Pair{}, fmt.Errorf("generate pkce verifier: %w", err)
	}
	state, err := randomURLSafe(stateBytes)
	if err != nil {
		return Pair{}, fmt.Errorf("generate state nonce: %w", err)
	}
	return Pair{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
		State:     state,
	}, nil
}

// Challenge computes the S256 code_challenge for a given verifier:
// BASE64URL(SHA256(verifier)).
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
