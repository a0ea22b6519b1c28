package pkce_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltratt/pizauthd/internal/pkce"
)

func TestNewProducesDistinctVerifierAndState(t *testing.T) {
	pair, err := pkce.New()
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(pair.Verifier), 43, "RFC 7636 requires a verifier of at least 43 characters once base64url-encoded")
	assert.NotEqual(t, pair.Verifier, pair.State, "the verifier and state nonce must be independently generated")
	assert.Equal(t, pkce.Challenge(pair.Verifier), pair.Challenge)
}

func TestNewIsNotDeterministic(t *testing.T) {
	first, err := pkce.New()
	require.NoError(t, err)
	second, err := pkce.New()
	require.NoError(t, err)

	assert.NotEqual(t, first.Verifier, second.Verifier)
	assert.NotEqual(t, first.State, second.State)
}

func TestChallengeIsBase64URLOfSHA256(t *testing.T) {
	const verifier = "a-fixed-test-verifier-value-for-reproducibility"
	got := pkce.Challenge(verifier)

	assert.NotContains(t, got, "+")
	assert.NotContains(t, got, "/")
	assert.NotContains(t, got, "=")
	assert.Equal(t, got, pkce.Challenge(verifier), "the same verifier must always produce the same challenge")
}
