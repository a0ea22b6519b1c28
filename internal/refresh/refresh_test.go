package refresh_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ltratt/pizauthd/internal/account"
	"github.com/ltratt/pizauthd/internal/config"
	"github.com/ltratt/pizauthd/internal/refresh"
)

func TestNextDeadlinePicksEarlierBound(t *testing.T) {
	g := &config.Global{
		RefreshAtLeast:      config.Duration(time.Hour),
		RefreshBeforeExpiry: config.Duration(time.Minute),
	}
	ac := &config.AccountConfig{}
	obtainedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := obtainedAt.Add(5 * time.Minute)

	got := refresh.NextDeadline(ac, g, obtainedAt, expiresAt)
	// beforeExpiry = expiresAt - 1m = obtainedAt+4m; atLeast = obtainedAt+1h.
	assert.Equal(t, expiresAt.Add(-time.Minute), got)
}

func TestNextDeadlineHonoursAccountOverride(t *testing.T) {
	g := &config.Global{
		RefreshAtLeast:      config.Duration(time.Hour),
		RefreshBeforeExpiry: config.Duration(time.Minute),
	}
	override := config.Duration(10 * time.Minute)
	ac := &config.AccountConfig{RefreshAtLeast: &override}
	obtainedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	expiresAt := obtainedAt.Add(time.Hour)

	got := refresh.NextDeadline(ac, g, obtainedAt, expiresAt)
	assert.Equal(t, obtainedAt.Add(10*time.Minute), got)
}

func newActiveAccount(t *testing.T, tokenURI string) *account.Account {
	t.Helper()
	a := account.New("work", &config.AccountConfig{
		AuthURI:  "https://example.com/auth",
		TokenURI: tokenURI,
		ClientID: "client",
	})
	gen := a.BeginPending()
	require.True(t, a.CommitToken(gen, account.Token{
		AccessToken:  "old",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(time.Minute),
	}))
	return a
}

func TestAttemptSuccessCommitsNewToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new","refresh_token":"rt2","expires_in":3600}`))
	}))
	defer srv.Close()

	a := newActiveAccount(t, srv.URL)
	gen := a.Generation()

	res := refresh.Attempt(context.Background(), zap.NewNop(), a, gen)
	require.Equal(t, refresh.OutcomeSuccess, res.Outcome)
	assert.Equal(t, "new", a.Snapshot().Token.AccessToken)
}

func TestAttemptTransientErrorDoesNotInvalidateToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"server_error"}`))
	}))
	defer srv.Close()

	a := newActiveAccount(t, srv.URL)
	gen := a.Generation()

	res := refresh.Attempt(context.Background(), zap.NewNop(), a, gen)
	assert.Equal(t, refresh.OutcomeTransient, res.Outcome)
	assert.Equal(t, account.Active, a.Snapshot().State)
	assert.Equal(t, 1, a.Snapshot().RetryCount)
}

func TestAttemptPermanentErrorInvalidatesToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	a := newActiveAccount(t, srv.URL)
	gen := a.Generation()

	res := refresh.Attempt(context.Background(), zap.NewNop(), a, gen)
	assert.Equal(t, refresh.OutcomePermanent, res.Outcome)
	assert.Equal(t, account.Empty, a.Snapshot().State)
}

func TestAttemptStaleGenerationSkipsNetworkCall(t *testing.T) {
	a := newActiveAccount(t, "http://127.0.0.1:0/unreachable")
	staleGen := a.Generation() - 1

	res := refresh.Attempt(context.Background(), zap.NewNop(), a, staleGen)
	assert.Equal(t, refresh.OutcomeStale, res.Outcome)
}
