package account_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltratt/pizauthd/internal/account"
	"github.com/ltratt/pizauthd/internal/config"
	"github.com/ltratt/pizauthd/internal/oauth"
)

func testConfig() *config.AccountConfig {
	return &config.AccountConfig{
		AuthURI:  "https://example.com/auth",
		TokenURI: "https://example.com/token",
		ClientID: "client",
	}
}

func TestNewAccountStartsEmpty(t *testing.T) {
	a := account.New("work", testConfig())
	snap := a.Snapshot()
	assert.Equal(t, account.Empty, snap.State)
	assert.Equal(t, int64(0), snap.Generation)
}

func TestBeginPendingThenCommitToken(t *testing.T) {
	a := account.New("work", testConfig())
	gen := a.BeginPending()
	assert.Equal(t, account.Pending, a.Snapshot().State)

	ok := a.CommitToken(gen, account.Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)})
	require.True(t, ok)

	snap := a.Snapshot()
	assert.Equal(t, account.Active, snap.State)
	assert.Equal(t, "at", snap.Token.AccessToken)
}

func TestCommitTokenDiscardsStaleGeneration(t *testing.T) {
	a := account.New("work", testConfig())
	gen := a.BeginPending()
	a.Revoke() // bumps generation past gen

	ok := a.CommitToken(gen, account.Token{AccessToken: "stale"})
	assert.False(t, ok, "a commit against a superseded generation must be discarded")
	assert.Equal(t, account.Empty, a.Snapshot().State)
}

func TestCommitRefreshedTokenPreservesRefreshTokenWhenOmitted(t *testing.T) {
	a := account.New("work", testConfig())
	gen := a.BeginPending()
	require.True(t, a.CommitToken(gen, account.Token{AccessToken: "at1", RefreshToken: "rt1", ExpiresAt: time.Now().Add(time.Hour)}))

	gen = a.Generation()
	ok := a.CommitRefreshedToken(gen, "at2", time.Now().Add(2*time.Hour), "")
	require.True(t, ok)

	snap := a.Snapshot()
	assert.Equal(t, "at2", snap.Token.AccessToken)
	assert.Equal(t, "rt1", snap.Token.RefreshToken, "an empty refresh_token in the response must not clear the stored one")
}

func TestCommitTransientFailureIncrementsRetryCountWithoutChangingState(t *testing.T) {
	a := account.New("work", testConfig())
	gen := a.BeginPending()
	require.True(t, a.CommitToken(gen, account.Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}))

	gen = a.Generation()
	ok := a.CommitTransientFailure(gen, "network error")
	require.True(t, ok)

	snap := a.Snapshot()
	assert.Equal(t, account.Active, snap.State)
	assert.Equal(t, 1, snap.RetryCount)
	assert.Equal(t, "network error", snap.LastError)
}

func TestCommitPermanentFailureInvalidatesToken(t *testing.T) {
	a := account.New("work", testConfig())
	gen := a.BeginPending()
	require.True(t, a.CommitToken(gen, account.Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}))

	gen = a.Generation()
	ok := a.CommitPermanentFailure(gen, "invalid_grant")
	require.True(t, ok)

	snap := a.Snapshot()
	assert.Equal(t, account.Empty, snap.State)
	assert.Equal(t, "invalid_grant", snap.LastError)
}

func TestTryBeginRefreshLeaseIsExclusive(t *testing.T) {
	a := account.New("work", testConfig())
	gen := a.BeginPending()
	require.True(t, a.CommitToken(gen, account.Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}))

	require.True(t, a.TryBeginRefresh())
	assert.True(t, a.Snapshot().Refreshing)
	assert.False(t, a.TryBeginRefresh(), "a second claim while the lease is held must fail")

	a.EndRefresh()
	assert.False(t, a.Snapshot().Refreshing)
	assert.True(t, a.TryBeginRefresh(), "the lease must be claimable again once released")
}

func TestTryBeginRefreshRequiresActiveState(t *testing.T) {
	a := account.New("work", testConfig())
	assert.False(t, a.TryBeginRefresh(), "an Empty account has nothing to refresh")

	a.BeginPending()
	assert.False(t, a.TryBeginRefresh(), "a Pending account has nothing to refresh")
}

func TestUsefulnessRanking(t *testing.T) {
	empty := account.Snapshot{State: account.Empty}
	pending := account.Snapshot{State: account.Pending}
	activeNoRefresh := account.Snapshot{State: account.Active, Token: account.Token{AccessToken: "at"}}
	activeWithRefresh := account.Snapshot{State: account.Active, Token: account.Token{AccessToken: "at", RefreshToken: "rt"}}

	assert.Less(t, empty.Usefulness(), pending.Usefulness())
	assert.Less(t, pending.Usefulness(), activeNoRefresh.Usefulness())
	assert.Less(t, activeNoRefresh.Usefulness(), activeWithRefresh.Usefulness())
}

func TestRestoreMergeOnlyOverwritesWhenMoreUseful(t *testing.T) {
	a := account.New("work", testConfig())
	gen := a.BeginPending()
	require.True(t, a.CommitToken(gen, account.Token{AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}))

	applied := a.RestoreMerge(account.Token{AccessToken: "less-useful"})
	assert.False(t, applied, "a no-refresh-token candidate must not overwrite an active-with-refresh account")
	assert.Equal(t, "at", a.Snapshot().Token.AccessToken)

	applied = a.RestoreMerge(account.Token{AccessToken: "more-useful", RefreshToken: "rt2", ObtainedAt: time.Now().Add(time.Minute)})
	assert.True(t, applied)
	assert.Equal(t, "more-useful", a.Snapshot().Token.AccessToken)
}

func TestRestoreMergeTieBrokenByObtainedAt(t *testing.T) {
	a := account.New("work", testConfig())
	gen := a.BeginPending()
	obtained := time.Unix(1700000000, 0)
	require.True(t, a.CommitToken(gen, account.Token{
		AccessToken: "old", RefreshToken: "rt",
		ObtainedAt: obtained, ExpiresAt: obtained.Add(time.Hour),
	}))

	older := account.Token{AccessToken: "older", RefreshToken: "rt2", ObtainedAt: obtained.Add(-time.Hour)}
	assert.False(t, a.RestoreMerge(older), "an equally useful but older token must not overwrite the running one")

	newer := account.Token{AccessToken: "newer", RefreshToken: "rt3", ObtainedAt: obtained.Add(time.Hour)}
	assert.True(t, a.RestoreMerge(newer))
	assert.Equal(t, "newer", a.Snapshot().Token.AccessToken)
}

func TestTableGetUnknownAccount(t *testing.T) {
	table := account.NewTable(map[string]*config.AccountConfig{"work": testConfig()})
	_, err := table.Get("missing")
	assert.ErrorIs(t, err, oauth.ErrUnknownAccount)
}

func TestTableReloadPreservesSurvivingAccountState(t *testing.T) {
	table := account.NewTable(map[string]*config.AccountConfig{"work": testConfig(), "personal": testConfig()})

	work, err := table.Get("work")
	require.NoError(t, err)
	gen := work.BeginPending()
	require.True(t, work.CommitToken(gen, account.Token{AccessToken: "at", ExpiresAt: time.Now().Add(time.Hour)}))

	table.Reload(map[string]*config.AccountConfig{"work": testConfig(), "new": testConfig()})

	work, err = table.Get("work")
	require.NoError(t, err)
	assert.Equal(t, account.Active, work.Snapshot().State, "a reload must not reset an account's token state")

	_, err = table.Get("personal")
	assert.Error(t, err, "an account dropped from config must be gone after reload")

	_, err = table.Get("new")
	assert.NoError(t, err)
}
