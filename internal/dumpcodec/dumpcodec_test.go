package dumpcodec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltratt/pizauthd/internal/account"
	"github.com/ltratt/pizauthd/internal/config"
)

func testConfig() map[string]*config.AccountConfig {
	return map[string]*config.AccountConfig{
		"acme": {
			AuthURI:     "http://mock/auth",
			TokenURI:    "http://mock/token",
			ClientID:    "cid",
			RedirectURI: "http://localhost/",
			Scopes:      []string{"s1"},
		},
	}
}

func TestDumpRestoreRoundTrip(t *testing.T) {
	cfgs := testConfig()
	table := account.NewTable(cfgs)

	acct, err := table.Get("acme")
	require.NoError(t, err)
	gen := acct.BeginPending()
	obtainedAt := time.Unix(1700000000, 0)
	expiresAt := obtainedAt.Add(time.Hour)
	require.True(t, acct.CommitToken(gen, account.Token{
		AccessToken:  "A1",
		RefreshToken: "R1",
		ObtainedAt:   obtainedAt,
		ExpiresAt:    expiresAt,
	}))

	data := Dump(table, cfgs)
	require.NotEmpty(t, data)

	records, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "acme", records[0].Account)
	assert.Equal(t, "A1", records[0].AccessToken)
	assert.Equal(t, "R1", records[0].RefreshToken)
	assert.Equal(t, obtainedAt.Unix(), records[0].ObtainedAt.Unix())
	assert.Equal(t, expiresAt.Unix(), records[0].ExpiresAt.Unix())

	// Restoring into a fresh table with an identical config merges the token.
	fresh := account.NewTable(cfgs)
	applied, err := Restore(fresh, cfgs, records)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme"}, applied)

	freshAcct, err := fresh.Get("acme")
	require.NoError(t, err)
	snap := freshAcct.Snapshot()
	assert.Equal(t, account.Active, snap.State)
	assert.Equal(t, "A1", snap.Token.AccessToken)
}

func TestRestoreDiscardsOnFingerprintMismatch(t *testing.T) {
	cfgs := testConfig()
	table := account.NewTable(cfgs)
	acct, err := table.Get("acme")
	require.NoError(t, err)
	gen := acct.BeginPending()
	require.True(t, acct.CommitToken(gen, account.Token{
		AccessToken: "A1", RefreshToken: "R1",
		ObtainedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}))
	data := Dump(table, cfgs)
	records, err := Decode(data)
	require.NoError(t, err)

	changedCfgs := testConfig()
	changedCfgs["acme"].ClientID = "different-client-id"

	fresh := account.NewTable(changedCfgs)
	applied, err := Restore(fresh, changedCfgs, records)
	require.NoError(t, err)
	assert.Empty(t, applied)

	freshAcct, err := fresh.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, account.Empty, freshAcct.Snapshot().State)
}

func TestRestoreSkipsUnknownAccount(t *testing.T) {
	cfgs := testConfig()
	table := account.NewTable(cfgs)
	acct, err := table.Get("acme")
	require.NoError(t, err)
	gen := acct.BeginPending()
	require.True(t, acct.CommitToken(gen, account.Token{
		AccessToken: "A1", ObtainedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}))
	data := Dump(table, cfgs)
	records, err := Decode(data)
	require.NoError(t, err)

	otherCfgs := map[string]*config.AccountConfig{"other": testConfig()["acme"]}
	otherTable := account.NewTable(otherCfgs)
	applied, err := Restore(otherTable, otherCfgs, records)
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestRestoreLessUsefulDoesNotOverwrite(t *testing.T) {
	cfgs := testConfig()
	table := account.NewTable(cfgs)
	acct, err := table.Get("acme")
	require.NoError(t, err)
	gen := acct.BeginPending()
	require.True(t, acct.CommitToken(gen, account.Token{
		AccessToken: "A1", RefreshToken: "R1",
		ObtainedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}))
	data := Dump(table, cfgs)
	records, err := Decode(data)
	require.NoError(t, err)

	// The running account already has a refresh token (more useful than
	// the dumped one, which has none), so the dumped record must not win.
	running := account.NewTable(cfgs)
	runningAcct, err := running.Get("acme")
	require.NoError(t, err)
	gen2 := runningAcct.BeginPending()
	require.True(t, runningAcct.CommitToken(gen2, account.Token{
		AccessToken: "A2", RefreshToken: "R2",
		ObtainedAt: time.Now(), ExpiresAt: time.Now().Add(2 * time.Hour),
	}))

	records[0].RefreshToken = ""
	applied, err := Restore(running, cfgs, records)
	require.NoError(t, err)
	assert.Empty(t, applied)
	assert.Equal(t, "A2", runningAcct.Snapshot().Token.AccessToken)
}
