package oauthserver_test

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ltratt/pizauthd/internal/oauth"
	"github.com/ltratt/pizauthd/internal/supervisor"
	"github.com/ltratt/pizauthd/tests/oauthserver"
)

// writeConfig renders a minimal pizauth.conf pointing account "work" at the
// mock server, and returns its path.
func writeConfig(t *testing.T, srv *oauthserver.Server) string {
	return writeConfigWith(t, srv, "")
}

// writeConfigWith is writeConfig plus extra lines appended to [global].
func writeConfigWith(t *testing.T, srv *oauthserver.Server, extraGlobal string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pizauth.conf")
	body := fmt.Sprintf(`
[global]
http_listen = "127.0.0.1:0"
https_listen = "none"
refresh_at_least = "1h"
refresh_before_expiry = "30s"
refresh_retry = "1s"
%s

[account.work]
auth_uri = "%s"
token_uri = "%s"
client_id = "test-client"
scopes = ["read", "write"]
redirect_uri = "http://localhost/callback"
`, extraGlobal, srv.AuthURI(), srv.TokenURI())
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func startSupervisor(t *testing.T, cfgPath string) *supervisor.Supervisor {
	t.Helper()
	sup, err := supervisor.New(zap.NewNop(), cfgPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go sup.Run(ctx)
	t.Cleanup(func() {
		_ = sup.Shutdown()
		<-sup.Done()
		cancel()
	})
	return sup
}

// followAuthURL simulates a user's browser: it GETs the authorisation URL
// and follows the 302 to the daemon's own redirect server, exactly as a
// real browser would after the user clicks "Allow".
func followAuthURL(t *testing.T, authURL string) *http.Response {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(authURL)
	require.NoError(t, err)
	return resp
}

func TestAuthorizationCodeFlowCompletesActivation(t *testing.T) {
	srv := oauthserver.New()
	defer srv.Close()

	cfgPath := writeConfig(t, srv)
	sup := startSupervisor(t, cfgPath)

	token, authURL, err := sup.Show("work")
	require.Error(t, err)
	assert.ErrorIs(t, err, oauth.ErrNoToken)
	assert.Empty(t, token)
	require.NotEmpty(t, authURL)

	resp := followAuthURL(t, authURL)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		tok, _, err := sup.Show("work")
		return err == nil && tok != ""
	}, 2*time.Second, 20*time.Millisecond)
}

func TestConcurrentShowsConvergeOnOneFlow(t *testing.T) {
	srv := oauthserver.New()
	defer srv.Close()

	cfgPath := writeConfig(t, srv)
	sup := startSupervisor(t, cfgPath)

	urls := make(chan string, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, url, err := sup.Show("work")
			if err != nil && url != "" {
				urls <- url
			}
		}()
	}
	wg.Wait()
	close(urls)

	distinct := map[string]bool{}
	n := 0
	for u := range urls {
		distinct[u] = true
		n++
	}
	require.Equal(t, 10, n, "every racing show must come back with an authorisation URL")
	assert.Len(t, distinct, 1, "racing shows against an Empty account must share a single state nonce")
}

func TestRepeatedShowDuringPendingReturnsSameURL(t *testing.T) {
	srv := oauthserver.New()
	defer srv.Close()

	cfgPath := writeConfig(t, srv)
	sup := startSupervisor(t, cfgPath)

	_, firstURL, err := sup.Show("work")
	require.ErrorIs(t, err, oauth.ErrNoToken)
	require.NotEmpty(t, firstURL)

	for i := 0; i < 10; i++ {
		_, url, err := sup.Show("work")
		require.ErrorIs(t, err, oauth.ErrNoToken)
		assert.Equal(t, firstURL, url, "a live pending attempt must keep returning the same authorisation URL")
	}
}

func TestRevokeThenReauthoriseIssuesFreshFlow(t *testing.T) {
	srv := oauthserver.New()
	defer srv.Close()

	cfgPath := writeConfig(t, srv)
	sup := startSupervisor(t, cfgPath)

	_, firstURL, err := sup.Show("work")
	require.ErrorIs(t, err, oauth.ErrNoToken)

	require.NoError(t, sup.Revoke("work"))

	_, secondURL, err := sup.Show("work")
	require.ErrorIs(t, err, oauth.ErrNoToken)
	assert.NotEqual(t, firstURL, secondURL, "revoke must tombstone the old nonce and start a fresh flow")
}

// authParams pulls the pieces of an authorisation URL a test needs to
// hand-craft a redirect: the daemon's redirect_uri (with its real bound
// port), the PKCE challenge and the state nonce.
func authParams(t *testing.T, authURL string) (redirectURI, challenge, state string) {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	return q.Get("redirect_uri"), q.Get("code_challenge"), q.Get("state")
}

func TestPreemptiveRefreshReplacesToken(t *testing.T) {
	srv := oauthserver.New()
	defer srv.Close()
	// 35s expiry with refresh_before_expiry=30s puts the first refresh
	// deadline ~5s after activation.
	srv.SetExpiry(35 * time.Second)
	srv.RotateRefreshTokens(true)

	cfgPath := writeConfig(t, srv)
	sup := startSupervisor(t, cfgPath)

	_, authURL, err := sup.Show("work")
	require.ErrorIs(t, err, oauth.ErrNoToken)

	resp := followAuthURL(t, authURL)
	resp.Body.Close()

	var first string
	require.Eventually(t, func() bool {
		tok, _, err := sup.Show("work")
		first = tok
		return err == nil && tok != ""
	}, 2*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		tok, _, err := sup.Show("work")
		return err == nil && tok != "" && tok != first
	}, 15*time.Second, 100*time.Millisecond, "the background refresh must replace the access token before it expires")
}

func TestTransientTokenErrorRetriesSilently(t *testing.T) {
	srv := oauthserver.New()
	defer srv.Close()
	// 35s expiry with refresh_before_expiry=30s puts the first refresh
	// deadline ~5s after activation; refresh_retry=1s makes the retry
	// after the injected 503 land well inside the wait window.
	srv.SetExpiry(35 * time.Second)

	marker := filepath.Join(t.TempDir(), "error-notified")
	cfgPath := writeConfigWith(t, srv, fmt.Sprintf("error_notify_cmd = %q", "touch "+marker))
	sup := startSupervisor(t, cfgPath)

	_, authURL, err := sup.Show("work")
	require.ErrorIs(t, err, oauth.ErrNoToken)

	resp := followAuthURL(t, authURL)
	resp.Body.Close()

	var first string
	require.Eventually(t, func() bool {
		tok, _, err := sup.Show("work")
		first = tok
		return err == nil && tok != ""
	}, 2*time.Second, 20*time.Millisecond)

	srv.FailNextToken("server_error", http.StatusServiceUnavailable)

	require.Eventually(t, func() bool {
		tok, _, err := sup.Show("work")
		return err == nil && tok != "" && tok != first
	}, 15*time.Second, 100*time.Millisecond, "the refresh must retry after a transient 503 and replace the token")

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "a transient failure must not invoke error_notify_cmd")
}

func TestReplayedRedirectIsRejected(t *testing.T) {
	srv := oauthserver.New()
	defer srv.Close()

	cfgPath := writeConfig(t, srv)
	sup := startSupervisor(t, cfgPath)

	_, authURL, err := sup.Show("work")
	require.ErrorIs(t, err, oauth.ErrNoToken)

	redirectURI, challenge, state := authParams(t, authURL)
	code := srv.IssueCodeFor("work", challenge, redirectURI, "test-client")
	redirect := fmt.Sprintf("%s?state=%s&code=%s", redirectURI, url.QueryEscape(state), url.QueryEscape(code))

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(redirect)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The pending entry was consumed on first use, so the identical
	// redirect delivered again must bounce off with a 400.
	resp, err = client.Get(redirect)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRedirectAfterRevokeIsRejected(t *testing.T) {
	srv := oauthserver.New()
	defer srv.Close()

	cfgPath := writeConfig(t, srv)
	sup := startSupervisor(t, cfgPath)

	_, authURL, err := sup.Show("work")
	require.ErrorIs(t, err, oauth.ErrNoToken)

	redirectURI, challenge, state := authParams(t, authURL)
	code := srv.IssueCodeFor("work", challenge, redirectURI, "test-client")

	require.NoError(t, sup.Revoke("work"))

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("%s?state=%s&code=%s", redirectURI, url.QueryEscape(state), url.QueryEscape(code)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "a revoked account's nonce must no longer be accepted")

	_, _, err = sup.Show("work")
	assert.ErrorIs(t, err, oauth.ErrNoToken, "the account must still be unauthorised after the stale redirect")
}

func TestPermanentTokenErrorOnCodeExchangeLeavesAccountUnauthorised(t *testing.T) {
	srv := oauthserver.New()
	defer srv.Close()

	cfgPath := writeConfig(t, srv)
	sup := startSupervisor(t, cfgPath)

	_, authURL, err := sup.Show("work")
	require.ErrorIs(t, err, oauth.ErrNoToken)

	srv.FailNextToken("invalid_grant", http.StatusBadRequest)

	resp := followAuthURL(t, authURL)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, _, err = sup.Show("work")
	assert.Error(t, err)
}
