// Package oauthflow renders authorisation URLs and performs the
// authorization_code/refresh_token token-endpoint exchanges.
package oauthflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ltratt/pizauthd/internal/config"
	"github.com/ltratt/pizauthd/internal/oauth"
)

const requestTimeout = 30 * time.Second

// BuildAuthURL renders the authorisation URL per the fixed parameter order
// and content spec'd for the daemon's authorisation requests.
func BuildAuthURL(ac *config.AccountConfig, redirectURI, challenge, state string) string {
	var b strings.Builder
	b.WriteString(ac.AuthURI)
	b.WriteByte('?')
	b.WriteString("access_type=offline")
	b.WriteString("&code_challenge=")
	b.WriteString(url.QueryEscape(challenge))
	b.WriteString("&code_challenge_method=S256")
	b.WriteString("&scope=")
	b.WriteString(url.QueryEscape(strings.Join(ac.Scopes, " ")))
	b.WriteString("&client_id=")
	b.WriteString(url.QueryEscape(ac.ClientID))
	b.WriteString("&redirect_uri=")
	b.WriteString(url.QueryEscape(redirectURI))
	b.WriteString("&response_type=code")
	b.WriteString("&state=")
	b.WriteString(url.QueryEscape(state))
	if ac.ClientSecret != "" {
		b.WriteString("&client_secret=")
		b.WriteString(url.QueryEscape(ac.ClientSecret))
	}
	for _, f := range ac.AuthURIFields {
		b.WriteByte('&')
		b.WriteString(url.QueryEscape(f.Key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(f.Value))
	}
	return b.String()
}

// TokenResult is the resolved shape of a token-endpoint response.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenError wraps a non-2xx token-endpoint response with its parsed
// OAuth2 error code, so callers can classify permanent vs transient.
type TokenError struct {
	StatusCode int
	Code       string
	Desc       string
}

func (e *TokenError) Error() string {
	if e.Desc != "" {
		return fmt.Sprintf("token endpoint error %s: %s (http %d)", e.Code, e.Desc, e.StatusCode)
	}
	return fmt.Sprintf("token endpoint error %s (http %d)", e.Code, e.StatusCode)
}

// ExchangeCode trades an authorisation code plus its PKCE verifier for a
// token set.
func ExchangeCode(ctx context.Context, logger *zap.Logger, ac *config.AccountConfig, redirectURI, code, verifier string) (TokenResult, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {ac.ClientID},
		"code_verifier": {verifier},
	}
	if ac.ClientSecret != "" {
		form.Set("client_secret", ac.ClientSecret)
	}
	return postToken(ctx, logger, ac.TokenURI, form)
}

// RefreshToken trades a refresh token for a new access token.
func RefreshToken(ctx context.Context, logger *zap.Logger, ac *config.AccountConfig, refreshToken string) (TokenResult, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {ac.ClientID},
	}
	if ac.ClientSecret != "" {
		form.Set("client_secret", ac.ClientSecret)
	}
	return postToken(ctx, logger, ac.TokenURI, form)
}

func postToken(ctx context.Context, logger *zap.Logger, tokenURI string, form url.Values) (TokenResult, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	oauth.LogRequest(logger, http.MethodPost, tokenURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResult{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return TokenResult{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TokenResult{}, fmt.Errorf("read token response: %w", err)
	}

	logger.Debug("token endpoint response",
		zap.Int("status", resp.StatusCode),
		zap.Any("headers", oauth.RedactHeaders(resp.Header)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eResp errorResponse
		_ = json.Unmarshal(body, &eResp)
		return TokenResult{}, &TokenError{StatusCode: resp.StatusCode, Code: eResp.Error, Desc: eResp.ErrorDescription}
	}

	var tResp tokenResponse
	if err := json.Unmarshal(body, &tResp); err != nil {
		return TokenResult{}, fmt.Errorf("parse token response: %w", err)
	}
	if tResp.AccessToken == "" {
		return TokenResult{}, fmt.Errorf("token response missing access_token")
	}

	expiresIn := tResp.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	result := TokenResult{
		AccessToken:  tResp.AccessToken,
		RefreshToken: tResp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}

	oauth.LogTokenMetadata(logger, "", oauth.TokenMetadata{
		TokenType:       tResp.TokenType,
		ExpiresAt:       result.ExpiresAt,
		ExpiresIn:       time.Duration(expiresIn) * time.Second,
		HasRefreshToken: result.RefreshToken != "",
	})

	return result, nil
}

// PermanentErrorCodes is the minimum set of OAuth2 error codes classified
// as permanent per the daemon's error taxonomy; transient failures
// (network errors, 5xx, timeouts) are retried silently instead.
var PermanentErrorCodes = map[string]bool{
	"invalid_grant":       true,
	"invalid_client":      true,
	"unauthorized_client": true,
}

// IsPermanent reports whether err represents a permanent OAuth2 failure.
func IsPermanent(err error) bool {
	var tErr *TokenError
	if !asTokenError(err, &tErr) {
		return false
	}
	return PermanentErrorCodes[tErr.Code]
}

func asTokenError(err error, target **TokenError) bool {
	te, ok := err.(*TokenError)
	if !ok {
		return false
	}
	*target = te
	return true
}
