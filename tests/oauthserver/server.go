package oauthserver

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"
)

// grant is one issued authorisation code, along with the PKCE challenge it
// must satisfy and the account it belongs to.
type grant struct {
	account       string
	codeChallenge string
	redirectURI   string
	clientID      string
	used          bool
}

// tokenPair is the access/refresh token pair the server hands back for a
// successful exchange.
type tokenPair struct {
	account      string
	accessToken  string
	refreshToken string
}

// Server is a single-tenant mock authorisation + token endpoint. Tests
// configure it, point a daemon's account config at its URL, and drive
// the daemon's supervisor against it.
type Server struct {
	mu sync.Mutex

	httpSrv *httptest.Server

	codes         map[string]*grant
	refreshTokens map[string]*tokenPair
	accessTokens  map[string]*tokenPair
	expiresIn     time.Duration
	rotateRefresh bool

	// failNextToken, when non-empty, makes the next /token request (of any
	// grant_type) fail with this injected error before being cleared.
	// failStatus is the HTTP status to send alongside it.
	failNextToken string
	failStatus    int
}

// New starts a mock authorisation server listening on an ephemeral local
// port. Callers must call Close when done.
func New() *Server {
	s := &Server{
		codes:         make(map[string]*grant),
		refreshTokens: make(map[string]*tokenPair),
		accessTokens:  make(map[string]*tokenPair),
		expiresIn:     time.Hour,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/authorize", s.handleAuthorize)
	mux.HandleFunc("/token", s.handleToken)
	s.httpSrv = httptest.NewServer(mux)
	return s
}

// Close shuts down the underlying HTTP server.
func (s *Server) Close() { s.httpSrv.Close() }

// URL is the server's base URL.
func (s *Server) URL() string { return s.httpSrv.URL }

// AuthURI is the authorisation endpoint to put in an AccountConfig.
func (s *Server) AuthURI() string { return s.httpSrv.URL + "/authorize" }

// TokenURI is the token endpoint to put in an AccountConfig.
func (s *Server) TokenURI() string { return s.httpSrv.URL + "/token" }

// SetExpiry controls how far in the future issued access tokens expire.
func (s *Server) SetExpiry(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiresIn = d
}

// RotateRefreshTokens makes every refresh grant issue a new refresh token
// alongside the new access token, invalidating the one it consumed.
func (s *Server) RotateRefreshTokens(rotate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateRefresh = rotate
}

// FailNextToken arranges for the next token-endpoint request to fail with
// the given OAuth2 error code and HTTP status, then resume normal
// behaviour. Used to inject a one-off transient outage (e.g. server_error
// with a 503) or a permanent rejection (invalid_grant with a 400).
func (s *Server) FailNextToken(code string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNextToken = code
	s.failStatus = status
}

// handleAuthorize simulates the user approving the request: it validates
// the minimum required parameters and immediately 302s back to the
// redirect_uri with a fresh code and the caller's state, as a headless
// test has no human to click "Allow".
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")
	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	clientID := q.Get("client_id")

	if redirectURI == "" || q.Get("response_type") != "code" || method != "S256" || challenge == "" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}

	code := randomToken()
	s.mu.Lock()
	s.codes[code] = &grant{
		codeChallenge: challenge,
		redirectURI:   redirectURI,
		clientID:      clientID,
	}
	s.mu.Unlock()

	dest, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	v := dest.Query()
	v.Set("code", code)
	v.Set("state", state)
	dest.RawQuery = v.Encode()

	http.Redirect(w, r, dest.String(), http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	grantType := r.PostForm.Get("grant_type")

	s.mu.Lock()
	if s.failNextToken != "" {
		code, status := s.failNextToken, s.failStatus
		s.failNextToken = ""
		s.failStatus = 0
		s.mu.Unlock()
		writeTokenError(w, status, code, "injected failure")
		return
	}
	s.mu.Unlock()

	switch grantType {
	case "authorization_code":
		s.exchangeCode(w, r)
	case "refresh_token":
		s.exchangeRefresh(w, r)
	default:
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", grantType)
	}
}

func (s *Server) exchangeCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	verifier := r.PostForm.Get("code_verifier")
	redirectURI := r.PostForm.Get("redirect_uri")

	s.mu.Lock()
	g, ok := s.codes[code]
	if !ok || g.used {
		s.mu.Unlock()
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "unknown or reused code")
		return
	}
	if g.redirectURI != redirectURI {
		s.mu.Unlock()
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if challengeFor(verifier) != g.codeChallenge {
		s.mu.Unlock()
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")
		return
	}
	g.used = true

	pair := &tokenPair{
		account:      g.account,
		accessToken:  randomToken(),
		refreshToken: randomToken(),
	}
	s.accessTokens[pair.accessToken] = pair
	s.refreshTokens[pair.refreshToken] = pair
	expiresIn := s.expiresIn
	s.mu.Unlock()

	writeTokenResponse(w, pair.accessToken, pair.refreshToken, expiresIn)
}

func (s *Server) exchangeRefresh(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.PostForm.Get("refresh_token")

	s.mu.Lock()
	pair, ok := s.refreshTokens[refreshToken]
	if !ok {
		s.mu.Unlock()
		writeTokenError(w, http.StatusBadRequest, "invalid_grant", "unknown refresh token")
		return
	}

	newAccess := randomToken()
	newRefresh := refreshToken
	if s.rotateRefresh {
		newRefresh = randomToken()
		delete(s.refreshTokens, refreshToken)
		s.refreshTokens[newRefresh] = pair
	}
	pair.accessToken = newAccess
	s.accessTokens[newAccess] = pair
	expiresIn := s.expiresIn
	s.mu.Unlock()

	writeTokenResponse(w, newAccess, newRefresh, expiresIn)
}

// IssueCodeFor lets a test mint an authorisation code directly (bypassing
// an HTTP round trip to /authorize) when it already knows the PKCE
// challenge it wants satisfied, for account bookkeeping in assertions.
func (s *Server) IssueCodeFor(account, codeChallenge, redirectURI, clientID string) string {
	code := randomToken()
	s.mu.Lock()
	s.codes[code] = &grant{
		account:       account,
		codeChallenge: codeChallenge,
		redirectURI:   redirectURI,
		clientID:      clientID,
	}
	s.mu.Unlock()
	return code
}

func writeTokenResponse(w http.ResponseWriter, accessToken, refreshToken string, expiresIn time.Duration) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"token_type":    "Bearer",
		"expires_in":    int64(expiresIn.Seconds()),
	})
}

func writeTokenError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": desc,
	})
}

func challengeFor(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("oauthserver: rand.Read: %v", err))
	}
	return hex.EncodeToString(buf)
}
