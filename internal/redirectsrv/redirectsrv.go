// Package redirectsrv implements the daemon's local HTTP(S) listener that
// receives the authorisation server's redirect after a user approves
// access: a dynamic-port listener shared by every account for the
// daemon's lifetime, performing state-nonce lookup, PKCE code exchange
// and account commit inline in the callback handler.
package redirectsrv

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ltratt/pizauthd/internal/account"
	"github.com/ltratt/pizauthd/internal/oauth"
	"github.com/ltratt/pizauthd/internal/oauthflow"
	"github.com/ltratt/pizauthd/internal/pendingauth"
	"github.com/ltratt/pizauthd/internal/tlslocal"
)

const successBody = "pizauth processing authentication: you can safely close this page."

// Event is reported to the supervisor for each resolved redirect, so it
// can schedule the first refresh timer and fire the token_new notification.
type Event struct {
	Account   string
	Success   bool
	Err       error
	ExpiresAt time.Time
}

// Server is the shared redirect listener. At least one of HTTP or HTTPS
// must be enabled by the caller; EffectiveAddr and EffectiveScheme report
// the address and scheme to embed in authorisation URLs, preferring HTTPS
// when both are live.
type Server struct {
	logger  *zap.Logger
	pending *pendingauth.Table
	table   *account.Table
	events  chan Event

	httpListener  net.Listener
	httpsListener net.Listener
	httpAddr      string
	httpsAddr     string

	httpSrv  *http.Server
	httpsSrv *http.Server
}

// Options configure which listeners to start.
type Options struct {
	HTTPAddr  string // "" disables HTTP
	HTTPSAddr string // "" disables HTTPS
}

// New starts the configured listener(s) and begins serving. The returned
// Server's EffectiveAddr and EffectiveScheme reflect the actual bound ports
// (relevant when the configured address uses port 0).
func New(logger *zap.Logger, pending *pendingauth.Table, table *account.Table, opts Options) (*Server, error) {
	if opts.HTTPAddr == "" && opts.HTTPSAddr == "" {
		return nil, fmt.Errorf("redirectsrv: at least one of HTTP or HTTPS must be enabled")
	}

	s := &Server{
		logger:  logger.Named("redirect"),
		pending: pending,
		table:   table,
		events:  make(chan Event, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleCallback)

	// A redirect is always a bare GET with a short query string; anything
	// bigger than a few KiB of request line + headers is not a browser
	// following an authorisation server's Location header.
	newSrv := func() *http.Server {
		return &http.Server{
			Handler:           mux,
			MaxHeaderBytes:    8 << 10,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if opts.HTTPAddr != "" {
		ln, err := net.Listen("tcp", opts.HTTPAddr)
		if err != nil {
			return nil, fmt.Errorf("redirectsrv: bind http listener: %w", err)
		}
		s.httpListener = ln
		s.httpAddr = ln.Addr().String()
		s.httpSrv = newSrv()
		go s.serve(s.httpSrv, ln, "http")
	}

	if opts.HTTPSAddr != "" {
		ln, err := net.Listen("tcp", opts.HTTPSAddr)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("redirectsrv: bind https listener: %w", err)
		}
		tlsCfg, err := tlslocal.EnsureServerTLSConfig()
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("redirectsrv: generate tls config: %w", err)
		}
		tlsLn := tls.NewListener(ln, tlsCfg)
		s.httpsListener = tlsLn
		s.httpsAddr = ln.Addr().String()
		s.httpsSrv = newSrv()
		go s.serve(s.httpsSrv, tlsLn, "https")
	}

	return s, nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, scheme string) {
	s.logger.Info("redirect listener started", zap.String("scheme", scheme), zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.logger.Error("redirect listener stopped", zap.String("scheme", scheme), zap.Error(err))
	}
}

// Events returns the channel of resolved-redirect events for the supervisor to drain.
func (s *Server) Events() <-chan Event {
	return s.events
}

// EffectiveAddr returns the host:port to embed in the authorisation URL,
// preferring HTTPS over HTTP when both are enabled per the daemon's
// documented tie-break.
func (s *Server) EffectiveAddr() string {
	if s.httpsAddr != "" {
		return s.httpsAddr
	}
	return s.httpAddr
}

// EffectiveScheme reports "https" or "http" matching EffectiveAddr.
func (s *Server) EffectiveScheme() string {
	if s.httpsAddr != "" {
		return "https"
	}
	return "http"
}

// Close shuts down both listeners.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}
	if s.httpsSrv != nil {
		_ = s.httpsSrv.Shutdown(ctx)
	}
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	state := q.Get("state")
	code := q.Get("code")

	if state == "" {
		http.Error(w, "missing state parameter", http.StatusBadRequest)
		return
	}

	entry, ok := s.pending.Lookup(state)
	if !ok {
		s.logger.Warn("redirect with unknown or superseded state",
			zap.String("state", oauth.RedactSensitiveData(state)),
			zap.Error(oauth.ErrPendingAuthNotFound),
		)
		http.Error(w, "unknown or expired authorisation request", http.StatusBadRequest)
		return
	}

	if code == "" {
		errMsg := q.Get("error")
		s.pending.Resolve(state)
		http.Error(w, fmt.Sprintf("authorisation failed: %s", errMsg), http.StatusBadRequest)
		oauth.LogFlowEnd(s.logger, entry.Account, entry.CorrelationID, false, time.Since(entry.StartedAt))
		s.events <- Event{Account: entry.Account, Success: false, Err: fmt.Errorf("authorisation denied: %s", errMsg)}
		return
	}

	acct, err := s.table.Get(entry.Account)
	if err != nil {
		http.Error(w, "unknown account", http.StatusBadRequest)
		return
	}

	// The pending entry is consumed before the account transitions to
	// Active, per the invariant that no redirect can be replayed.
	s.pending.Resolve(state)

	generation := acct.Generation()
	ctx := oauth.WithCorrelationID(r.Context(), entry.CorrelationID)
	tok, err := oauthflow.ExchangeCode(ctx, oauth.CorrelationLogger(ctx, s.logger), acct.Config, entry.RedirectURI, code, entry.Verifier)
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusBadRequest)
		oauth.LogFlowEnd(s.logger, entry.Account, entry.CorrelationID, false, time.Since(entry.StartedAt))
		s.events <- Event{Account: entry.Account, Success: false, Err: err}
		return
	}

	acct.CommitToken(generation, account.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ObtainedAt:   time.Now(),
		ExpiresAt:    tok.ExpiresAt,
	})

	fmt.Fprint(w, successBody)
	oauth.LogFlowEnd(s.logger, entry.Account, entry.CorrelationID, true, time.Since(entry.StartedAt))
	s.events <- Event{Account: entry.Account, Success: true, ExpiresAt: tok.ExpiresAt}
}
