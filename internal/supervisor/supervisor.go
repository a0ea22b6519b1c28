// Package supervisor implements the daemon's event loop: it owns the timer
// wheel, the account table and the pending-auth table, and schedules
// timers and fires notifications in response to control-socket requests,
// timer expiries, redirect results and refresh-worker completions. It is
// not the only writer of account state: the redirect server commits a
// freshly exchanged token, and a refresh worker commits its own result,
// directly to the Account (each guarded by the account's generation
// counter); both then report the outcome to the supervisor over a channel.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ltratt/pizauthd/internal/account"
	"github.com/ltratt/pizauthd/internal/clock"
	"github.com/ltratt/pizauthd/internal/config"
	"github.com/ltratt/pizauthd/internal/dumpcodec"
	"github.com/ltratt/pizauthd/internal/notifier"
	"github.com/ltratt/pizauthd/internal/oauth"
	"github.com/ltratt/pizauthd/internal/oauthflow"
	"github.com/ltratt/pizauthd/internal/pendingauth"
	"github.com/ltratt/pizauthd/internal/pkce"
	"github.com/ltratt/pizauthd/internal/redirectsrv"
	"github.com/ltratt/pizauthd/internal/refresh"
)

// Version is the daemon's version string, reported by `info`. Overridden
// at build time via -ldflags.
var Version = "v0.1.0"

// maxConcurrentRefreshes bounds the worker pool so a misconfigured account
// list with thousands of entries can't spawn unbounded goroutines; refresh
// attempts for different accounts queue for a slot instead.
const maxConcurrentRefreshes = 8

type refreshCompletion struct {
	Account string
	Result  refresh.Result
}

// Supervisor is the daemon's event loop. It implements
// controlsocket.Handler.
type Supervisor struct {
	logger  *zap.Logger
	cfgPath string

	mu  sync.RWMutex
	cfg *config.Config

	table   *account.Table
	pending *pendingauth.Table
	wheel   *clock.Wheel
	notif   *notifier.Notifier
	redir   *redirectsrv.Server

	// flowMu serialises flow creation so that concurrent `show`s against
	// the same Empty account converge on a single nonce instead of racing
	// each other into several.
	flowMu sync.Mutex

	workers     chan struct{}
	refreshDone chan refreshCompletion

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New loads cfgPath and builds every component of the daemon, starting the
// redirect listener(s) immediately (accounts themselves start Empty; only
// a later `show`/`refresh` or `restore` puts one in Pending/Active).
func New(logger *zap.Logger, cfgPath string) (*Supervisor, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	table := account.NewTable(cfg.Accounts)
	pending := pendingauth.New()

	shell := os.Getenv("SHELL")
	notif := notifier.New(logger, shell)

	redir, err := redirectsrv.New(logger, pending, table, redirectsrv.Options{
		HTTPAddr:  listenAddr(cfg.Global.HTTPListen),
		HTTPSAddr: listenAddr(cfg.Global.HTTPSListen),
	})
	if err != nil {
		notif.Stop()
		return nil, fmt.Errorf("supervisor: start redirect server: %w", err)
	}

	return &Supervisor{
		logger:      logger.Named("supervisor"),
		cfgPath:     cfgPath,
		cfg:         cfg,
		table:       table,
		pending:     pending,
		wheel:       clock.New(),
		notif:       notif,
		redir:       redir,
		workers:     make(chan struct{}, maxConcurrentRefreshes),
		refreshDone: make(chan refreshCompletion, 64),
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}, nil
}

func listenAddr(ls config.ListenSpec) string {
	if ls.Disabled {
		return ""
	}
	return ls.Addr
}

// RunStartupCmd runs startup_cmd synchronously, before the control socket
// begins accepting connections.
func (s *Supervisor) RunStartupCmd(ctx context.Context) error {
	return s.notif.Startup(ctx, s.currentGlobal().StartupCmd)
}

// pendingGCInterval/pendingGCMaxAge bound the pending-auth table's growth
// over a long daemon lifetime: tombstoned nonces older than the max age
// are swept periodically.
const (
	pendingGCInterval = time.Hour
	pendingGCMaxAge   = 24 * time.Hour
)

// Run is the supervisor's event loop. It returns once Shutdown is called
// or ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.stoppedCh)
	gc := time.NewTicker(pendingGCInterval)
	defer gc.Stop()
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return
		case <-s.stopCh:
			s.teardown()
			return
		case e := <-s.wheel.Fired():
			s.handleTimer(e)
		case ev := <-s.redir.Events():
			s.handleRedirectEvent(ev)
		case rc := <-s.refreshDone:
			s.handleRefreshCompletion(rc)
		case now := <-gc.C:
			if n := s.pending.GC(pendingGCMaxAge, now); n > 0 {
				s.logger.Debug("swept tombstoned pending-auth entries", zap.Int("count", n))
			}
		}
	}
}

// Done reports when Run has finished tearing down every component.
func (s *Supervisor) Done() <-chan struct{} {
	return s.stoppedCh
}

func (s *Supervisor) teardown() {
	s.redir.Close()
	s.wheel.Stop()
	s.notif.Stop()
}

func (s *Supervisor) currentConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Supervisor) currentGlobal() config.Global {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Global
}

// --- control-socket Handler implementation -------------------------------

// Show returns an account's access token, or an error plus the
// authorisation URL if the account is Empty or Pending. It never
// blocks: Empty accounts start a flow and return immediately, they don't
// wait for the browser redirect.
func (s *Supervisor) Show(name string) (token, authURL string, err error) {
	acct, err := s.table.Get(name)
	if err != nil {
		return "", "", err
	}
	snap := acct.Snapshot()
	switch snap.State {
	case account.Active:
		if snap.Token.ExpiresAt.IsZero() || time.Now().Before(snap.Token.ExpiresAt) {
			return snap.Token.AccessToken, "", nil
		}
		return "", "", oauth.ErrTokenExpired
	case account.Pending:
		// beginAuthFlow marks the account Pending just before it records
		// the pending-auth entry; wait for it so the nonce is there.
		s.flowMu.Lock()
		url, uerr := s.currentAuthURL(name)
		s.flowMu.Unlock()
		if uerr != nil {
			return "", "", uerr
		}
		return "", url, oauth.ErrNoToken
	default:
		url, uerr := s.beginAuthFlow(name)
		if uerr != nil {
			return "", "", uerr
		}
		return "", url, oauth.ErrNoToken
	}
}

// Refresh triggers a non-blocking refresh (or starts an auth flow if no
// refresh_token is available) and returns the authorisation URL only when
// one was needed.
func (s *Supervisor) Refresh(name string) (authURL string, err error) {
	acct, err := s.table.Get(name)
	if err != nil {
		return "", err
	}
	snap := acct.Snapshot()
	switch snap.State {
	case account.Active:
		if snap.Token.RefreshToken == "" {
			url, uerr := s.beginAuthFlow(name)
			if uerr != nil {
				return "", uerr
			}
			return url, oauth.ErrNoRefreshToken
		}
		if snap.Refreshing {
			// A worker already holds this account's refresh lease; its
			// result will arrive on its own.
			return "", nil
		}
		s.spawnRefresh(name, snap.Generation)
		return "", nil
	case account.Pending:
		s.flowMu.Lock()
		url, uerr := s.currentAuthURL(name)
		s.flowMu.Unlock()
		if uerr != nil {
			return "", uerr
		}
		return url, oauth.ErrNoToken
	default:
		url, uerr := s.beginAuthFlow(name)
		if uerr != nil {
			return "", uerr
		}
		return url, oauth.ErrNoToken
	}
}

// Revoke invalidates an account's token and any in-flight auth attempt.
func (s *Supervisor) Revoke(name string) error {
	acct, err := s.table.Get(name)
	if err != nil {
		return err
	}
	acct.Revoke()
	s.pending.Cancel(name)
	s.wheel.CancelAccount(name)
	s.notif.TokenEvent(context.Background(), s.currentGlobal().TokenEventCmd, name, notifier.TokenRevoked)
	return nil
}

// Reload re-reads the config file, keeping runtime state for accounts that
// survive and dropping pending/scheduled work for ones that don't.
func (s *Supervisor) Reload() error {
	newCfg, err := config.Load(s.cfgPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	oldNames := s.table.Names()
	s.table.Reload(newCfg.Accounts)
	s.cfg = newCfg
	s.mu.Unlock()

	for _, name := range oldNames {
		if _, ok := newCfg.Accounts[name]; !ok {
			s.pending.Cancel(name)
			s.wheel.CancelAccount(name)
		}
	}

	for _, acct := range s.table.All() {
		snap := acct.Snapshot()
		if snap.State == account.Active && snap.Token.RefreshToken != "" {
			deadline := refresh.NextDeadline(acct.Config, &newCfg.Global, snap.Token.ObtainedAt, snap.Token.ExpiresAt)
			s.wheel.Schedule(acct.Name, clock.RefreshDue, deadline)
		}
	}
	return nil
}

// Shutdown requests a graceful stop of the event loop; idempotent.
func (s *Supervisor) Shutdown() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}

// Dump encodes every Active account's token into an opaque byte stream.
func (s *Supervisor) Dump() ([]byte, error) {
	cfg := s.currentConfig()
	return dumpcodec.Dump(s.table, cfg.Accounts), nil
}

// Restore decodes and merges a dumped byte stream into the running state,
// scheduling a refresh timer for every account the merge actually touched
// that holds a refresh token.
func (s *Supervisor) Restore(data []byte) error {
	records, err := dumpcodec.Decode(data)
	if err != nil {
		return err
	}
	cfg := s.currentConfig()
	applied, err := dumpcodec.Restore(s.table, cfg.Accounts, records)
	if err != nil {
		return err
	}
	for _, name := range applied {
		acct, err := s.table.Get(name)
		if err != nil {
			continue
		}
		snap := acct.Snapshot()
		if snap.Token.RefreshToken == "" {
			continue
		}
		// Dumped timestamps are wall-clock; a deadline already in the past
		// (the daemon was down across it) clamps to an immediate refresh.
		deadline := refresh.NextDeadline(acct.Config, &cfg.Global, snap.Token.ObtainedAt, snap.Token.ExpiresAt)
		if deadline.Before(time.Now()) {
			deadline = time.Now()
		}
		s.wheel.Schedule(name, clock.RefreshDue, deadline)
	}
	return nil
}

// Info reports the daemon's cache dir, config path and version.
func (s *Supervisor) Info(jsonFormat bool) (string, error) {
	cacheDir, _ := os.UserCacheDir()
	cacheDir = filepath.Join(cacheDir, "pizauth")

	if jsonFormat {
		out := struct {
			InfoFormatVersion int    `json:"info_format_version"`
			CacheDir          string `json:"cache_dir"`
			ConfigPath        string `json:"config_path"`
			Version           string `json:"version"`
		}{1, cacheDir, s.cfgPath, Version}
		b, err := json.Marshal(out)
		return string(b), err
	}
	return fmt.Sprintf("cache_dir=%s config=%s version=%s", cacheDir, s.cfgPath, Version), nil
}

// Status renders a one-line-per-account human-readable summary.
func (s *Supervisor) Status() (string, error) {
	var b strings.Builder
	names := s.table.Names()
	sort.Strings(names)
	for _, name := range names {
		acct, err := s.table.Get(name)
		if err != nil {
			continue
		}
		snap := acct.Snapshot()
		st := oauth.CalculateStatus(
			snap.State == account.Pending,
			oauth.TokenExpiry{
				ExpiresAt:       snap.Token.ExpiresAt,
				HasToken:        snap.State == account.Active,
				HasRefreshToken: snap.Token.RefreshToken != "",
			},
			snap.LastError,
		)
		fmt.Fprintf(&b, "%s: %s", name, st)
		if snap.State == account.Active {
			fmt.Fprintf(&b, " (expires %s)", snap.Token.ExpiresAt.Format(time.RFC3339))
		}
		if snap.LastError != "" {
			fmt.Fprintf(&b, " [%s]", snap.LastError)
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// --- internal flow machinery ---------------------------------------------

// beginAuthFlow starts a fresh interactive authorisation attempt: a new
// PKCE pair and state nonce, a Pending transition, a renotify timer and an
// auth_notify_cmd invocation.
func (s *Supervisor) beginAuthFlow(name string) (string, error) {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()

	// A racing caller may have started the flow while we waited for the
	// lock; reuse its nonce rather than superseding it.
	if s.pending.IsPending(name) {
		return s.currentAuthURL(name)
	}

	acct, err := s.table.Get(name)
	if err != nil {
		return "", err
	}
	pair, err := pkce.New()
	if err != nil {
		return "", fmt.Errorf("begin auth flow for %s: %w", name, err)
	}

	acct.BeginPending()
	now := time.Now()
	flow := oauth.NewFlowContext(name, oauth.FlowKindAuth)
	redirectURI := s.effectiveRedirectURI(acct.Config)
	s.pending.Start(name, pair.State, pair.Verifier, redirectURI, flow.CorrelationID, now)
	oauth.LogFlowStart(s.logger, name, flow.CorrelationID, flow.Kind.String())
	flow.SetState(oauth.FlowAwaitingRedirect)

	authURL := oauthflow.BuildAuthURL(acct.Config, redirectURI, pair.Challenge, pair.State)

	fields := make([][2]string, 0, len(acct.Config.AuthURIFields))
	for _, f := range acct.Config.AuthURIFields {
		fields = append(fields, [2]string{f.Key, f.Value})
	}
	s.logger.Debug("rendered authorisation url",
		zap.String("account", name),
		zap.String("client_id", oauth.MaskSecret(acct.Config.ClientID)),
		zap.String("redirect_uri", redirectURI),
		zap.Any("auth_uri_fields", oauth.MaskAuthURIFields(fields)),
	)

	global := s.currentGlobal()
	if interval := global.AuthNotifyInterval.Duration(); interval > 0 {
		s.wheel.Schedule(name, clock.RenotifyDue, now.Add(interval))
	}
	s.notif.AuthNotify(context.Background(), global.AuthNotifyCmd, name, authURL)
	return authURL, nil
}

// currentAuthURL reconstructs the authorisation URL for an account's live
// pending attempt without minting a new nonce, so that repeated `show`
// calls during the same flow return an identical URL.
func (s *Supervisor) currentAuthURL(name string) (string, error) {
	state, ok := s.pending.CurrentState(name)
	if !ok {
		return "", fmt.Errorf("no pending authorisation for %s", name)
	}
	entry, ok := s.pending.Lookup(state)
	if !ok {
		return "", fmt.Errorf("pending authorisation for %s was superseded", name)
	}
	acct, err := s.table.Get(name)
	if err != nil {
		return "", err
	}
	return oauthflow.BuildAuthURL(acct.Config, entry.RedirectURI, pkce.Challenge(entry.Verifier), entry.State), nil
}

// effectiveRedirectURI substitutes the redirect server's actual bound port
// into the account's configured redirect_uri, so the URL handed to the
// user reaches the listener wherever it ended up binding. The configured
// scheme/host/path are otherwise preserved.
func (s *Supervisor) effectiveRedirectURI(ac *config.AccountConfig) string {
	u, err := url.Parse(ac.RedirectURI)
	if err != nil {
		return ac.RedirectURI
	}
	if _, port, splitErr := net.SplitHostPort(s.redir.EffectiveAddr()); splitErr == nil {
		host := u.Hostname()
		if host == "" {
			host = "localhost"
		}
		u.Host = net.JoinHostPort(host, port)
	}
	if u.Scheme == "" {
		u.Scheme = s.redir.EffectiveScheme()
	}
	return u.String()
}

// spawnRefresh launches one refresh attempt off the supervisor thread,
// bounded by the worker semaphore. The account's refresh lease is claimed
// here and released only by handleRefreshCompletion, so a second caller
// (a racing client `refresh`, or the proactive timer firing while a
// client-initiated attempt is still on the wire) no-ops instead of
// spending the same refresh token twice. generation is captured by the
// caller before network I/O begins so a superseded account (revoked,
// reloaded, or already re-committed) is detected and discarded.
func (s *Supervisor) spawnRefresh(name string, generation int64) {
	acct, err := s.table.Get(name)
	if err != nil {
		return
	}
	if !acct.TryBeginRefresh() {
		return
	}

	go func() {
		select {
		case s.workers <- struct{}{}:
		case <-s.stopCh:
			return
		}
		defer func() { <-s.workers }()

		flow := oauth.NewFlowContext(name, oauth.FlowKindRefresh)
		oauth.LogFlowStart(s.logger, name, flow.CorrelationID, flow.Kind.String())

		flowCtx := oauth.WithFlowContext(context.Background(), flow)
		ctx, cancel := context.WithTimeout(flowCtx, 30*time.Second)
		flow.SetState(oauth.FlowTokenExchange)
		res := refresh.Attempt(ctx, oauth.CorrelationLoggerWithFlow(flowCtx, s.logger), acct, generation)
		cancel()

		if res.Outcome == refresh.OutcomeSuccess {
			flow.SetState(oauth.FlowCompleted)
		} else {
			flow.SetState(oauth.FlowFailed)
		}
		oauth.LogFlowEnd(s.logger, name, flow.CorrelationID, res.Outcome == refresh.OutcomeSuccess, flow.Duration())

		if res.Outcome == refresh.OutcomeTransient {
			global := s.currentGlobal()
			if global.TransientErrorIfCmd != "" {
				ctx2, cancel2 := context.WithTimeout(context.Background(), 3*time.Minute)
				stayTransient := s.notif.TransientErrorIf(ctx2, global.TransientErrorIfCmd, name, res.Err.Error())
				cancel2()
				if !stayTransient {
					acct.CommitPermanentFailure(generation, res.Err.Error())
					res.Outcome = refresh.OutcomePermanent
				}
			}
		}

		select {
		case s.refreshDone <- refreshCompletion{Account: name, Result: res}:
		case <-s.stopCh:
		}
	}()
}

func (s *Supervisor) handleTimer(e *clock.Entry) {
	switch e.Kind {
	case clock.RefreshDue, clock.RetryDue:
		acct, err := s.table.Get(e.Account)
		if err != nil {
			return
		}
		s.spawnRefresh(e.Account, acct.Generation())
	case clock.RenotifyDue:
		s.handleRenotify(e.Account)
	}
}

func (s *Supervisor) handleRenotify(name string) {
	if !s.pending.IsPending(name) {
		return
	}
	url, err := s.currentAuthURL(name)
	if err != nil {
		return
	}
	global := s.currentGlobal()
	s.notif.AuthNotify(context.Background(), global.AuthNotifyCmd, name, url)
	if interval := global.AuthNotifyInterval.Duration(); interval > 0 {
		s.wheel.Schedule(name, clock.RenotifyDue, time.Now().Add(interval))
	}
}

func (s *Supervisor) handleRedirectEvent(ev redirectsrv.Event) {
	s.wheel.CancelAccount(ev.Account)
	global := s.currentGlobal()

	if !ev.Success {
		// A denied or failed redirect ends the attempt: the account drops
		// back to Empty and a later `show` starts a fresh flow with a new
		// nonce.
		if acct, err := s.table.Get(ev.Account); err == nil {
			acct.CommitPermanentFailure(acct.Generation(), ev.Err.Error())
		}
		s.notif.ErrorNotify(context.Background(), global.ErrorNotifyCmd, ev.Account, ev.Err.Error())
		return
	}

	acct, err := s.table.Get(ev.Account)
	if err == nil {
		snap := acct.Snapshot()
		if snap.Token.RefreshToken != "" {
			deadline := refresh.NextDeadline(acct.Config, &global, snap.Token.ObtainedAt, snap.Token.ExpiresAt)
			s.wheel.Schedule(ev.Account, clock.RefreshDue, deadline)
		}
	}
	s.notif.TokenEvent(context.Background(), global.TokenEventCmd, ev.Account, notifier.TokenNew)
}

func (s *Supervisor) handleRefreshCompletion(rc refreshCompletion) {
	global := s.currentGlobal()
	acct, err := s.table.Get(rc.Account)
	if err != nil {
		return
	}
	acct.EndRefresh()

	switch rc.Result.Outcome {
	case refresh.OutcomeSuccess:
		snap := acct.Snapshot()
		if snap.Token.RefreshToken != "" {
			deadline := refresh.NextDeadline(acct.Config, &global, snap.Token.ObtainedAt, snap.Token.ExpiresAt)
			s.wheel.Schedule(rc.Account, clock.RefreshDue, deadline)
		}
		s.notif.TokenEvent(context.Background(), global.TokenEventCmd, rc.Account, notifier.TokenRefreshed)
	case refresh.OutcomeTransient:
		retry := acct.Config.EffectiveRefreshRetry(&global)
		s.wheel.Schedule(rc.Account, clock.RetryDue, time.Now().Add(retry))
	case refresh.OutcomePermanent:
		s.wheel.CancelAccount(rc.Account)
		if rc.Result.Err != nil {
			s.notif.ErrorNotify(context.Background(), global.ErrorNotifyCmd, rc.Account, rc.Result.Err.Error())
		}
		s.notif.TokenEvent(context.Background(), global.TokenEventCmd, rc.Account, notifier.TokenInvalidated)
	case refresh.OutcomeStale:
		// Superseded by a revoke/reload/newer flow; nothing to do.
	}
}
