// Package account implements the account table: per-account tokenstate
// (Empty/Pending/Active), guarded by a per-account mutex and a generation
// counter used to discard stale results from superseded refresh/auth
// attempts.
package account

import (
	"sync"
	"time"

	"github.com/ltratt/pizauthd/internal/config"
	"github.com/ltratt/pizauthd/internal/oauth"
)

// State is the tokenstate of a single account.
type State int

const (
	// Empty: no token at all, or the last one was invalidated.
	Empty State = iota
	// Pending: an interactive authorisation flow is in progress.
	Pending
	// Active: a valid access token is held (it may itself be expired;
	// ExpiresAt is authoritative, not this enum value alone).
	Active
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Pending:
		return "pending"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Token is the secret material held for an Active account. Never persisted
// to disk; dump/restore is the only serialization path (see internal/dumpcodec).
type Token struct {
	AccessToken  string
	RefreshToken string
	ObtainedAt   time.Time
	ExpiresAt    time.Time
}

// Account is one account's full runtime record.
type Account struct {
	mu sync.Mutex

	Name   string
	Config *config.AccountConfig

	state State
	token Token

	// generation increments on every state transition; a worker that
	// started against generation G discards its result if the account's
	// generation has since moved past G (a revoke, reload, or a newer
	// flow superseded it).
	generation int64

	// refreshing is the refresh lease: true while exactly one worker has
	// a refresh attempt in flight for this account. Claimed via
	// TryBeginRefresh, released via EndRefresh.
	refreshing bool

	// RetryCount counts consecutive transient refresh failures, reset on
	// any success or permanent failure.
	RetryCount int

	LastError string
}

// New creates an Empty account bound to its static config.
func New(name string, cfg *config.AccountConfig) *Account {
	return &Account{Name: name, Config: cfg, state: Empty}
}

// Snapshot is an immutable, lock-free copy of an account's state for
// reporting (`show`, `status`) or for handing to a worker that must not
// hold the account lock across blocking I/O.
type Snapshot struct {
	Name       string
	State      State
	Token      Token
	Generation int64
	Refreshing bool
	RetryCount int
	LastError  string
}

// Snapshot takes a consistent snapshot of the account under its lock.
func (a *Account) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Name:       a.Name,
		State:      a.state,
		Token:      a.token,
		Generation: a.generation,
		Refreshing: a.refreshing,
		RetryCount: a.RetryCount,
		LastError:  a.LastError,
	}
}

// Generation returns the account's current generation under lock, for a
// caller about to start a worker that will later call CommitIfCurrent.
func (a *Account) Generation() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// TryBeginRefresh claims the account's refresh lease, reporting false if
// the account is not Active or another worker already holds it. At most
// one refresh attempt is ever in flight per account: the generation
// counter arbitrates which result commits, but only the lease stops two
// workers from both spending the same refresh token on the wire (many
// providers invalidate a refresh token on first use).
func (a *Account) TryBeginRefresh() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Active || a.refreshing {
		return false
	}
	a.refreshing = true
	return true
}

// EndRefresh releases the refresh lease once the attempt's result has been
// handled, whatever its outcome.
func (a *Account) EndRefresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshing = false
}

// BeginPending transitions Empty -> Pending (or refreshes the generation
// of an already-Pending account, for a re-`show` during the same flow) and
// returns the new generation the caller's flow is now responsible for.
func (a *Account) BeginPending() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = Pending
	a.generation++
	return a.generation
}

// CommitToken installs a freshly obtained token (from an authorisation
// exchange or a refresh) iff generation is still the account's current
// generation — a stale result from a superseded flow is silently dropped.
// Reports whether the commit took effect.
func (a *Account) CommitToken(generation int64, tok Token) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if generation != a.generation {
		return false
	}
	a.token = tok
	a.state = Active
	a.RetryCount = 0
	a.LastError = ""
	a.generation++
	return true
}

// CommitRefreshedToken updates an Active account's token in place after a
// successful refresh, preserving the refresh token when the provider omits
// one from the response (refresh_token is frequently not re-issued).
func (a *Account) CommitRefreshedToken(generation int64, accessToken string, expiresAt time.Time, refreshToken string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if generation != a.generation {
		return false
	}
	a.token.AccessToken = accessToken
	a.token.ObtainedAt = time.Now()
	a.token.ExpiresAt = expiresAt
	if refreshToken != "" {
		a.token.RefreshToken = refreshToken
	}
	a.state = Active
	a.RetryCount = 0
	a.LastError = ""
	a.generation++
	return true
}

// CommitTransientFailure records a failed refresh attempt without changing
// tokenstate, bumping RetryCount (the count of consecutive transient
// failures; the retry interval itself is fixed by refresh_retry).
func (a *Account) CommitTransientFailure(generation int64, errMsg string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if generation != a.generation {
		return false
	}
	a.RetryCount++
	a.LastError = errMsg
	return true
}

// CommitPermanentFailure invalidates the account's token (transition to
// Empty) following a permanent OAuth2 error.
func (a *Account) CommitPermanentFailure(generation int64, errMsg string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if generation != a.generation {
		return false
	}
	a.token = Token{}
	a.state = Empty
	a.RetryCount = 0
	a.LastError = errMsg
	a.generation++
	return true
}

// Revoke invalidates the account's token immediately, bumping the
// generation so any in-flight worker's eventual result is discarded.
func (a *Account) Revoke() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.token = Token{}
	a.state = Empty
	a.RetryCount = 0
	a.LastError = ""
	a.generation++
}

// Usefulness ranks tokenstate for restore merging: an account with no
// refresh token ranks below one with a refresh token even though both
// are Active, since only the latter can outlive its access token.
func (s Snapshot) Usefulness() int {
	switch {
	case s.State == Active && s.Token.RefreshToken != "":
		return 3
	case s.State == Active:
		return 2
	case s.State == Pending:
		return 1
	default:
		return 0
	}
}

// RestoreMerge installs a dumped token if it is more useful than the
// account's current state, following the usefulness ranking Empty <
// Pending < Active-without-refresh < Active-with-refresh; ties are broken
// in favour of the more recently obtained token. Reports whether the
// restore took effect.
func (a *Account) RestoreMerge(tok Token) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	current := Snapshot{State: a.state, Token: a.token}.Usefulness()
	candidate := Snapshot{State: Active, Token: tok}.Usefulness()
	if candidate < current {
		return false
	}
	if candidate == current && !tok.ObtainedAt.After(a.token.ObtainedAt) {
		return false
	}
	a.token = tok
	a.state = Active
	a.RetryCount = 0
	a.LastError = ""
	a.generation++
	return true
}

// Table is the full set of configured accounts, keyed by name.
type Table struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewTable builds a Table with one Empty account per configured name.
func NewTable(cfgs map[string]*config.AccountConfig) *Table {
	t := &Table{accounts: make(map[string]*Account, len(cfgs))}
	for name, cfg := range cfgs {
		t.accounts[name] = New(name, cfg)
	}
	return t
}

// Get returns the named account, or (nil, oauth.ErrUnknownAccount).
func (t *Table) Get(name string) (*Account, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.accounts[name]
	if !ok {
		return nil, oauth.ErrUnknownAccount
	}
	return a, nil
}

// All returns every account, for `status` and the supervisor's startup scan.
func (t *Table) All() []*Account {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Account, 0, len(t.accounts))
	for _, a := range t.accounts {
		out = append(out, a)
	}
	return out
}

// Names returns every configured account name.
func (t *Table) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.accounts))
	for name := range t.accounts {
		out = append(out, name)
	}
	return out
}

// Reload swaps in a new config generation: accounts present in both old
// and new configs keep their runtime state (tokens survive a reload),
// accounts removed from config are dropped, and newly added accounts start
// Empty.
func (t *Table) Reload(cfgs map[string]*config.AccountConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := make(map[string]*Account, len(cfgs))
	for name, cfg := range cfgs {
		if existing, ok := t.accounts[name]; ok {
			existing.mu.Lock()
			existing.Config = cfg
			existing.mu.Unlock()
			next[name] = existing
			continue
		}
		next[name] = New(name, cfg)
	}
	t.accounts = next
}
