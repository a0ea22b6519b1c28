// Package pendingauth tracks in-flight interactive authorisation attempts,
// keyed by the state nonce handed to the authorisation server. Many nonces
// can point at the same account over time (a user re-running `show` while
// pending issues no new nonce, but a `revoke` followed by a fresh `show`
// does); only the most recent nonce for an account is live, older ones are
// tombstoned rather than deleted so a late, replayed redirect can be
// recognized and rejected instead of silently vanishing.
package pendingauth

import (
	"sync"
	"time"
)

// Entry describes one interactive authorisation attempt. RedirectURI is
// the exact redirect_uri embedded in the authorisation URL (with the
// listener's real bound port substituted in); the token exchange must send
// the same value or the provider will reject the code.
type Entry struct {
	Account       string
	Verifier      string
	State         string
	RedirectURI   string
	CorrelationID string
	StartedAt     time.Time
	live          bool
	generation    int64
}

// Table is the pending-auth table: state nonce -> Entry.
type Table struct {
	mu      sync.Mutex
	byState map[string]*Entry
	current map[string]string // account -> its current live state nonce
	nextGen int64
}

// New creates an empty pending-auth table.
func New() *Table {
	return &Table{
		byState: make(map[string]*Entry),
		current: make(map[string]string),
	}
}

// Start records a new pending authorisation for account, tombstoning any
// previous nonce for that account (it stays in byState, marked dead, so a
// late redirect using it resolves to "not found" instead of panicking on a
// missing key).
func (t *Table) Start(account, state, verifier, redirectURI, correlationID string, now time.Time) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prevState, ok := t.current[account]; ok {
		if prev, ok := t.byState[prevState]; ok {
			prev.live = false
		}
	}

	t.nextGen++
	e := &Entry{
		Account:       account,
		Verifier:      verifier,
		State:         state,
		RedirectURI:   redirectURI,
		CorrelationID: correlationID,
		StartedAt:     now,
		live:          true,
		generation:    t.nextGen,
	}
	t.byState[state] = e
	t.current[account] = state
	return e
}

// Lookup returns the entry for a state nonce and whether it is still live
// (the current, unsuperseded attempt for its account). A redirect callback
// should only be honoured when ok is true.
func (t *Table) Lookup(state string) (entry *Entry, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, found := t.byState[state]
	if !found || !e.live {
		return nil, false
	}
	return e, true
}

// Resolve removes the entry for state — called once a redirect carrying it
// has been consumed, whether or not the code exchange that follows
// succeeds, so the pending entry is gone before the account becomes Active.
func (t *Table) Resolve(state string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byState[state]
	if !ok {
		return
	}
	delete(t.byState, state)
	if t.current[e.Account] == state {
		delete(t.current, e.Account)
	}
}

// Cancel tombstones the current pending attempt for account, if any (used
// by `revoke` so a redirect using the old nonce is rejected).
func (t *Table) Cancel(account string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.current[account]
	if !ok {
		return
	}
	if e, ok := t.byState[state]; ok {
		e.live = false
	}
	delete(t.current, account)
}

// IsPending reports whether account currently has a live pending authorisation.
func (t *Table) IsPending(account string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.current[account]
	return ok
}

// CurrentState returns the live state nonce for account, if any.
func (t *Table) CurrentState(account string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.current[account]
	return s, ok
}

// GC drops tombstoned entries older than maxAge, bounding the table's
// memory from an account that is repeatedly re-authorised over a long
// daemon lifetime.
func (t *Table) GC(maxAge time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for state, e := range t.byState {
		if !e.live && now.Sub(e.StartedAt) > maxAge {
			delete(t.byState, state)
			removed++
		}
	}
	return removed
}
