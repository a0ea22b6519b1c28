// Package refresh implements the scheduling formula, error classification
// and retry bookkeeping for keeping an account's access token fresh in
// the background.
package refresh

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ltratt/pizauthd/internal/account"
	"github.com/ltratt/pizauthd/internal/config"
	"github.com/ltratt/pizauthd/internal/oauth"
	"github.com/ltratt/pizauthd/internal/oauthflow"
)

// NextDeadline computes the hybrid proactive-refresh deadline: the earlier
// of (expiresAt - refreshBeforeExpiry) or (obtainedAt + refreshAtLeast).
func NextDeadline(ac *config.AccountConfig, g *config.Global, obtainedAt, expiresAt time.Time) time.Time {
	beforeExpiry := expiresAt.Add(-ac.EffectiveRefreshBeforeExpiry(g))
	atLeast := obtainedAt.Add(ac.EffectiveRefreshAtLeast(g))
	if beforeExpiry.Before(atLeast) {
		return beforeExpiry
	}
	return atLeast
}

// Outcome is the result of one refresh attempt.
type Outcome int

const (
	// OutcomeSuccess: the token was refreshed and committed.
	OutcomeSuccess Outcome = iota
	// OutcomeTransient: a retryable error occurred; schedule a RetryDue timer.
	OutcomeTransient
	// OutcomePermanent: a permanent OAuth2 error invalidated the account.
	OutcomePermanent
	// OutcomeStale: the attempt's generation was superseded; no action needed.
	OutcomeStale
)

// Result carries an attempt's outcome plus any data the supervisor needs
// to schedule the next timer or fire a notification.
type Result struct {
	Outcome   Outcome
	Err       error
	ExpiresAt time.Time // set on OutcomeSuccess
}

// Attempt performs one refresh-token exchange for acct and commits the
// result if acct's generation has not moved on since generation was
// captured by the caller. The caller is responsible for acquiring
// generation via acct.Generation() before starting any concurrent work
// and for scheduling the next timer based on the returned Result.
func Attempt(ctx context.Context, logger *zap.Logger, acct *account.Account, generation int64) Result {
	snap := acct.Snapshot()
	if snap.Generation != generation {
		return Result{Outcome: OutcomeStale}
	}
	if snap.Token.RefreshToken == "" {
		err := oauth.ErrNoRefreshToken
		acct.CommitPermanentFailure(generation, err.Error())
		return Result{Outcome: OutcomePermanent, Err: err}
	}

	tok, err := oauthflow.RefreshToken(ctx, logger, acct.Config, snap.Token.RefreshToken)
	if err != nil {
		if oauthflow.IsPermanent(err) {
			acct.CommitPermanentFailure(generation, err.Error())
			return Result{Outcome: OutcomePermanent, Err: fmt.Errorf("%w: %v", oauth.ErrRefreshFailed, err)}
		}
		acct.CommitTransientFailure(generation, err.Error())
		return Result{Outcome: OutcomeTransient, Err: err}
	}

	if !acct.CommitRefreshedToken(generation, tok.AccessToken, tok.ExpiresAt, tok.RefreshToken) {
		return Result{Outcome: OutcomeStale}
	}
	return Result{Outcome: OutcomeSuccess, ExpiresAt: tok.ExpiresAt}
}
