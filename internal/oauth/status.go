package oauth

import (
	"strings"
	"time"
)

// Status represents the current authentication state of an account, as
// reported by the `status`/`show` control-socket commands.
type Status string

const (
	// StatusEmpty indicates the account has never been authorised (tokenstate Empty).
	StatusEmpty Status = "empty"

	// StatusPending indicates an interactive authorisation flow is in progress.
	StatusPending Status = "pending"

	// StatusActive indicates a valid, unexpired access token is available.
	StatusActive Status = "active"

	// StatusExpired indicates the access token has expired and refresh has
	// not yet repaired it (or has no refresh token to try).
	StatusExpired Status = "expired"

	// StatusError indicates the last refresh or authorisation attempt failed.
	StatusError Status = "error"
)

func (s Status) String() string {
	return string(s)
}

// IsValid reports whether s is one of the known status values.
func (s Status) IsValid() bool {
	switch s {
	case StatusEmpty, StatusPending, StatusActive, StatusExpired, StatusError:
		return true
	default:
		return false
	}
}

// TokenExpiry is the minimal shape CalculateStatus needs from an account's
// token: when it expires and whether a refresh token exists to repair it.
type TokenExpiry struct {
	ExpiresAt       time.Time
	HasToken        bool
	HasRefreshToken bool
}

// CalculateStatus determines an account's Status from its token state and
// the last error recorded against it, if any.
func CalculateStatus(pending bool, token TokenExpiry, lastError string) Status {
	if pending {
		return StatusPending
	}
	if !token.HasToken {
		return StatusEmpty
	}
	if lastError != "" && containsAuthError(lastError) {
		return StatusError
	}
	if time.Now().After(token.ExpiresAt) {
		return StatusExpired
	}
	return StatusActive
}

// containsAuthError reports whether an error message indicates an
// authorisation-related problem, for status reporting purposes.
func containsAuthError(err string) bool {
	lowerErr := strings.ToLower(err)
	indicators := []string{
		"oauth",
		"authentication",
		"unauthorized",
		"401",
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"authorization",
		"access denied",
	}
	for _, indicator := range indicators {
		if strings.Contains(lowerErr, indicator) {
			return true
		}
	}
	return false
}
