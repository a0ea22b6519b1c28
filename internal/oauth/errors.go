package oauth

import "errors"

// Sentinel errors for consistent error handling across the daemon.
var (
	// ErrUnknownAccount indicates the named account has no configuration entry.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrNoToken indicates the account has no token at all (tokenstate Empty).
	ErrNoToken = errors.New("no token available")

	// ErrTokenExpired indicates the account's access token has expired.
	ErrTokenExpired = errors.New("access token has expired")

	// ErrRefreshFailed indicates the refresh engine hit a permanent provider
	// error while refreshing an account's token.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrNoRefreshToken indicates the account has no refresh token, so an
	// expired access token can only be repaired by a fresh interactive flow.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrPendingAuthNotFound indicates a redirect callback's state nonce does
	// not match any live pending-auth entry (unknown, expired or superseded).
	ErrPendingAuthNotFound = errors.New("pending authorisation not found")
)
