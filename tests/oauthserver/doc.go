// Package oauthserver is a minimal in-process OAuth2 authorisation server
// used by pizauthd's integration tests. It implements just enough of the
// Authorization Code + PKCE flow (RFC 6749 / RFC 7636) to drive the
// scenarios the daemon needs to exercise: issuing an authorisation code
// after a redirect, exchanging it (with PKCE verification) for a token
// pair, rotating refresh tokens, and injecting transient or permanent
// failures on demand.
//
// It is not a spec-complete authorisation server: no dynamic client
// registration, no discovery document, no device-code grant. Those
// belong to a full-blown identity provider, not a test double for a
// single-user token daemon.
package oauthserver
