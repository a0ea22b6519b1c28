// Package oauth provides PKCE/OAuth2 authorisation-code helpers shared by
// the redirect server, the refresh engine and the pending-auth table.
package oauth

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Sensitive header names that should be redacted in logs.
var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"proxy-authorization": true,
}

// sensitiveParams are query/form parameter names redacted before logging.
var sensitiveParams = []string{
	"access_token",
	"refresh_token",
	"client_secret",
	"code",
	"code_verifier",
}

var tokenPattern = regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9\-_.]+`)

// RedactSensitiveData redacts bearer tokens and known-sensitive query params
// from a string before it reaches a log line.
func RedactSensitiveData(data string) string {
	if data == "" {
		return data
	}
	result := tokenPattern.ReplaceAllString(data, "${1}***REDACTED***")
	for _, param := range sensitiveParams {
		pattern := regexp.MustCompile(`(?i)(` + param + `=)[^&\s]+`)
		result = pattern.ReplaceAllString(result, "${1}***REDACTED***")
	}
	return result
}

// RedactHeaders returns a copy of headers with sensitive values redacted.
func RedactHeaders(headers http.Header) map[string]string {
	redacted := make(map[string]string, len(headers))
	for key, values := range headers {
		if sensitiveHeaders[strings.ToLower(key)] {
			redacted[key] = "***REDACTED***"
			continue
		}
		redacted[key] = RedactSensitiveData(strings.Join(values, ", "))
	}
	return redacted
}

// RedactURL redacts sensitive query parameters from a URL string.
func RedactURL(urlStr string) string {
	if urlStr == "" {
		return urlStr
	}
	result := urlStr
	for _, param := range sensitiveParams {
		pattern := regexp.MustCompile(`(?i)(` + param + `=)[^&]+`)
		result = pattern.ReplaceAllString(result, "${1}***REDACTED***")
	}
	return result
}

// LogRequest logs an outgoing token-endpoint request with redacted data.
func LogRequest(logger *zap.Logger, method, url string) {
	logger.Debug("oauth http request",
		zap.String("method", method),
		zap.String("url", RedactURL(url)),
		zap.Time("timestamp", time.Now()),
	)
}

// TokenMetadata contains non-sensitive token information for logging.
type TokenMetadata struct {
	TokenType       string
	ExpiresAt       time.Time
	ExpiresIn       time.Duration
	HasRefreshToken bool
}

// LogTokenMetadata logs token metadata without exposing actual token values.
func LogTokenMetadata(logger *zap.Logger, account string, metadata TokenMetadata) {
	logger.Info("token metadata",
		zap.String("account", account),
		zap.String("token_type", metadata.TokenType),
		zap.Time("expires_at", metadata.ExpiresAt),
		zap.Duration("expires_in", metadata.ExpiresIn),
		zap.Bool("has_refresh_token", metadata.HasRefreshToken),
	)
}

// LogFlowStart logs the start of an authorisation or refresh flow.
func LogFlowStart(logger *zap.Logger, account, correlationID, kind string) {
	logger.Info("starting oauth flow",
		zap.String("account", account),
		zap.String("correlation_id", correlationID),
		zap.String("kind", kind),
	)
}

// LogFlowEnd logs the end of an authorisation or refresh flow.
func LogFlowEnd(logger *zap.Logger, account, correlationID string, success bool, duration time.Duration) {
	if success {
		logger.Info("oauth flow completed",
			zap.String("account", account),
			zap.String("correlation_id", correlationID),
			zap.Duration("duration", duration),
		)
		return
	}
	logger.Warn("oauth flow failed",
		zap.String("account", account),
		zap.String("correlation_id", correlationID),
		zap.Duration("duration", duration),
	)
}
