// Package oauth provides PKCE/OAuth2 authorisation-code helpers shared by
// the redirect server, the refresh engine and the pending-auth table.
package oauth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FlowKind distinguishes an interactive authorisation flow from a
// background refresh attempt, since both share the same correlation and
// state-tracking machinery.
type FlowKind int

const (
	FlowKindAuth FlowKind = iota
	FlowKindRefresh
)

func (k FlowKind) String() string {
	if k == FlowKindRefresh {
		return "refresh"
	}
	return "auth"
}

// FlowState represents the current stage of an authorisation or refresh
// attempt against a single account.
type FlowState int

const (
	FlowInitiated FlowState = iota
	FlowAwaitingRedirect
	FlowTokenExchange
	FlowCompleted
	FlowFailed
)

func (s FlowState) String() string {
	switch s {
	case FlowInitiated:
		return "initiated"
	case FlowAwaitingRedirect:
		return "awaiting_redirect"
	case FlowTokenExchange:
		return "token_exchange"
	case FlowCompleted:
		return "completed"
	case FlowFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FlowContext carries the correlation ID and timing for a single
// authorisation or refresh attempt against one account.
type FlowContext struct {
	CorrelationID string
	AccountName   string
	Kind          FlowKind
	StartTime     time.Time
	State         FlowState
}

// NewFlowContext creates a new flow context with a fresh correlation ID.
func NewFlowContext(accountName string, kind FlowKind) *FlowContext {
	return &FlowContext{
		CorrelationID: NewCorrelationID(),
		AccountName:   accountName,
		Kind:          kind,
		StartTime:     time.Now(),
		State:         FlowInitiated,
	}
}

// SetState updates the state of the flow.
func (c *FlowContext) SetState(state FlowState) {
	c.State = state
}

// Duration returns the time elapsed since the flow started.
func (c *FlowContext) Duration() time.Duration {
	return time.Since(c.StartTime)
}

type contextKey string

const (
	correlationIDKey contextKey = "pizauthd_correlation_id"
	flowContextKey   contextKey = "pizauthd_flow_context"
)

// NewCorrelationID generates a unique ID for tagging one authorisation or
// refresh attempt's log lines together.
func NewCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID returns a new context carrying the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID retrieves the correlation ID from the context, if any.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// WithFlowContext returns a new context carrying the flow context, with its
// correlation ID attached too.
func WithFlowContext(ctx context.Context, flowCtx *FlowContext) context.Context {
	ctx = context.WithValue(ctx, flowContextKey, flowCtx)
	return WithCorrelationID(ctx, flowCtx.CorrelationID)
}

// GetFlowContext retrieves the flow context from the context, if any.
func GetFlowContext(ctx context.Context) *FlowContext {
	if ctx == nil {
		return nil
	}
	if flowCtx, ok := ctx.Value(flowContextKey).(*FlowContext); ok {
		return flowCtx
	}
	return nil
}

// CorrelationLogger returns logger.With("correlation_id", ...) if the
// context carries one, otherwise the logger unchanged.
func CorrelationLogger(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if ctx == nil {
		return logger
	}
	if id := CorrelationID(ctx); id != "" {
		return logger.With(zap.String("correlation_id", id))
	}
	return logger
}

// CorrelationLoggerWithFlow returns a logger tagged with both the
// correlation ID and the flow's current state, account and kind.
func CorrelationLoggerWithFlow(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if ctx == nil {
		return logger
	}
	flowCtx := GetFlowContext(ctx)
	if flowCtx == nil {
		return CorrelationLogger(ctx, logger)
	}
	return logger.With(
		zap.String("correlation_id", flowCtx.CorrelationID),
		zap.String("account", flowCtx.AccountName),
		zap.String("flow_kind", flowCtx.Kind.String()),
		zap.String("flow_state", flowCtx.State.String()),
		zap.Duration("flow_duration", flowCtx.Duration()),
	)
}
