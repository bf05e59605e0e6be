package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// OperationIDKey is the context key for the ledger operation ID
	OperationIDKey ContextKey = "operation_id"
	// WorkspaceKey is the context key for the workspace root
	WorkspaceKey ContextKey = "workspace"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithOperationID adds an operation ID to the context
func WithOperationID(ctx context.Context, operationID string) context.Context {
	return context.WithValue(ctx, OperationIDKey, operationID)
}

// WithWorkspace adds a workspace root to the context
func WithWorkspace(ctx context.Context, workspace string) context.Context {
	return context.WithValue(ctx, WorkspaceKey, workspace)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetOperationID retrieves the operation ID from the context
func GetOperationID(ctx context.Context) string {
	if operationID, ok := ctx.Value(OperationIDKey).(string); ok {
		return operationID
	}
	return ""
}

// GetWorkspace retrieves the workspace root from the context
func GetWorkspace(ctx context.Context) string {
	if workspace, ok := ctx.Value(WorkspaceKey).(string); ok {
		return workspace
	}
	return ""
}

// NewRequestContext creates a new context for a submission with a fresh trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// LoggerFromContext creates a logger carrying the tracing fields present in ctx
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	if traceID := GetTraceID(ctx); traceID != "" {
		baseLogger = baseLogger.With().Str("trace_id", traceID).Logger()
	}
	if operationID := GetOperationID(ctx); operationID != "" {
		baseLogger = baseLogger.With().Str("operation_id", operationID).Logger()
	}
	if workspace := GetWorkspace(ctx); workspace != "" {
		baseLogger = baseLogger.With().Str("workspace", workspace).Logger()
	}
	return baseLogger
}
