package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	// LoggerKey is the context key for the logger
	LoggerKey contextKey = "logger"
	// TransactionIDKey is the context key for the stock transaction ID
	TransactionIDKey contextKey = "transaction_id"
)

// WithContext returns a new context with the logger attached
func WithContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from ctx, or a no-op logger if none is attached
func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

// WithTransactionID stores the transaction ID in ctx and returns a logger carrying it
func WithTransactionID(ctx context.Context, logger *zap.Logger, transactionID string) (context.Context, *zap.Logger) {
	ctx = context.WithValue(ctx, TransactionIDKey, transactionID)
	enriched := logger.With(zap.String("transaction_id", transactionID))
	return WithContext(ctx, enriched), enriched
}

// GetTransactionID retrieves the transaction ID from ctx
func GetTransactionID(ctx context.Context) string {
	if id, ok := ctx.Value(TransactionIDKey).(string); ok {
		return id
	}
	return ""
}

// WithTraceContext adds trace_id and span_id from the span in ctx.
// The logger is returned unchanged when there is no valid span.
func WithTraceContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		zap.String("trace_id", spanCtx.TraceID().String()),
		zap.String("span_id", spanCtx.SpanID().String()),
	)
}
