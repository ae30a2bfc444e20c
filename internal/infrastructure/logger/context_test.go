package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContext(t *testing.T) {
	t.Run("returns attached logger", func(t *testing.T) {
		l := zap.NewExample()
		assert.Same(t, l, FromContext(WithContext(context.Background(), l)))
	})

	t.Run("falls back to nop", func(t *testing.T) {
		assert.NotNil(t, FromContext(context.Background()))
	})
}

func TestWithTransactionID(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	ctx, l := WithTransactionID(context.Background(), zap.New(core), "tx-1")
	l.Info("committed")
	FromContext(ctx).Info("from context")

	assert.Equal(t, "tx-1", GetTransactionID(ctx))
	require.Equal(t, 2, logs.Len())
	for _, entry := range logs.All() {
		assert.Equal(t, "tx-1", entry.ContextMap()["transaction_id"])
	}
	assert.Equal(t, "", GetTransactionID(context.Background()))
}

func TestWithTraceContext(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	t.Run("no span", func(t *testing.T) {
		assert.Same(t, base, WithTraceContext(context.Background(), base))
	})

	t.Run("valid span", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider()
		defer func() { _ = tp.Shutdown(context.Background()) }()

		ctx, span := tp.Tracer("test").Start(context.Background(), "op")
		defer span.End()

		WithTraceContext(ctx, base).Info("traced")

		entry := logs.All()[logs.Len()-1]
		assert.Equal(t, span.SpanContext().TraceID().String(), entry.ContextMap()["trace_id"])
		assert.Equal(t, span.SpanContext().SpanID().String(), entry.ContextMap()["span_id"])
	})
}
