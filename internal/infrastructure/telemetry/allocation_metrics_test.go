package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestNewAllocationMetrics(t *testing.T) {
	t.Run("nil meter", func(t *testing.T) {
		_, err := NewAllocationMetrics(nil)
		assert.ErrorIs(t, err, ErrMeterNil)
	})

	t.Run("records counters", func(t *testing.T) {
		reader := sdkmetric.NewManualReader()
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer provider.Shutdown(context.Background())

		m, err := NewAllocationMetrics(provider.Meter("test"))
		require.NoError(t, err)

		ctx := context.Background()
		m.RecordPlan(ctx, "FEFO", true)
		m.RecordPlan(ctx, "FIFO", false)
		m.RecordLotConflict(ctx, "SALE")
		m.RecordCommit(ctx, "SALE", OutcomeCommitted, 20*time.Millisecond)

		assert.Equal(t, int64(2), collectSum(t, reader, "stockalloc_plans_total"))
		assert.Equal(t, int64(1), collectSum(t, reader, "stockalloc_lot_conflicts_total"))
		assert.Equal(t, int64(1), collectSum(t, reader, "stockalloc_commits_total"))
	})
}

func TestAllocationMetrics_NilIsNoop(t *testing.T) {
	var m *AllocationMetrics
	assert.NotPanics(t, func() {
		m.RecordPlan(context.Background(), "FEFO", true)
		m.RecordLotConflict(context.Background(), "SALE")
		m.RecordCommit(context.Background(), "SALE", OutcomeFailed, time.Second)
	})
}
