package allocation

import (
	"context"
	"testing"
	"time"

	"github.com/erp/stockalloc/internal/domain/allocation"
	"github.com/erp/stockalloc/internal/domain/shared"
	"github.com/erp/stockalloc/internal/infrastructure/config"
	"github.com/erp/stockalloc/internal/infrastructure/strategy"
	"github.com/erp/stockalloc/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

// MockLotCatalog is a mock implementation of allocation.LotCatalog
type MockLotCatalog struct {
	mock.Mock
}

func (m *MockLotCatalog) GetAvailableLots(ctx context.Context, itemID, locationID string) ([]allocation.Lot, error) {
	args := m.Called(ctx, itemID, locationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]allocation.Lot), args.Error(1)
}

// MockCommitter is a mock implementation of allocation.Committer
type MockCommitter struct {
	mock.Mock
}

func (m *MockCommitter) Commit(ctx context.Context, req allocation.CommitRequest) (*allocation.CommitResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*allocation.CommitResult), args.Error(1)
}

// MockItemLocker is a mock implementation of allocation.ItemLocker
type MockItemLocker struct {
	mock.Mock
	order    []string
	released []string
}

func (m *MockItemLocker) Lock(ctx context.Context, itemID, locationID string) (func(context.Context) error, error) {
	args := m.Called(ctx, itemID, locationID)
	if err := args.Error(0); err != nil {
		return nil, err
	}
	key := itemID + "@" + locationID
	m.order = append(m.order, key)
	return func(context.Context) error {
		m.released = append(m.released, key)
		return nil
	}, nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func day(s string) *time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return &t
}

// oilLots returns lots in catalog order: the later-expiring lot first
func oilLots() []allocation.Lot {
	return []allocation.Lot{
		{ID: "lot-2", ItemID: "oil", LocationID: "wh-1", LotNumber: "L-002", QuantityRemaining: dec("30"), UnitCost: dec("12"), IntakeSequence: 2, Expiry: day("2025-02-01")},
		{ID: "lot-1", ItemID: "oil", LocationID: "wh-1", LotNumber: "L-001", QuantityRemaining: dec("50"), UnitCost: dec("10"), IntakeSequence: 1, Expiry: day("2025-01-10")},
	}
}

func oilRequest(qty string) allocation.AllocationRequest {
	return allocation.AllocationRequest{ItemID: "oil", LocationID: "wh-1", QuantityNeeded: dec(qty)}
}

func newTestService(t *testing.T, catalog *MockLotCatalog, committer *MockCommitter, opts ...ServiceOption) *Service {
	t.Helper()
	registry, err := strategy.NewRegistryWithDefaults(allocation.PolicyFEFO)
	require.NoError(t, err)
	fixed := time.Date(2025, 1, 5, 9, 0, 0, 0, time.UTC)
	opts = append([]ServiceOption{WithLogger(zap.NewNop()), WithClock(func() time.Time { return fixed })}, opts...)
	return NewService(catalog, registry, committer, opts...)
}

func TestService_Plan(t *testing.T) {
	ctx := context.Background()

	t.Run("empty policy uses the default FEFO", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(oilLots(), nil)

		plan, err := newTestService(t, catalog, nil).Plan(ctx, oilRequest("60"))

		require.NoError(t, err)
		assert.Equal(t, allocation.PolicyFEFO, plan.Policy)
		require.Len(t, plan.Records, 2)
		assert.Equal(t, "lot-1", plan.Records[0].LotID)
		assert.True(t, plan.Records[0].QuantityAllocated.Equal(dec("50")))
		assert.Equal(t, "lot-2", plan.Records[1].LotID)
		assert.True(t, plan.Records[1].QuantityAllocated.Equal(dec("10")))
		assert.True(t, plan.TotalCost.Equal(dec("620")))
		assert.True(t, plan.IsFulfilled())
		catalog.AssertExpectations(t)
	})

	t.Run("shortage is reported on the plan", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(oilLots(), nil)

		req := oilRequest("100")
		req.Policy = allocation.PolicyFIFO
		plan, err := newTestService(t, catalog, nil).Plan(ctx, req)

		require.NoError(t, err)
		assert.Equal(t, allocation.PolicyFIFO, plan.Policy)
		assert.True(t, plan.TotalAllocated.Equal(dec("80")))
		assert.True(t, plan.Shortage.Equal(dec("20")))
	})

	t.Run("unknown policy is an invalid request", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		req := oilRequest("10")
		req.Policy = "LIFO"

		_, err := newTestService(t, catalog, nil).Plan(ctx, req)

		assert.ErrorIs(t, err, shared.ErrInvalidRequest)
		catalog.AssertNotCalled(t, "GetAvailableLots", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("invalid quantity never reaches the catalog", func(t *testing.T) {
		catalog := new(MockLotCatalog)

		_, err := newTestService(t, catalog, nil).Plan(ctx, oilRequest("0"))

		assert.ErrorIs(t, err, shared.ErrInvalidRequest)
		catalog.AssertNotCalled(t, "GetAvailableLots", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("catalog error is wrapped", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(nil, assert.AnError)

		_, err := newTestService(t, catalog, nil).Plan(ctx, oilRequest("10"))

		assert.ErrorIs(t, err, assert.AnError)
	})

	t.Run("catalog call carries the io timeout", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		catalog.On("GetAvailableLots", mock.MatchedBy(func(c context.Context) bool {
			_, ok := c.Deadline()
			return ok
		}), "oil", "wh-1").Return(oilLots(), nil)

		_, err := newTestService(t, catalog, nil, WithIOTimeout(time.Second)).Plan(ctx, oilRequest("10"))

		require.NoError(t, err)
		catalog.AssertExpectations(t)
	})

	t.Run("manual selection", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(oilLots(), nil)

		req := oilRequest("25")
		req.Policy = allocation.PolicyManual
		req.ManualQuantities = map[string]decimal.Decimal{"lot-2": dec("25")}

		plan, err := newTestService(t, catalog, nil).Plan(ctx, req)

		require.NoError(t, err)
		require.Len(t, plan.Records, 1)
		assert.Equal(t, "lot-2", plan.Records[0].LotID)
	})
}

func TestService_CheckAvailability(t *testing.T) {
	catalog := new(MockLotCatalog)
	catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(oilLots(), nil)
	svc := newTestService(t, catalog, nil)

	assert.NoError(t, svc.CheckAvailability(context.Background(), oilRequest("80")))

	err := svc.CheckAvailability(context.Background(), oilRequest("90"))
	var short *shared.InsufficientInventoryError
	require.ErrorAs(t, err, &short)
	assert.True(t, short.Deficit.Equal(dec("10")))
}

func TestService_ExpiringLots(t *testing.T) {
	catalog := new(MockLotCatalog)
	catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(oilLots(), nil)

	asOf := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	lots, err := newTestService(t, catalog, nil).ExpiringLots(context.Background(), "oil", "wh-1", asOf, 60*24*time.Hour)

	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, "lot-1", lots[0].ID, "soonest expiry first")
}

func TestService_Commit(t *testing.T) {
	ctx := context.Background()

	t.Run("commits fulfilled plans", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(oilLots(), nil).Once()
		committer := new(MockCommitter)
		txID := uuid.New()
		committer.On("Commit", mock.Anything, mock.MatchedBy(func(r allocation.CommitRequest) bool {
			return r.TransactionID == txID &&
				r.TransactionType == allocation.TransactionSale &&
				len(r.Plans) == 1 &&
				r.TotalQuantity().Equal(dec("60"))
		})).Return(&allocation.CommitResult{
			TransactionID: txID,
			Records:       make([]allocation.CommittedRecord, 2),
		}, nil).Once()

		out, err := newTestService(t, catalog, committer).Commit(ctx, CommitCommand{
			TransactionID:   txID,
			TransactionType: allocation.TransactionSale,
			Requests:        []allocation.AllocationRequest{oilRequest("60")},
		})

		require.NoError(t, err)
		assert.Equal(t, 1, out.Attempts)
		assert.Len(t, out.Result.Records, 2)
		catalog.AssertExpectations(t)
		committer.AssertExpectations(t)
	})

	t.Run("lines for the same item share the lots", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(oilLots(), nil).Times(2)
		committer := new(MockCommitter)
		committer.On("Commit", mock.Anything, mock.MatchedBy(func(r allocation.CommitRequest) bool {
			if len(r.Plans) != 2 || len(r.Plans[0].Records) != 1 || len(r.Plans[1].Records) != 2 {
				return false
			}
			first, second := r.Plans[0].Records, r.Plans[1].Records
			return first[0].LotID == "lot-1" && first[0].QuantityAllocated.Equal(dec("40")) &&
				first[0].RemainingAfter.Equal(dec("10")) &&
				second[0].LotID == "lot-1" && second[0].QuantityAllocated.Equal(dec("10")) &&
				second[0].RemainingAfter.IsZero() &&
				second[1].LotID == "lot-2" && second[1].QuantityAllocated.Equal(dec("30")) &&
				second[1].RemainingAfter.IsZero()
		})).Return(&allocation.CommitResult{}, nil).Once()

		out, err := newTestService(t, catalog, committer).Commit(ctx, CommitCommand{
			TransactionType: allocation.TransactionSale,
			Requests:        []allocation.AllocationRequest{oilRequest("40"), oilRequest("40")},
		})

		require.NoError(t, err)
		assert.Equal(t, 1, out.Attempts)
		assert.True(t, out.Plans[1].TotalCost.Equal(dec("460")))
		catalog.AssertExpectations(t)
		committer.AssertExpectations(t)
	})

	t.Run("a later line sees only what earlier lines left", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(oilLots(), nil)
		committer := new(MockCommitter)

		_, err := newTestService(t, catalog, committer).Commit(ctx, CommitCommand{
			TransactionType: allocation.TransactionSale,
			Requests:        []allocation.AllocationRequest{oilRequest("60"), oilRequest("30")},
		})

		var short *shared.InsufficientInventoryError
		require.ErrorAs(t, err, &short)
		assert.True(t, short.Deficit.Equal(dec("10")))
		committer.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything)
	})

	t.Run("shortage blocks commit unless partial is allowed", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(oilLots(), nil)
		committer := new(MockCommitter)
		svc := newTestService(t, catalog, committer)

		_, err := svc.Commit(ctx, CommitCommand{
			TransactionType: allocation.TransactionOutboundDispatch,
			Requests:        []allocation.AllocationRequest{oilRequest("100")},
		})

		var short *shared.InsufficientInventoryError
		require.ErrorAs(t, err, &short)
		assert.True(t, short.Deficit.Equal(dec("20")))
		assert.False(t, shared.IsRetryable(err))
		committer.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything)

		committer.On("Commit", mock.Anything, mock.Anything).Return(&allocation.CommitResult{}, nil).Once()
		out, err := svc.Commit(ctx, CommitCommand{
			TransactionType: allocation.TransactionOutboundDispatch,
			Requests:        []allocation.AllocationRequest{oilRequest("100")},
			AllowPartial:    true,
		})
		require.NoError(t, err)
		assert.True(t, out.Plans[0].Shortage.Equal(dec("20")))
	})

	t.Run("re-plans once after a lot conflict", func(t *testing.T) {
		drained := oilLots()
		drained[1].QuantityRemaining = dec("45")

		catalog := new(MockLotCatalog)
		catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(oilLots(), nil).Once()
		catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(drained, nil).Once()

		committer := new(MockCommitter)
		committer.On("Commit", mock.Anything, mock.Anything).
			Return(nil, &shared.LotConflictError{LotID: "lot-1", Planned: dec("50")}).Once()
		committer.On("Commit", mock.Anything, mock.MatchedBy(func(r allocation.CommitRequest) bool {
			recs := r.Plans[0].Records
			return len(recs) == 2 && recs[0].QuantityAllocated.Equal(dec("45")) && recs[1].QuantityAllocated.Equal(dec("15"))
		})).Return(&allocation.CommitResult{}, nil).Once()

		out, err := newTestService(t, catalog, committer).Commit(ctx, CommitCommand{
			TransactionType: allocation.TransactionProductionSourcing,
			Requests:        []allocation.AllocationRequest{oilRequest("60")},
		})

		require.NoError(t, err)
		assert.Equal(t, 2, out.Attempts)
		catalog.AssertExpectations(t)
		committer.AssertExpectations(t)
	})

	t.Run("surfaces the conflict after retries are exhausted", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(oilLots(), nil)
		committer := new(MockCommitter)
		committer.On("Commit", mock.Anything, mock.Anything).
			Return(nil, &shared.LotConflictError{LotID: "lot-1", Planned: dec("50")})

		_, err := newTestService(t, catalog, committer).Commit(ctx, CommitCommand{
			TransactionType: allocation.TransactionSale,
			Requests:        []allocation.AllocationRequest{oilRequest("60")},
		})

		assert.ErrorIs(t, err, shared.ErrLotConflict)
		committer.AssertNumberOfCalls(t, "Commit", 2)
	})

	t.Run("zero retries from config commits once", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(oilLots(), nil)
		committer := new(MockCommitter)
		committer.On("Commit", mock.Anything, mock.Anything).
			Return(nil, &shared.LotConflictError{LotID: "lot-1", Planned: dec("50")})

		svc := newTestService(t, catalog, committer, WithConfig(config.AllocationConfig{MaxConflictRetries: 0, IOTimeout: time.Second}))
		_, err := svc.Commit(ctx, CommitCommand{
			TransactionType: allocation.TransactionSale,
			Requests:        []allocation.AllocationRequest{oilRequest("10")},
		})

		assert.ErrorIs(t, err, shared.ErrLotConflict)
		committer.AssertNumberOfCalls(t, "Commit", 1)
	})

	t.Run("non-conflict commit errors are not retried", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(oilLots(), nil)
		committer := new(MockCommitter)
		committer.On("Commit", mock.Anything, mock.Anything).Return(nil, assert.AnError)

		_, err := newTestService(t, catalog, committer).Commit(ctx, CommitCommand{
			TransactionType: allocation.TransactionSale,
			Requests:        []allocation.AllocationRequest{oilRequest("10")},
		})

		assert.ErrorIs(t, err, assert.AnError)
		committer.AssertNumberOfCalls(t, "Commit", 1)
	})

	t.Run("rejects bad commands", func(t *testing.T) {
		svc := newTestService(t, new(MockLotCatalog), new(MockCommitter))

		_, err := svc.Commit(ctx, CommitCommand{TransactionType: "GIFT", Requests: []allocation.AllocationRequest{oilRequest("1")}})
		assert.ErrorIs(t, err, shared.ErrInvalidRequest)

		_, err = svc.Commit(ctx, CommitCommand{TransactionType: allocation.TransactionSale})
		assert.ErrorIs(t, err, shared.ErrInvalidRequest)
	})
}

func TestService_CommitLocking(t *testing.T) {
	ctx := context.Background()

	t.Run("locks each item once in sorted order and releases in reverse", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		catalog.On("GetAvailableLots", mock.Anything, mock.Anything, mock.Anything).Return([]allocation.Lot{}, nil)
		committer := new(MockCommitter)
		committer.On("Commit", mock.Anything, mock.Anything).Return(&allocation.CommitResult{}, nil)
		locker := new(MockItemLocker)
		locker.On("Lock", mock.Anything, mock.Anything, mock.Anything).Return(nil)

		_, err := newTestService(t, catalog, committer, WithItemLocker(locker)).Commit(ctx, CommitCommand{
			TransactionType: allocation.TransactionOutboundDispatch,
			AllowPartial:    true,
			Requests: []allocation.AllocationRequest{
				{ItemID: "salt", LocationID: "wh-1", QuantityNeeded: dec("1")},
				{ItemID: "oil", LocationID: "wh-2", QuantityNeeded: dec("1")},
				{ItemID: "oil", LocationID: "wh-1", QuantityNeeded: dec("1")},
				{ItemID: "salt", LocationID: "wh-1", QuantityNeeded: dec("2")},
			},
		})

		require.NoError(t, err)
		assert.Equal(t, []string{"oil@wh-1", "oil@wh-2", "salt@wh-1"}, locker.order)
		assert.Equal(t, []string{"salt@wh-1", "oil@wh-2", "oil@wh-1"}, locker.released)
	})

	t.Run("lock failure aborts before planning", func(t *testing.T) {
		catalog := new(MockLotCatalog)
		committer := new(MockCommitter)
		locker := new(MockItemLocker)
		locker.On("Lock", mock.Anything, "oil", "wh-1").Return(shared.ErrConcurrencyConflict)

		_, err := newTestService(t, catalog, committer, WithItemLocker(locker)).Commit(ctx, CommitCommand{
			TransactionType: allocation.TransactionSale,
			Requests:        []allocation.AllocationRequest{oilRequest("10")},
		})

		assert.ErrorIs(t, err, shared.ErrConcurrencyConflict)
		catalog.AssertNotCalled(t, "GetAvailableLots", mock.Anything, mock.Anything, mock.Anything)
		committer.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything)
	})
}

func TestService_CommitMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	metrics, err := telemetry.NewAllocationMetrics(provider.Meter("test"))
	require.NoError(t, err)

	catalog := new(MockLotCatalog)
	catalog.On("GetAvailableLots", mock.Anything, "oil", "wh-1").Return(oilLots(), nil)
	committer := new(MockCommitter)
	committer.On("Commit", mock.Anything, mock.Anything).
		Return(nil, &shared.LotConflictError{LotID: "lot-1", Planned: dec("10")}).Once()
	committer.On("Commit", mock.Anything, mock.Anything).Return(&allocation.CommitResult{}, nil).Once()

	_, err = newTestService(t, catalog, committer, WithMetrics(metrics)).Commit(context.Background(), CommitCommand{
		TransactionType: allocation.TransactionSale,
		Requests:        []allocation.AllocationRequest{oilRequest("10")},
	})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), sums["stockalloc_plans_total"])
	assert.Equal(t, int64(1), sums["stockalloc_lot_conflicts_total"])
	assert.Equal(t, int64(1), sums["stockalloc_commits_total"])
}
