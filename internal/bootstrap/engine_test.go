package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/erp/stockalloc/internal/application/transaction"
	"github.com/erp/stockalloc/internal/domain/allocation"
	"github.com/erp/stockalloc/internal/domain/pricing"
	"github.com/erp/stockalloc/internal/infrastructure/config"
	"github.com/erp/stockalloc/internal/infrastructure/persistence"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var lotColumns = []string{
	"id", "item_id", "location_id", "lot_number", "quantity_remaining",
	"unit_cost", "intake_sequence", "expiry_date", "created_at", "updated_at",
}

func newMockDatabase(t *testing.T) (*persistence.Database, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	return &persistence.Database{DB: gormDB}, mock
}

func testConfig() *config.Config {
	return &config.Config{
		Allocation: config.AllocationConfig{
			DefaultPolicy:      "FEFO",
			MaxConflictRetries: 1,
			IOTimeout:          time.Second,
			LockTTL:            time.Second,
		},
		Costing:  config.CostingConfig{DefaultWeightPerUnit: decimal.NewFromInt(1)},
		TaxCache: config.TaxCacheConfig{Enabled: true, TTL: time.Minute, Backend: "memory"},
	}
}

func TestBuild_PlansFromDatabase(t *testing.T) {
	db, mock := newMockDatabase(t)
	engine, err := Build(testConfig(), Dependencies{Database: db, Logger: zap.NewNop()})
	require.NoError(t, err)

	now := time.Now()
	soon := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	later := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT \* FROM "stock_lots" WHERE item_id = \$1 AND location_id = \$2 AND quantity_remaining > 0`).
		WithArgs("oil", "wh-1").
		WillReturnRows(sqlmock.NewRows(lotColumns).
			AddRow("lot-2", "oil", "wh-1", "L-002", "30", "12", 2, later, now, now).
			AddRow("lot-1", "oil", "wh-1", "L-001", "50", "10", 1, soon, now, now))

	plan, err := engine.Allocation.Plan(context.Background(), allocation.AllocationRequest{
		ItemID:         "oil",
		LocationID:     "wh-1",
		QuantityNeeded: decimal.NewFromInt(60),
	})

	require.NoError(t, err)
	require.Len(t, plan.Records, 2)
	assert.Equal(t, "lot-1", plan.Records[0].LotID)
	assert.Equal(t, "lot-2", plan.Records[1].LotID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuild_CachesTaxRates(t *testing.T) {
	db, mock := newMockDatabase(t)
	engine, err := Build(testConfig(), Dependencies{Database: db})
	require.NoError(t, err)

	now := time.Now()
	mock.ExpectQuery(`SELECT \* FROM "item_tax_rates" WHERE item_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"item_id", "rate_percent", "created_at", "updated_at"}).
			AddRow("oil", "12", now, now))

	in := transaction.TransactionInput{
		TransactionType: allocation.TransactionSale,
		Plans: []*allocation.AllocationPlan{{
			ItemID: "oil", LocationID: "wh-1", QuantityNeeded: decimal.NewFromInt(1),
			TotalAllocated: decimal.NewFromInt(1), TotalCost: decimal.NewFromInt(10),
		}},
		PriceLines: []pricing.PriceLine{{ItemID: "oil", Quantity: decimal.NewFromInt(1), UnitPriceInclusive: decimal.RequireFromString("11.2")}},
	}

	for i := 0; i < 2; i++ {
		record, err := engine.Transactions.Build(context.Background(), in)
		require.NoError(t, err)
		assert.True(t, record.Summary.TaxTotal.Equal(decimal.RequireFromString("1.2")))
	}
	assert.NoError(t, mock.ExpectationsWereMet(), "second build is served from cache")
}

func TestEngine_SetTaxRate_InvalidatesCache(t *testing.T) {
	db, mock := newMockDatabase(t)
	engine, err := Build(testConfig(), Dependencies{Database: db})
	require.NoError(t, err)

	columns := []string{"item_id", "rate_percent", "created_at", "updated_at"}
	now := time.Now()
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM "item_tax_rates"`).
		WillReturnRows(sqlmock.NewRows(columns).AddRow("oil", "12", now, now))
	rate, _, err := engine.taxLookup.GetRate(ctx, "oil")
	require.NoError(t, err)
	require.True(t, rate.Equal(decimal.NewFromInt(12)))

	mock.ExpectExec(`INSERT INTO "item_tax_rates"`).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, engine.SetTaxRate(ctx, "oil", decimal.NewFromInt(5)))

	mock.ExpectQuery(`SELECT \* FROM "item_tax_rates"`).
		WillReturnRows(sqlmock.NewRows(columns).AddRow("oil", "5", now, now))
	rate, _, err = engine.taxLookup.GetRate(ctx, "oil")
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(5)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBuild_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	db, mock := newMockDatabase(t)
	engine, err := Build(testConfig(), Dependencies{Database: db, Meter: provider.Meter("test")})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT \* FROM "stock_lots"`).WillReturnRows(sqlmock.NewRows(lotColumns))
	_, err = engine.Allocation.Plan(context.Background(), allocation.AllocationRequest{
		ItemID: "oil", LocationID: "wh-1", QuantityNeeded: decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "stockalloc_plans_total" {
				found = true
			}
		}
	}
	assert.True(t, found)
}

func TestBuild_WithRedis(t *testing.T) {
	db, _ := newMockDatabase(t)
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	cfg := testConfig()
	cfg.Allocation.LockEnabled = true
	cfg.TaxCache.Backend = "redis"

	engine, err := Build(cfg, Dependencies{Database: db, Redis: client})
	require.NoError(t, err)
	assert.NotNil(t, engine.Allocation)
}

func TestBuild_Errors(t *testing.T) {
	db, _ := newMockDatabase(t)

	tests := []struct {
		name   string
		deps   Dependencies
		mutate func(*config.Config)
	}{
		{name: "no database", deps: Dependencies{}, mutate: func(*config.Config) {}},
		{name: "locks without redis", deps: Dependencies{Database: db}, mutate: func(c *config.Config) { c.Allocation.LockEnabled = true }},
		{name: "redis cache without redis", deps: Dependencies{Database: db}, mutate: func(c *config.Config) { c.TaxCache.Backend = "redis" }},
		{name: "unknown policy", deps: Dependencies{Database: db}, mutate: func(c *config.Config) { c.Allocation.DefaultPolicy = "LIFO" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			engine, err := Build(cfg, tt.deps)
			assert.Error(t, err)
			assert.Nil(t, engine)
		})
	}
}

func TestNeedsRedis(t *testing.T) {
	cfg := testConfig()
	assert.False(t, NeedsRedis(cfg))

	cfg.TaxCache.Backend = "redis"
	assert.True(t, NeedsRedis(cfg))

	cfg.TaxCache.Enabled = false
	assert.False(t, NeedsRedis(cfg))

	cfg.Allocation.LockEnabled = true
	assert.True(t, NeedsRedis(cfg))
}

func TestEngine_Close(t *testing.T) {
	var order []string
	closer := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return err
		}
	}

	e := &Engine{
		logger:  zap.NewNop(),
		closers: []func(context.Context) error{closer("tracer", nil), closer("db", errors.New("busy")), closer("redis", nil)},
	}

	err := e.Close(context.Background())

	assert.EqualError(t, err, "busy")
	assert.Equal(t, []string{"redis", "db", "tracer"}, order)
	assert.NoError(t, e.Close(context.Background()), "second close is a no-op")
}
