package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/erp/stockalloc/internal/domain/shared"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGormTaxRateRepository_GetRate(t *testing.T) {
	columns := []string{"item_id", "rate_percent", "created_at", "updated_at"}

	t.Run("configured rate", func(t *testing.T) {
		db, mock, mockDB := newMockDatabase(t)
		defer mockDB.Close()

		now := time.Now()
		mock.ExpectQuery(`SELECT \* FROM "item_tax_rates" WHERE item_id = \$1`).
			WillReturnRows(sqlmock.NewRows(columns).AddRow("oil", "12", now, now))

		rate, found, err := db.TaxRates().GetRate(context.Background(), "oil")

		require.NoError(t, err)
		assert.True(t, found)
		assert.True(t, rate.Equal(decimal.NewFromInt(12)))
	})

	t.Run("zero is a configured rate", func(t *testing.T) {
		db, mock, mockDB := newMockDatabase(t)
		defer mockDB.Close()

		now := time.Now()
		mock.ExpectQuery(`SELECT \* FROM "item_tax_rates"`).
			WillReturnRows(sqlmock.NewRows(columns).AddRow("bread", "0", now, now))

		rate, found, err := db.TaxRates().GetRate(context.Background(), "bread")

		require.NoError(t, err)
		assert.True(t, found)
		assert.True(t, rate.IsZero())
	})

	t.Run("missing row is not found", func(t *testing.T) {
		db, mock, mockDB := newMockDatabase(t)
		defer mockDB.Close()

		mock.ExpectQuery(`SELECT \* FROM "item_tax_rates"`).
			WillReturnRows(sqlmock.NewRows(columns))

		_, found, err := db.TaxRates().GetRate(context.Background(), "ghost")

		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("query error", func(t *testing.T) {
		db, mock, mockDB := newMockDatabase(t)
		defer mockDB.Close()

		mock.ExpectQuery(`SELECT \* FROM "item_tax_rates"`).WillReturnError(assert.AnError)

		_, found, err := db.TaxRates().GetRate(context.Background(), "oil")

		assert.False(t, found)
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestGormTaxRateRepository_SetRate(t *testing.T) {
	t.Run("upserts", func(t *testing.T) {
		db, mock, mockDB := newMockDatabase(t)
		defer mockDB.Close()

		mock.ExpectExec(`INSERT INTO "item_tax_rates" .* ON CONFLICT \("item_id"\) DO UPDATE`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := db.TaxRates().SetRate(context.Background(), "oil", decimal.NewFromInt(12))

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects negative rate", func(t *testing.T) {
		db, _, mockDB := newMockDatabase(t)
		defer mockDB.Close()

		err := db.TaxRates().SetRate(context.Background(), "oil", decimal.NewFromInt(-5))

		assert.ErrorIs(t, err, shared.ErrInvalidTaxRate)
	})

	t.Run("rejects empty item", func(t *testing.T) {
		db, _, mockDB := newMockDatabase(t)
		defer mockDB.Close()

		err := db.TaxRates().SetRate(context.Background(), "", decimal.NewFromInt(5))

		assert.ErrorIs(t, err, shared.ErrInvalidRequest)
	})
}

func TestGormTaxRateRepository_DeleteRate(t *testing.T) {
	db, mock, mockDB := newMockDatabase(t)
	defer mockDB.Close()

	mock.ExpectExec(`DELETE FROM "item_tax_rates" WHERE item_id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.TaxRates().DeleteRate(context.Background(), "ghost")

	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
