package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/stockalloc/internal/domain/pricing"
	"github.com/erp/stockalloc/internal/domain/shared"
	"github.com/erp/stockalloc/internal/infrastructure/persistence/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormTaxRateRepository implements pricing.TaxRateLookup using GORM
type GormTaxRateRepository struct {
	db *gorm.DB
}

// NewGormTaxRateRepository creates a new GormTaxRateRepository
func NewGormTaxRateRepository(db *gorm.DB) *GormTaxRateRepository {
	return &GormTaxRateRepository{db: db}
}

// GetRate returns the configured rate for an item; found is false when no row exists
func (r *GormTaxRateRepository) GetRate(ctx context.Context, itemID string) (decimal.Decimal, bool, error) {
	var row models.TaxRateModel
	if err := r.db.WithContext(ctx).First(&row, "item_id = ?", itemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, fmt.Errorf("load tax rate for item %s: %w", itemID, err)
	}
	return row.RatePercent, true, nil
}

// SetRate creates or replaces the rate for an item
func (r *GormTaxRateRepository) SetRate(ctx context.Context, itemID string, ratePercent decimal.Decimal) error {
	if itemID == "" {
		return shared.NewInvalidRequestError("item_id", "is required")
	}
	if ratePercent.IsNegative() {
		return &shared.InvalidTaxRateError{ItemID: itemID, Rate: ratePercent}
	}
	row := models.TaxRateModel{ItemID: itemID, RatePercent: ratePercent}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"rate_percent", "updated_at"}),
	}).Create(&row).Error
}

// DeleteRate removes the rate for an item, leaving it unconfigured
func (r *GormTaxRateRepository) DeleteRate(ctx context.Context, itemID string) error {
	result := r.db.WithContext(ctx).Delete(&models.TaxRateModel{}, "item_id = ?", itemID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return shared.ErrNotFound
	}
	return nil
}

var _ pricing.TaxRateLookup = (*GormTaxRateRepository)(nil)
