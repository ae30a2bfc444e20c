package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/stockalloc/internal/domain/allocation"
	"github.com/erp/stockalloc/internal/domain/shared"
	"github.com/erp/stockalloc/internal/infrastructure/persistence/models"
	"gorm.io/gorm"
)

// GormLotCatalog implements allocation.LotCatalog using GORM
type GormLotCatalog struct {
	db *gorm.DB
}

// NewGormLotCatalog creates a new GormLotCatalog
func NewGormLotCatalog(db *gorm.DB) *GormLotCatalog {
	return &GormLotCatalog{db: db}
}

// GetAvailableLots returns lots of the item at the location that still hold stock.
// No ordering is applied; the allocation policy orders them.
func (c *GormLotCatalog) GetAvailableLots(ctx context.Context, itemID, locationID string) ([]allocation.Lot, error) {
	var rows []models.LotModel
	if err := c.db.WithContext(ctx).
		Where("item_id = ? AND location_id = ? AND quantity_remaining > 0", itemID, locationID).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load lots for item %s at %s: %w", itemID, locationID, err)
	}

	lots := make([]allocation.Lot, len(rows))
	for i := range rows {
		lots[i] = rows[i].ToDomain()
	}
	return lots, nil
}

// FindByID finds a lot by its ID
func (c *GormLotCatalog) FindByID(ctx context.Context, id string) (*allocation.Lot, error) {
	var row models.LotModel
	if err := c.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, err
	}
	lot := row.ToDomain()
	return &lot, nil
}

// Create inserts new lots
func (c *GormLotCatalog) Create(ctx context.Context, lots ...allocation.Lot) error {
	if len(lots) == 0 {
		return nil
	}
	rows := make([]*models.LotModel, len(lots))
	for i, l := range lots {
		if l.ID == "" || l.ItemID == "" {
			return shared.NewInvalidRequestError("lot", "id and item_id are required")
		}
		if l.QuantityRemaining.IsNegative() {
			return shared.NewInvalidRequestError("quantity_remaining", "cannot be negative")
		}
		rows[i] = models.LotModelFromDomain(l)
	}
	return c.db.WithContext(ctx).Create(&rows).Error
}

var _ allocation.LotCatalog = (*GormLotCatalog)(nil)
