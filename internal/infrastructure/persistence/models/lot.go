package models

import (
	"time"

	"github.com/erp/stockalloc/internal/domain/allocation"
	"github.com/shopspring/decimal"
)

// LotModel is the persistence model for a stock lot.
type LotModel struct {
	ID                string          `gorm:"type:varchar(64);primaryKey"`
	ItemID            string          `gorm:"type:varchar(64);not null;index:idx_stock_lots_item_location,priority:1"`
	LocationID        string          `gorm:"type:varchar(64);not null;index:idx_stock_lots_item_location,priority:2"`
	LotNumber         string          `gorm:"type:varchar(50);not null"`
	QuantityRemaining decimal.Decimal `gorm:"type:decimal(18,6);not null"`
	UnitCost          decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	IntakeSequence    int64           `gorm:"not null"`
	ExpiryDate        *time.Time      `gorm:"type:date;index"`
	Timestamps
}

// TableName returns the table name for GORM
func (LotModel) TableName() string {
	return "stock_lots"
}

// ToDomain converts the persistence model to a domain Lot.
func (m *LotModel) ToDomain() allocation.Lot {
	return allocation.Lot{
		ID:                m.ID,
		ItemID:            m.ItemID,
		LocationID:        m.LocationID,
		LotNumber:         m.LotNumber,
		QuantityRemaining: m.QuantityRemaining,
		UnitCost:          m.UnitCost,
		IntakeSequence:    m.IntakeSequence,
		Expiry:            m.ExpiryDate,
	}
}

// LotModelFromDomain creates a persistence model from a domain Lot.
func LotModelFromDomain(l allocation.Lot) *LotModel {
	return &LotModel{
		ID:                l.ID,
		ItemID:            l.ItemID,
		LocationID:        l.LocationID,
		LotNumber:         l.LotNumber,
		QuantityRemaining: l.QuantityRemaining,
		UnitCost:          l.UnitCost,
		IntakeSequence:    l.IntakeSequence,
		ExpiryDate:        l.Expiry,
	}
}
