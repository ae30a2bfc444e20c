package models

import (
	"github.com/shopspring/decimal"
)

// TaxRateModel stores the tax rate configured for an item, in percent.
// A missing row means the rate is not configured; 0 is a valid rate.
type TaxRateModel struct {
	ItemID      string          `gorm:"type:varchar(64);primaryKey"`
	RatePercent decimal.Decimal `gorm:"type:decimal(9,4);not null"`
	Timestamps
}

// TableName returns the table name for GORM
func (TaxRateModel) TableName() string {
	return "item_tax_rates"
}
