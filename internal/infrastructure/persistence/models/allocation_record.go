package models

import (
	"time"

	"github.com/erp/stockalloc/internal/domain/allocation"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AllocationRecordModel links a committed lot draw to the transaction that consumed it.
type AllocationRecordModel struct {
	ID                uuid.UUID                  `gorm:"type:uuid;primaryKey"`
	TransactionID     uuid.UUID                  `gorm:"type:uuid;not null;index:idx_alloc_records_tx"`
	TransactionType   allocation.TransactionType `gorm:"type:varchar(30);not null"`
	ItemID            string                     `gorm:"type:varchar(64);not null"`
	LocationID        string                     `gorm:"type:varchar(64);not null"`
	Policy            allocation.PolicyType      `gorm:"type:varchar(10);not null"`
	LotID             string                     `gorm:"type:varchar(64);not null;index:idx_alloc_records_lot"`
	LotNumber         string                     `gorm:"type:varchar(50);not null"`
	QuantityAllocated decimal.Decimal            `gorm:"type:decimal(18,6);not null"`
	UnitCost          decimal.Decimal            `gorm:"type:decimal(18,4);not null"`
	LineCost          decimal.Decimal            `gorm:"type:decimal(28,10);not null"`
	RemainingAfter    decimal.Decimal            `gorm:"type:decimal(18,6);not null"`
	ExpiryDate        *time.Time                 `gorm:"type:date"`
	CommittedAt       time.Time                  `gorm:"type:timestamptz;not null"`
}

// TableName returns the table name for GORM
func (AllocationRecordModel) TableName() string {
	return "allocation_records"
}

// NewAllocationRecordModel builds the row for one record of a plan committed under a transaction
func NewAllocationRecordModel(txID uuid.UUID, txType allocation.TransactionType, plan *allocation.AllocationPlan, rec allocation.AllocationRecord, committedAt time.Time) *AllocationRecordModel {
	return &AllocationRecordModel{
		ID:                uuid.New(),
		TransactionID:     txID,
		TransactionType:   txType,
		ItemID:            plan.ItemID,
		LocationID:        plan.LocationID,
		Policy:            plan.Policy,
		LotID:             rec.LotID,
		LotNumber:         rec.LotNumber,
		QuantityAllocated: rec.QuantityAllocated,
		UnitCost:          rec.UnitCost,
		LineCost:          rec.LineCost,
		RemainingAfter:    rec.RemainingAfter,
		ExpiryDate:        rec.Expiry,
		CommittedAt:       committedAt,
	}
}

// ToDomain converts the persistence model to a committed record.
func (m *AllocationRecordModel) ToDomain() allocation.CommittedRecord {
	return allocation.CommittedRecord{
		ID:            m.ID,
		TransactionID: m.TransactionID,
		ItemID:        m.ItemID,
		LocationID:    m.LocationID,
		AllocationRecord: allocation.AllocationRecord{
			LotID:             m.LotID,
			LotNumber:         m.LotNumber,
			QuantityAllocated: m.QuantityAllocated,
			UnitCost:          m.UnitCost,
			Expiry:            m.ExpiryDate,
			LineCost:          m.LineCost,
			RemainingAfter:    m.RemainingAfter,
		},
	}
}
