package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/stockalloc/internal/domain/allocation"
	"github.com/erp/stockalloc/internal/domain/shared"
	"github.com/erp/stockalloc/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// GormCommitter implements allocation.Committer.
// Every lot is decremented with a conditional UPDATE inside one transaction, so a lot
// drained by a concurrent commit aborts the whole commit instead of going negative.
type GormCommitter struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormCommitter creates a new GormCommitter
func NewGormCommitter(db *gorm.DB) *GormCommitter {
	return &GormCommitter{db: db, now: time.Now}
}

// Commit decrements the planned lots and records which transaction consumed them.
// The stored RemainingAfter is read back from the lot after its decrement, so it
// reflects commits that landed between planning and this one.
func (c *GormCommitter) Commit(ctx context.Context, req allocation.CommitRequest) (*allocation.CommitResult, error) {
	if !req.TransactionType.IsValid() {
		return nil, shared.NewInvalidRequestError("transaction_type", "unknown transaction type "+string(req.TransactionType))
	}
	if req.TransactionID == uuid.Nil {
		req.TransactionID = uuid.New()
	}
	committedAt := req.CommittedAt
	if committedAt.IsZero() {
		committedAt = c.now()
	}

	rows := make([]*models.AllocationRecordModel, 0)
	for _, plan := range req.Plans {
		for _, rec := range plan.Records {
			rows = append(rows, models.NewAllocationRecordModel(req.TransactionID, req.TransactionType, plan, rec, committedAt))
		}
	}

	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, row := range rows {
			if err := decrementLot(tx, row, committedAt); err != nil {
				return err
			}
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("insert allocation records: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &allocation.CommitResult{
		TransactionID: req.TransactionID,
		CommittedAt:   committedAt,
		Records:       make([]allocation.CommittedRecord, len(rows)),
	}
	for i, row := range rows {
		result.Records[i] = row.ToDomain()
	}
	return result, nil
}

func decrementLot(tx *gorm.DB, row *models.AllocationRecordModel, at time.Time) error {
	res := tx.Model(&models.LotModel{}).
		Where("id = ? AND quantity_remaining >= ?", row.LotID, row.QuantityAllocated).
		Updates(map[string]interface{}{
			"quantity_remaining": gorm.Expr("quantity_remaining - ?", row.QuantityAllocated),
			"updated_at":         at,
		})
	if res.Error != nil {
		return fmt.Errorf("decrement lot %s: %w", row.LotID, res.Error)
	}
	if res.RowsAffected == 0 {
		return &shared.LotConflictError{LotID: row.LotID, Planned: row.QuantityAllocated}
	}

	var left []decimal.Decimal
	if err := tx.Model(&models.LotModel{}).
		Where("id = ?", row.LotID).
		Pluck("quantity_remaining", &left).Error; err != nil {
		return fmt.Errorf("read back lot %s: %w", row.LotID, err)
	}
	if len(left) == 0 {
		return &shared.LotConflictError{LotID: row.LotID, Planned: row.QuantityAllocated}
	}
	row.RemainingAfter = left[0]
	if row.RemainingAfter.Abs().LessThanOrEqual(allocation.Epsilon) {
		row.RemainingAfter = decimal.Zero
	}
	return nil
}

// FindByTransaction returns the records committed under a transaction
func (c *GormCommitter) FindByTransaction(ctx context.Context, txID uuid.UUID) ([]allocation.CommittedRecord, error) {
	var rows []models.AllocationRecordModel
	if err := c.db.WithContext(ctx).
		Where("transaction_id = ?", txID).
		Order("committed_at ASC, lot_id ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]allocation.CommittedRecord, len(rows))
	for i := range rows {
		records[i] = rows[i].ToDomain()
	}
	return records, nil
}

var _ allocation.Committer = (*GormCommitter)(nil)
