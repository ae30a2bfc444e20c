package allocation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType identifies the call site committing stock
type TransactionType string

const (
	// TransactionProductionSourcing consumes raw-material lots into production
	TransactionProductionSourcing TransactionType = "PRODUCTION_SOURCING"
	// TransactionOutboundDispatch consumes finished-goods lots for dispatch
	TransactionOutboundDispatch TransactionType = "OUTBOUND_DISPATCH"
	// TransactionSale consumes finished-goods lots for a sale
	TransactionSale TransactionType = "SALE"
)

// IsValid checks if the transaction type is valid
func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionProductionSourcing, TransactionOutboundDispatch, TransactionSale:
		return true
	}
	return false
}

// RequiresTax returns true for sales-type transactions, which cannot complete without tax rates
func (t TransactionType) RequiresTax() bool {
	return t == TransactionSale
}

// LotCatalog supplies the lots available for an item at a location, in no particular order
type LotCatalog interface {
	GetAvailableLots(ctx context.Context, itemID, locationID string) ([]Lot, error)
}

// CommitRequest carries the plans to commit under one transaction
type CommitRequest struct {
	TransactionID   uuid.UUID
	TransactionType TransactionType
	Plans           []*AllocationPlan
	CommittedAt     time.Time
}

// TotalQuantity returns the quantity allocated across all plans
func (r CommitRequest) TotalQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, p := range r.Plans {
		total = total.Add(p.TotalAllocated)
	}
	return total
}

// CommittedRecord ties a persisted allocation record to its transaction
type CommittedRecord struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	ItemID        string
	LocationID    string
	AllocationRecord
}

// CommitResult is returned by a successful commit
type CommitResult struct {
	TransactionID uuid.UUID
	Records       []CommittedRecord
	CommittedAt   time.Time
}

// Committer applies plans to stock. Implementations must decrement every lot
// atomically and conditionally on its current remaining quantity, persist the
// lot-to-transaction records, and abort the whole commit with a
// LotConflictError if any lot no longer holds its planned quantity.
type Committer interface {
	Commit(ctx context.Context, req CommitRequest) (*CommitResult, error)
}

// ItemLocker serialises plan-and-commit for an item at a location across processes.
// It narrows contention only; commit-time re-validation remains the correctness guarantee.
type ItemLocker interface {
	Lock(ctx context.Context, itemID, locationID string) (unlock func(context.Context) error, err error)
}
