// Package allocation selects lots to satisfy a requested quantity of a fungible
// item and produces a traceable allocation plan.
package allocation

import (
	"time"

	"github.com/shopspring/decimal"
)

// Epsilon is the quantity below which remaining stock, demand or shortage is treated as zero.
// It keeps floating leftovers from upstream unit conversions from blocking completion.
var Epsilon = decimal.New(1, -6)

// isNegligible reports whether q is within Epsilon of zero
func isNegligible(q decimal.Decimal) bool {
	return q.Abs().LessThan(Epsilon)
}

// Lot is a discrete, traceable quantity of inventory with its own cost and optional expiry
type Lot struct {
	ID                string
	ItemID            string
	LocationID        string
	LotNumber         string
	QuantityRemaining decimal.Decimal
	UnitCost          decimal.Decimal
	IntakeSequence    int64      // monotonic intake order
	Expiry            *time.Time // nil when the goods do not expire
}

// HasStock returns true if the lot has a non-negligible remaining quantity
func (l Lot) HasStock() bool {
	return l.QuantityRemaining.IsPositive() && !isNegligible(l.QuantityRemaining)
}

// IsExpiredAt returns true if the lot expires at or before t
func (l Lot) IsExpiredAt(t time.Time) bool {
	if l.Expiry == nil || t.IsZero() {
		return false
	}
	return !l.Expiry.After(t)
}

// AllocationRequest asks for a quantity of one item at one location under a policy
type AllocationRequest struct {
	ItemID         string
	LocationID     string
	QuantityNeeded decimal.Decimal
	Policy         PolicyType
	// ManualQuantities maps lot ID to the quantity to take; used only by the MANUAL policy
	ManualQuantities map[string]decimal.Decimal
	// AsOf, when set, excludes lots that have expired by this instant
	AsOf time.Time
}

// Validate checks the request shape. Lot-dependent checks happen in the Allocator.
func (r AllocationRequest) Validate() error {
	if r.ItemID == "" {
		return newInvalid("item_id", "is required")
	}
	if !r.QuantityNeeded.IsPositive() {
		return newInvalid("quantity_needed", "must be positive")
	}
	if !r.Policy.IsValid() {
		return newInvalid("policy", "unknown allocation policy "+string(r.Policy))
	}
	if r.Policy == PolicyManual && len(r.ManualQuantities) == 0 {
		return newInvalid("manual_quantities", "are required for the MANUAL policy")
	}
	return nil
}

// AllocationRecord is one lot's contribution to a plan. Records are values and
// are never modified after the Allocator returns them.
type AllocationRecord struct {
	LotID             string
	LotNumber         string
	QuantityAllocated decimal.Decimal
	UnitCost          decimal.Decimal
	Expiry            *time.Time
	LineCost          decimal.Decimal
	// RemainingAfter is the lot's remaining quantity once this record is committed.
	// On a plan it comes from the lots the plan was built from; a committed
	// record carries the quantity read back from the lot at commit.
	RemainingAfter decimal.Decimal
}

// ExhaustsLot returns true if committing the record leaves the lot empty
func (r AllocationRecord) ExhaustsLot() bool {
	return isNegligible(r.RemainingAfter)
}

// AllocationPlan is the ordered outcome of allocating a request against lots
type AllocationPlan struct {
	ItemID         string
	LocationID     string
	Policy         PolicyType
	QuantityNeeded decimal.Decimal
	Records        []AllocationRecord
	TotalAllocated decimal.Decimal
	Shortage       decimal.Decimal
	TotalCost      decimal.Decimal
}

// IsFulfilled returns true if the plan covers the requested quantity
func (p *AllocationPlan) IsFulfilled() bool {
	return p.Shortage.IsZero()
}

// WeightedAverageCost returns the cost per allocated unit, rounded to 4 places
func (p *AllocationPlan) WeightedAverageCost() decimal.Decimal {
	if !p.TotalAllocated.IsPositive() {
		return decimal.Zero
	}
	return p.TotalCost.Div(p.TotalAllocated).Round(4)
}

// RequireFulfilled returns an InsufficientInventoryError carrying the deficit when the plan has a shortage
func (p *AllocationPlan) RequireFulfilled() error {
	if p.IsFulfilled() {
		return nil
	}
	return &InsufficientInventoryError{
		ItemID:     p.ItemID,
		LocationID: p.LocationID,
		Requested:  p.QuantityNeeded,
		Available:  p.TotalAllocated,
		Deficit:    p.Shortage,
	}
}

// ConsumedLots returns the IDs of lots the plan fully exhausts
func (p *AllocationPlan) ConsumedLots() []string {
	ids := make([]string, 0)
	for _, r := range p.Records {
		if r.ExhaustsLot() {
			ids = append(ids, r.LotID)
		}
	}
	return ids
}

// PartialLots returns the IDs of lots the plan draws from without exhausting
func (p *AllocationPlan) PartialLots() []string {
	ids := make([]string, 0)
	for _, r := range p.Records {
		if !r.ExhaustsLot() {
			ids = append(ids, r.LotID)
		}
	}
	return ids
}

// ExpiringWithin returns lots with stock that expire after asOf but within window
func ExpiringWithin(lots []Lot, asOf time.Time, window time.Duration) []Lot {
	deadline := asOf.Add(window)
	expiring := make([]Lot, 0)
	for _, l := range lots {
		if l.HasStock() && l.Expiry != nil && l.Expiry.After(asOf) && !l.Expiry.After(deadline) {
			expiring = append(expiring, l)
		}
	}
	return expiring
}
