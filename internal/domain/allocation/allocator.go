package allocation

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Allocator greedily consumes ordered lots to cover a requested quantity.
// It is stateless; identical inputs always produce an identical plan.
type Allocator struct{}

// NewAllocator creates a new Allocator
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Allocate builds a plan from lots already ordered by the request's policy.
// A positive Shortage in the returned plan is not an error; whether a partial
// plan is acceptable is the caller's decision.
func (a *Allocator) Allocate(orderedLots []Lot, req AllocationRequest) (*AllocationPlan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.Policy == PolicyManual {
		return a.allocateManual(orderedLots, req)
	}
	return a.allocateGreedy(orderedLots, req), nil
}

func (a *Allocator) allocateGreedy(lots []Lot, req AllocationRequest) *AllocationPlan {
	plan := newPlan(req)
	demand := req.QuantityNeeded

	for _, lot := range lots {
		if isNegligible(demand) {
			break
		}
		if !belongsTo(lot, req) || !lot.HasStock() || lot.IsExpiredAt(req.AsOf) {
			continue
		}

		take := decimal.Min(lot.QuantityRemaining, demand)
		plan.add(lot, take)
		demand = demand.Sub(take)
	}

	plan.finish()
	return plan
}

func (a *Allocator) allocateManual(lots []Lot, req AllocationRequest) (*AllocationPlan, error) {
	byID := make(map[string]Lot, len(lots))
	for _, lot := range lots {
		if belongsTo(lot, req) {
			byID[lot.ID] = lot
		}
	}

	// Validate in sorted key order so the first reported error is stable.
	ids := make([]string, 0, len(req.ManualQuantities))
	for id := range req.ManualQuantities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	manualSum := decimal.Zero
	for _, id := range ids {
		qty := req.ManualQuantities[id]
		lot, ok := byID[id]
		if !ok {
			return nil, newInvalid("manual_quantities", "unknown lot "+id)
		}
		if qty.IsNegative() {
			return nil, newInvalid("manual_quantities", "negative quantity for lot "+id)
		}
		if isNegligible(qty) {
			continue
		}
		if lot.IsExpiredAt(req.AsOf) {
			return nil, newInvalid("manual_quantities", "lot "+id+" has expired")
		}
		if qty.Sub(lot.QuantityRemaining).GreaterThanOrEqual(Epsilon) {
			return nil, &InsufficientLotQuantityError{
				LotID:     id,
				Requested: qty,
				Remaining: lot.QuantityRemaining,
			}
		}
		manualSum = manualSum.Add(qty)
	}

	if manualSum.Sub(req.QuantityNeeded).GreaterThanOrEqual(Epsilon) {
		return nil, newInvalid("manual_quantities",
			"total "+manualSum.String()+" exceeds quantity needed "+req.QuantityNeeded.String())
	}

	// Emit records in catalog order.
	plan := newPlan(req)
	for _, lot := range lots {
		qty, ok := req.ManualQuantities[lot.ID]
		if !ok || isNegligible(qty) || !belongsTo(lot, req) {
			continue
		}
		plan.add(lot, decimal.Min(qty, lot.QuantityRemaining))
	}

	plan.finish()
	return plan, nil
}

// CheckAvailability fails with InsufficientInventoryError when the usable stock
// in lots cannot cover the request. It is the pre-commit availability check.
func CheckAvailability(lots []Lot, req AllocationRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	available := decimal.Zero
	for _, lot := range lots {
		if belongsTo(lot, req) && lot.HasStock() && !lot.IsExpiredAt(req.AsOf) {
			available = available.Add(lot.QuantityRemaining)
		}
	}

	deficit := req.QuantityNeeded.Sub(available)
	if deficit.LessThan(Epsilon) {
		return nil
	}
	return &InsufficientInventoryError{
		ItemID:     req.ItemID,
		LocationID: req.LocationID,
		Requested:  req.QuantityNeeded,
		Available:  available,
		Deficit:    deficit,
	}
}

func belongsTo(lot Lot, req AllocationRequest) bool {
	if lot.ItemID != "" && lot.ItemID != req.ItemID {
		return false
	}
	if req.LocationID != "" && lot.LocationID != "" && lot.LocationID != req.LocationID {
		return false
	}
	return true
}

func newPlan(req AllocationRequest) *AllocationPlan {
	return &AllocationPlan{
		ItemID:         req.ItemID,
		LocationID:     req.LocationID,
		Policy:         req.Policy,
		QuantityNeeded: req.QuantityNeeded,
		Records:        make([]AllocationRecord, 0),
		TotalAllocated: decimal.Zero,
		TotalCost:      decimal.Zero,
	}
}

func (p *AllocationPlan) add(lot Lot, qty decimal.Decimal) {
	lineCost := qty.Mul(lot.UnitCost)
	remainingAfter := lot.QuantityRemaining.Sub(qty)
	if isNegligible(remainingAfter) {
		remainingAfter = decimal.Zero
	}

	var expiry = lot.Expiry
	if expiry != nil {
		e := *expiry
		expiry = &e
	}

	p.Records = append(p.Records, AllocationRecord{
		LotID:             lot.ID,
		LotNumber:         lot.LotNumber,
		QuantityAllocated: qty,
		UnitCost:          lot.UnitCost,
		Expiry:            expiry,
		LineCost:          lineCost,
		RemainingAfter:    remainingAfter,
	})
	p.TotalAllocated = p.TotalAllocated.Add(qty)
	p.TotalCost = p.TotalCost.Add(lineCost)
}

func (p *AllocationPlan) finish() {
	shortage := p.QuantityNeeded.Sub(p.TotalAllocated)
	if shortage.LessThan(Epsilon) {
		shortage = decimal.Zero
	}
	p.Shortage = shortage
}
