// Package costing apportions shared cost pools (transport, handling) across
// committed lines in proportion to their weight.
package costing

import (
	"sort"

	"github.com/erp/stockalloc/internal/domain/shared"
	"github.com/shopspring/decimal"
)

// OutputPlaces is the number of decimal places allocated amounts are rounded to
const OutputPlaces int32 = 2

// DefaultWeightPerUnit is used for lines whose weight per unit is not configured.
// Lines that fall back to it are flagged with WeightDefaulted.
var DefaultWeightPerUnit = decimal.NewFromInt(1)

// CostLine is a committed line taking part in a distribution
type CostLine struct {
	ItemID   string
	Quantity decimal.Decimal
	// WeightPerUnit is nil when the item has no weight configured
	WeightPerUnit *decimal.Decimal
}

// CostPool maps a shared cost name (e.g. "transport") to its amount
type CostPool map[string]decimal.Decimal

// Names returns the pool names in sorted order
func (p CostPool) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Total returns the sum of all pool amounts
func (p CostPool) Total() decimal.Decimal {
	total := decimal.Zero
	for _, amount := range p {
		total = total.Add(amount)
	}
	return total
}

// LineShare is one line's share of every pool
type LineShare struct {
	ItemID          string
	Quantity        decimal.Decimal
	WeightPerUnit   decimal.Decimal
	TotalWeight     decimal.Decimal
	WeightFraction  decimal.Decimal
	WeightDefaulted bool
	// Allocated holds the amount per pool, rounded to OutputPlaces
	Allocated map[string]decimal.Decimal
	// Rate holds the pool's rate per unit weight
	Rate map[string]decimal.Decimal
}

// TotalAllocated returns the line's share summed across pools
func (l LineShare) TotalAllocated() decimal.Decimal {
	total := decimal.Zero
	for _, amount := range l.Allocated {
		total = total.Add(amount)
	}
	return total
}

// CostDistributionResult is the outcome of distributing pools across lines
type CostDistributionResult struct {
	TotalWeight decimal.Decimal
	Pools       CostPool
	Rates       map[string]decimal.Decimal
	Lines       []LineShare
	// Undistributable is set when the total weight is zero and nothing could be apportioned
	Undistributable bool
}

// AllocatedTotal returns the rounded per-line amounts for pool summed across lines
func (r *CostDistributionResult) AllocatedTotal(pool string) decimal.Decimal {
	total := decimal.Zero
	for _, line := range r.Lines {
		total = total.Add(line.Allocated[pool])
	}
	return total
}

// Drift returns pool amount minus the rounded per-line total. Its magnitude is
// bounded by len(Lines) × 0.005 when the pool was distributable.
func (r *CostDistributionResult) Drift(pool string) decimal.Decimal {
	return r.Pools[pool].Sub(r.AllocatedTotal(pool))
}

// DefaultedItems returns the item IDs of lines that used the default weight
func (r *CostDistributionResult) DefaultedItems() []string {
	items := make([]string, 0)
	for _, line := range r.Lines {
		if line.WeightDefaulted {
			items = append(items, line.ItemID)
		}
	}
	return items
}

// Distributor apportions cost pools by line weight. It holds no per-call state.
type Distributor struct {
	defaultWeightPerUnit decimal.Decimal
}

// DistributorOption is a functional option for configuring Distributor
type DistributorOption func(*Distributor)

// WithDefaultWeightPerUnit overrides the weight used for lines without one
func WithDefaultWeightPerUnit(w decimal.Decimal) DistributorOption {
	return func(d *Distributor) {
		if w.IsPositive() {
			d.defaultWeightPerUnit = w
		}
	}
}

// NewDistributor creates a new Distributor
func NewDistributor(opts ...DistributorOption) *Distributor {
	d := &Distributor{defaultWeightPerUnit: DefaultWeightPerUnit}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DefaultWeight returns the weight per unit applied to lines without one
func (d *Distributor) DefaultWeight() decimal.Decimal {
	return d.defaultWeightPerUnit
}

// Distribute splits every pool across lines by weight. Amounts are rounded only
// at output. A zero total weight yields all-zero shares and Undistributable.
func (d *Distributor) Distribute(lines []CostLine, pools CostPool) (*CostDistributionResult, error) {
	if err := validate(lines, pools); err != nil {
		return nil, err
	}

	names := pools.Names()
	shares := make([]LineShare, len(lines))
	totalWeight := decimal.Zero
	for i, line := range lines {
		perUnit, defaulted := d.defaultWeightPerUnit, true
		if line.WeightPerUnit != nil {
			perUnit, defaulted = *line.WeightPerUnit, false
		}
		weight := line.Quantity.Mul(perUnit)
		shares[i] = LineShare{
			ItemID:          line.ItemID,
			Quantity:        line.Quantity,
			WeightPerUnit:   perUnit,
			TotalWeight:     weight,
			WeightFraction:  decimal.Zero,
			WeightDefaulted: defaulted,
			Allocated:       make(map[string]decimal.Decimal, len(names)),
			Rate:            make(map[string]decimal.Decimal, len(names)),
		}
		totalWeight = totalWeight.Add(weight)
	}

	result := &CostDistributionResult{
		TotalWeight:     totalWeight,
		Pools:           copyPool(pools),
		Rates:           make(map[string]decimal.Decimal, len(names)),
		Lines:           shares,
		Undistributable: totalWeight.IsZero(),
	}

	for _, name := range names {
		rate := decimal.Zero
		if !result.Undistributable {
			rate = pools[name].Div(totalWeight)
		}
		result.Rates[name] = rate
		for i := range shares {
			shares[i].Rate[name] = rate
			shares[i].Allocated[name] = shares[i].TotalWeight.Mul(rate).Round(OutputPlaces)
		}
	}

	if !result.Undistributable {
		for i := range shares {
			shares[i].WeightFraction = shares[i].TotalWeight.Div(totalWeight)
		}
	}

	return result, nil
}

func validate(lines []CostLine, pools CostPool) error {
	for _, line := range lines {
		if line.Quantity.IsNegative() {
			return shared.NewInvalidRequestError("quantity", "must not be negative for item "+line.ItemID)
		}
		if line.WeightPerUnit != nil && line.WeightPerUnit.IsNegative() {
			return shared.NewInvalidRequestError("weight_per_unit", "must not be negative for item "+line.ItemID)
		}
	}
	for name, amount := range pools {
		if name == "" {
			return shared.NewInvalidRequestError("pool", "name is required")
		}
		if amount.IsNegative() {
			return shared.NewInvalidRequestError("pool", "amount must not be negative for "+name)
		}
	}
	return nil
}

func copyPool(pools CostPool) CostPool {
	out := make(CostPool, len(pools))
	for k, v := range pools {
		out[k] = v
	}
	return out
}
