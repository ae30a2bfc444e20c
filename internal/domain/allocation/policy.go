package allocation

import (
	"sort"

	"github.com/erp/stockalloc/internal/domain/shared/strategy"
)

// PolicyType selects how lots are ordered for consumption
type PolicyType string

const (
	// PolicyFEFO consumes the lot closest to expiry first
	PolicyFEFO PolicyType = "FEFO"
	// PolicyFIFO consumes the earliest intake first
	PolicyFIFO PolicyType = "FIFO"
	// PolicyManual takes caller-specified quantities per lot
	PolicyManual PolicyType = "MANUAL"
)

// IsValid checks if the policy type is valid
func (t PolicyType) IsValid() bool {
	switch t {
	case PolicyFEFO, PolicyFIFO, PolicyManual:
		return true
	}
	return false
}

// String returns the string representation
func (t PolicyType) String() string {
	return string(t)
}

// AllPolicyTypes returns all valid policy types
func AllPolicyTypes() []PolicyType {
	return []PolicyType{PolicyFEFO, PolicyFIFO, PolicyManual}
}

// LotOrderingPolicy orders lots for consumption. Sort is deterministic and
// returns a new slice; the input is never reordered.
type LotOrderingPolicy interface {
	strategy.Strategy
	PolicyType() PolicyType
	Sort(lots []Lot) []Lot
}

// FEFOPolicy orders lots by expiry (earliest first). Lots without expiry go last;
// ties fall back to intake sequence.
type FEFOPolicy struct {
	strategy.BaseStrategy
}

// NewFEFOPolicy creates a new FEFO policy
func NewFEFOPolicy() *FEFOPolicy {
	return &FEFOPolicy{
		BaseStrategy: strategy.NewBaseStrategy(
			"fefo",
			strategy.KindAllocation,
			"First Expired First Out - consumes lots closest to expiry first",
		),
	}
}

// PolicyType returns PolicyFEFO
func (p *FEFOPolicy) PolicyType() PolicyType { return PolicyFEFO }

// Sort orders lots by expiry, then intake sequence, then ID
func (p *FEFOPolicy) Sort(lots []Lot) []Lot {
	sorted := cloneLots(lots)
	sort.SliceStable(sorted, func(i, j int) bool {
		ei, ej := sorted[i].Expiry, sorted[j].Expiry
		switch {
		case ei != nil && ej != nil:
			if !ei.Equal(*ej) {
				return ei.Before(*ej)
			}
		case ei != nil:
			return true
		case ej != nil:
			return false
		}
		return byIntake(sorted[i], sorted[j])
	})
	return sorted
}

// FIFOPolicy orders lots by intake sequence (oldest first)
type FIFOPolicy struct {
	strategy.BaseStrategy
}

// NewFIFOPolicy creates a new FIFO policy
func NewFIFOPolicy() *FIFOPolicy {
	return &FIFOPolicy{
		BaseStrategy: strategy.NewBaseStrategy(
			"fifo",
			strategy.KindAllocation,
			"First In First Out - consumes lots in intake order",
		),
	}
}

// PolicyType returns PolicyFIFO
func (p *FIFOPolicy) PolicyType() PolicyType { return PolicyFIFO }

// Sort orders lots by intake sequence, then ID
func (p *FIFOPolicy) Sort(lots []Lot) []Lot {
	sorted := cloneLots(lots)
	sort.SliceStable(sorted, func(i, j int) bool {
		return byIntake(sorted[i], sorted[j])
	})
	return sorted
}

// ManualPolicy keeps catalog order; the caller decides quantities per lot
type ManualPolicy struct {
	strategy.BaseStrategy
}

// NewManualPolicy creates a new manual policy
func NewManualPolicy() *ManualPolicy {
	return &ManualPolicy{
		BaseStrategy: strategy.NewBaseStrategy(
			"manual",
			strategy.KindAllocation,
			"Manual - uses caller-specified quantities per lot, no automatic top-up",
		),
	}
}

// PolicyType returns PolicyManual
func (p *ManualPolicy) PolicyType() PolicyType { return PolicyManual }

// Sort returns a copy of lots in their original order
func (p *ManualPolicy) Sort(lots []Lot) []Lot {
	return cloneLots(lots)
}

// PolicyFor returns the built-in policy for t
func PolicyFor(t PolicyType) (LotOrderingPolicy, error) {
	switch t {
	case PolicyFEFO:
		return NewFEFOPolicy(), nil
	case PolicyFIFO:
		return NewFIFOPolicy(), nil
	case PolicyManual:
		return NewManualPolicy(), nil
	default:
		return nil, newInvalid("policy", "unknown allocation policy "+string(t))
	}
}

func byIntake(a, b Lot) bool {
	if a.IntakeSequence != b.IntakeSequence {
		return a.IntakeSequence < b.IntakeSequence
	}
	return a.ID < b.ID
}

func cloneLots(lots []Lot) []Lot {
	out := make([]Lot, len(lots))
	copy(out, lots)
	return out
}
