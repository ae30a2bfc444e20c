package strategy

import (
	"github.com/erp/stockalloc/internal/domain/allocation"
)

// NewRegistryWithDefaults creates a registry holding the FEFO, FIFO and MANUAL
// policies, with defaultPolicy as the default. An empty defaultPolicy selects FEFO.
func NewRegistryWithDefaults(defaultPolicy allocation.PolicyType) (*PolicyRegistry, error) {
	r := NewPolicyRegistry()

	if err := r.Register(allocation.NewFEFOPolicy()); err != nil {
		return nil, err
	}
	if err := r.Register(allocation.NewFIFOPolicy()); err != nil {
		return nil, err
	}
	if err := r.Register(allocation.NewManualPolicy()); err != nil {
		return nil, err
	}

	if defaultPolicy == "" {
		defaultPolicy = allocation.PolicyFEFO
	}
	if err := r.SetDefault(defaultPolicy); err != nil {
		return nil, err
	}

	return r, nil
}
