package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/erp/stockalloc/internal/domain/allocation"
	"github.com/erp/stockalloc/internal/domain/shared"
)

// PolicyRegistry manages lot ordering policy registrations
type PolicyRegistry struct {
	mu            sync.RWMutex
	policies      map[allocation.PolicyType]allocation.LotOrderingPolicy
	defaultPolicy allocation.PolicyType
}

// NewPolicyRegistry creates a new, empty policy registry
func NewPolicyRegistry() *PolicyRegistry {
	return &PolicyRegistry{
		policies: make(map[allocation.PolicyType]allocation.LotOrderingPolicy),
	}
}

// Register registers a lot ordering policy under its PolicyType
func (r *PolicyRegistry) Register(p allocation.LotOrderingPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := p.PolicyType()
	if !t.IsValid() {
		return fmt.Errorf("%w: policy '%s' has unknown type '%s'", shared.ErrInvalidRequest, p.Name(), t)
	}
	if _, exists := r.policies[t]; exists {
		return fmt.Errorf("%w: policy '%s' already registered", shared.ErrAlreadyExists, t)
	}
	r.policies[t] = p
	return nil
}

// Get returns the policy for t, or the default if t is empty
func (r *PolicyRegistry) Get(t allocation.PolicyType) (allocation.LotOrderingPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t == "" {
		t = r.defaultPolicy
		if t == "" {
			return nil, fmt.Errorf("%w: no default allocation policy set", shared.ErrNotFound)
		}
	}

	p, exists := r.policies[t]
	if !exists {
		return nil, fmt.Errorf("%w: allocation policy '%s' not found", shared.ErrNotFound, t)
	}
	return p, nil
}

// GetOrDefault returns the policy for t, or the default if t is not registered
func (r *PolicyRegistry) GetOrDefault(t allocation.PolicyType) allocation.LotOrderingPolicy {
	p, err := r.Get(t)
	if err != nil {
		p, _ = r.Get("")
	}
	return p
}

// List returns all registered policy types in sorted order
func (r *PolicyRegistry) List() []allocation.PolicyType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]allocation.PolicyType, 0, len(r.policies))
	for t := range r.policies {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Unregister removes a policy
func (r *PolicyRegistry) Unregister(t allocation.PolicyType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.policies[t]; !exists {
		return fmt.Errorf("%w: allocation policy '%s' not found", shared.ErrNotFound, t)
	}
	delete(r.policies, t)

	if r.defaultPolicy == t {
		r.defaultPolicy = ""
	}
	return nil
}

// SetDefault sets the policy used when a request names none
func (r *PolicyRegistry) SetDefault(t allocation.PolicyType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.policies[t]; !exists {
		return fmt.Errorf("%w: allocation policy '%s' not found", shared.ErrNotFound, t)
	}
	r.defaultPolicy = t
	return nil
}

// Default returns the default policy type
func (r *PolicyRegistry) Default() allocation.PolicyType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultPolicy
}

// IsRegistered returns true if a policy is registered for t
func (r *PolicyRegistry) IsRegistered(t allocation.PolicyType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.policies[t]
	return exists
}
