package strategy

import (
	"sync"
	"testing"

	"github.com/erp/stockalloc/internal/domain/allocation"
	"github.com/erp/stockalloc/internal/domain/shared"
	"github.com/erp/stockalloc/internal/domain/shared/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock policy reporting an arbitrary type
type mockPolicy struct {
	strategy.BaseStrategy
	policyType allocation.PolicyType
}

func newMockPolicy(t allocation.PolicyType) *mockPolicy {
	return &mockPolicy{
		BaseStrategy: strategy.NewBaseStrategy("mock", strategy.KindAllocation, "Mock policy"),
		policyType:   t,
	}
}

func (p *mockPolicy) PolicyType() allocation.PolicyType { return p.policyType }

func (p *mockPolicy) Sort(lots []allocation.Lot) []allocation.Lot { return lots }

func TestNewPolicyRegistry(t *testing.T) {
	r := NewPolicyRegistry()
	assert.NotNil(t, r)
	assert.Empty(t, r.List())
	assert.Equal(t, allocation.PolicyType(""), r.Default())
}

func TestRegister(t *testing.T) {
	r := NewPolicyRegistry()

	t.Run("successful registration", func(t *testing.T) {
		err := r.Register(allocation.NewFIFOPolicy())
		assert.NoError(t, err)
		assert.True(t, r.IsRegistered(allocation.PolicyFIFO))
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		err := r.Register(allocation.NewFIFOPolicy())
		assert.Error(t, err)
		assert.ErrorIs(t, err, shared.ErrAlreadyExists)
	})

	t.Run("unknown type fails", func(t *testing.T) {
		err := r.Register(newMockPolicy("LIFO"))
		assert.ErrorIs(t, err, shared.ErrInvalidRequest)
	})
}

func TestGet(t *testing.T) {
	r := NewPolicyRegistry()
	require.NoError(t, r.Register(allocation.NewFEFOPolicy()))

	t.Run("get by type", func(t *testing.T) {
		got, err := r.Get(allocation.PolicyFEFO)
		assert.NoError(t, err)
		assert.Equal(t, "fefo", got.Name())
	})

	t.Run("not found", func(t *testing.T) {
		_, err := r.Get(allocation.PolicyManual)
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("no default set", func(t *testing.T) {
		_, err := r.Get("")
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})

	t.Run("get default when type is empty", func(t *testing.T) {
		require.NoError(t, r.SetDefault(allocation.PolicyFEFO))
		got, err := r.Get("")
		assert.NoError(t, err)
		assert.Equal(t, allocation.PolicyFEFO, got.PolicyType())
	})
}

func TestGetOrDefault(t *testing.T) {
	r, err := NewRegistryWithDefaults(allocation.PolicyFIFO)
	require.NoError(t, err)

	assert.Equal(t, allocation.PolicyFEFO, r.GetOrDefault(allocation.PolicyFEFO).PolicyType())
	assert.Equal(t, allocation.PolicyFIFO, r.GetOrDefault("LIFO").PolicyType())
}

func TestUnregister(t *testing.T) {
	r, err := NewRegistryWithDefaults(allocation.PolicyFEFO)
	require.NoError(t, err)

	require.NoError(t, r.Unregister(allocation.PolicyFEFO))
	assert.False(t, r.IsRegistered(allocation.PolicyFEFO))
	assert.Equal(t, allocation.PolicyType(""), r.Default(), "default cleared with its policy")

	assert.ErrorIs(t, r.Unregister(allocation.PolicyFEFO), shared.ErrNotFound)
}

func TestSetDefault(t *testing.T) {
	r := NewPolicyRegistry()
	assert.ErrorIs(t, r.SetDefault(allocation.PolicyFIFO), shared.ErrNotFound)

	require.NoError(t, r.Register(allocation.NewFIFOPolicy()))
	require.NoError(t, r.SetDefault(allocation.PolicyFIFO))
	assert.Equal(t, allocation.PolicyFIFO, r.Default())
}

func TestNewRegistryWithDefaults(t *testing.T) {
	t.Run("empty default selects FEFO", func(t *testing.T) {
		r, err := NewRegistryWithDefaults("")
		require.NoError(t, err)
		assert.Equal(t, allocation.PolicyFEFO, r.Default())
		assert.Equal(t, []allocation.PolicyType{allocation.PolicyFEFO, allocation.PolicyFIFO, allocation.PolicyManual}, r.List())
	})

	t.Run("unknown default fails", func(t *testing.T) {
		_, err := NewRegistryWithDefaults("LIFO")
		assert.ErrorIs(t, err, shared.ErrNotFound)
	})
}

func TestConcurrentAccess(t *testing.T) {
	r, err := NewRegistryWithDefaults(allocation.PolicyFEFO)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = r.Get(allocation.PolicyFIFO)
			_ = r.List()
		}()
		go func() {
			defer wg.Done()
			_ = r.SetDefault(allocation.PolicyManual)
			_ = r.Default()
		}()
	}
	wg.Wait()

	assert.Equal(t, allocation.PolicyManual, r.Default())
}
