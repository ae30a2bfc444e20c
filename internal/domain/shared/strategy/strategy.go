// Package strategy holds the naming contract shared by pluggable domain policies.
package strategy

// Kind groups strategies that are interchangeable for one decision
type Kind string

// KindAllocation covers lot ordering policies
const KindAllocation Kind = "allocation"

func (k Kind) String() string {
	return string(k)
}

// Strategy is implemented by every named, registrable policy.
type Strategy interface {
	Name() string
	Kind() Kind
	Description() string
}

// BaseStrategy is embedded by policies to satisfy Strategy.
type BaseStrategy struct {
	name        string
	kind        Kind
	description string
}

// NewBaseStrategy creates a new BaseStrategy
func NewBaseStrategy(name string, kind Kind, description string) BaseStrategy {
	return BaseStrategy{name: name, kind: kind, description: description}
}

func (s BaseStrategy) Name() string        { return s.name }
func (s BaseStrategy) Kind() Kind          { return s.kind }
func (s BaseStrategy) Description() string { return s.description }
