// Package pricing splits tax-inclusive prices into base price and tax.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/stockalloc/internal/domain/shared"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Decomposition is the base/tax split of a tax-inclusive price.
// Values are unrounded; callers round at presentation.
type Decomposition struct {
	UnitPriceInclusive decimal.Decimal
	TaxRatePercent     decimal.Decimal
	Quantity           decimal.Decimal
	BaseUnitPrice      decimal.Decimal
	TaxPerUnit         decimal.Decimal
	LineBaseTotal      decimal.Decimal
	LineTaxTotal       decimal.Decimal
}

// LineGrossTotal returns the tax-inclusive line total
func (d Decomposition) LineGrossTotal() decimal.Decimal {
	return d.LineBaseTotal.Add(d.LineTaxTotal)
}

// PriceLine is a line priced tax-inclusive
type PriceLine struct {
	ItemID             string
	Quantity           decimal.Decimal
	UnitPriceInclusive decimal.Decimal
	// TaxRate is the percentage; nil means not configured, which is distinct from 0%
	TaxRate *decimal.Decimal
}

// LineDecomposition pairs a line with its decomposition
type LineDecomposition struct {
	Line          PriceLine
	Decomposition Decomposition
}

// Decompose splits unitPriceInclusive at taxRatePercent:
// base = price / (1 + rate/100), tax = price - base.
func Decompose(unitPriceInclusive, taxRatePercent, quantity decimal.Decimal) (Decomposition, error) {
	if taxRatePercent.IsNegative() {
		return Decomposition{}, &shared.InvalidTaxRateError{Rate: taxRatePercent}
	}
	if unitPriceInclusive.IsNegative() {
		return Decomposition{}, shared.NewInvalidRequestError("unit_price_inclusive", "must not be negative")
	}
	if quantity.IsNegative() {
		return Decomposition{}, shared.NewInvalidRequestError("quantity", "must not be negative")
	}

	base := unitPriceInclusive.Div(decimal.NewFromInt(1).Add(taxRatePercent.Div(hundred)))
	taxPerUnit := unitPriceInclusive.Sub(base)

	return Decomposition{
		UnitPriceInclusive: unitPriceInclusive,
		TaxRatePercent:     taxRatePercent,
		Quantity:           quantity,
		BaseUnitPrice:      base,
		TaxPerUnit:         taxPerUnit,
		LineBaseTotal:      base.Mul(quantity),
		LineTaxTotal:       taxPerUnit.Mul(quantity),
	}, nil
}

// DecomposeLine decomposes a line. A line without a configured tax rate fails
// with MissingTaxRateError; it is never priced at 0%.
func DecomposeLine(line PriceLine) (Decomposition, error) {
	if line.TaxRate == nil {
		return Decomposition{}, &shared.MissingTaxRateError{ItemID: line.ItemID}
	}
	d, err := Decompose(line.UnitPriceInclusive, *line.TaxRate, line.Quantity)
	if err != nil {
		var invalid *shared.InvalidTaxRateError
		if errors.As(err, &invalid) {
			invalid.ItemID = line.ItemID
		}
		return Decomposition{}, err
	}
	return d, nil
}

// TaxRateLookup resolves the configured tax rate percentage for an item.
// found is false when no rate is configured.
type TaxRateLookup interface {
	GetRate(ctx context.Context, itemID string) (rate decimal.Decimal, found bool, err error)
}

// Resolver decomposes lines, filling unset rates from a TaxRateLookup
type Resolver struct {
	lookup TaxRateLookup
}

// NewResolver creates a new Resolver
func NewResolver(lookup TaxRateLookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// DecomposeLines decomposes every line in order. Lines that already carry a rate
// keep it; the rest are looked up. The first failure aborts the whole batch.
func (r *Resolver) DecomposeLines(ctx context.Context, lines []PriceLine) ([]LineDecomposition, error) {
	out := make([]LineDecomposition, 0, len(lines))
	for _, line := range lines {
		if line.TaxRate == nil {
			rate, err := r.Rate(ctx, line.ItemID)
			if err != nil {
				return nil, err
			}
			line.TaxRate = &rate
		}

		d, err := DecomposeLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, LineDecomposition{Line: line, Decomposition: d})
	}
	return out, nil
}

// Rate returns the configured rate for itemID or MissingTaxRateError
func (r *Resolver) Rate(ctx context.Context, itemID string) (decimal.Decimal, error) {
	rate, found, err := r.lookup.GetRate(ctx, itemID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to look up tax rate for item %s: %w", itemID, err)
	}
	if !found {
		return decimal.Zero, &shared.MissingTaxRateError{ItemID: itemID}
	}
	return rate, nil
}
