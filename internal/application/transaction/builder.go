// Package transaction merges committed allocation plans, shared cost
// distribution and price decompositions into a record for the transaction
// assembler.
package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/erp/stockalloc/internal/domain/allocation"
	"github.com/erp/stockalloc/internal/domain/costing"
	"github.com/erp/stockalloc/internal/domain/pricing"
	"github.com/erp/stockalloc/internal/domain/shared"
	"github.com/erp/stockalloc/internal/infrastructure/logger"
	"github.com/erp/stockalloc/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const serviceName = "TransactionBuilder"

// MoneyPlaces is the precision of the amounts in a FinancialSummary
const MoneyPlaces = 2

// TransactionInput is everything needed to describe one committed transaction
type TransactionInput struct {
	TransactionID   uuid.UUID
	TransactionType allocation.TransactionType
	Plans           []*allocation.AllocationPlan
	// SharedCosts are apportioned across plans by weight; may be empty
	SharedCosts costing.CostPool
	// WeightPerUnit by item ID; items without an entry use the distributor default
	WeightPerUnit map[string]decimal.Decimal
	// PriceLines are required for sale-type transactions and ignored otherwise
	PriceLines  []pricing.PriceLine
	CommittedAt time.Time
}

// FinancialSummary totals a transaction
type FinancialSummary struct {
	GoodsCost   decimal.Decimal
	SharedCosts decimal.Decimal
	LandedCost  decimal.Decimal
	BaseTotal   decimal.Decimal
	TaxTotal    decimal.Decimal
	GrossTotal  decimal.Decimal
}

// RecordLine is one plan with its share of the shared costs
type RecordLine struct {
	Plan  *allocation.AllocationPlan
	Share *costing.LineShare
}

// LandedCost returns the lot cost of the line plus its shared cost share
func (l RecordLine) LandedCost() decimal.Decimal {
	total := l.Plan.TotalCost
	if l.Share != nil {
		total = total.Add(l.Share.TotalAllocated())
	}
	return total
}

// TransactionRecord is the merged view handed to the Assembler
type TransactionRecord struct {
	TransactionID   uuid.UUID
	TransactionType allocation.TransactionType
	CommittedAt     time.Time
	Lines           []RecordLine
	Distribution    *costing.CostDistributionResult
	Pricing         []pricing.LineDecomposition
	Summary         FinancialSummary
}

// Assembler persists a transaction record. It is implemented outside this module.
type Assembler interface {
	Assemble(ctx context.Context, record *TransactionRecord) error
}

// Builder builds TransactionRecords
type Builder struct {
	distributor *costing.Distributor
	resolver    *pricing.Resolver
	logger      *zap.Logger
}

// BuilderOption is a functional option for configuring Builder
type BuilderOption func(*Builder)

// WithDistributor sets the shared cost distributor
func WithDistributor(d *costing.Distributor) BuilderOption {
	return func(b *Builder) {
		b.distributor = d
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = l
	}
}

// NewBuilder creates a Builder. resolver may be nil when no sale-type
// transactions are built.
func NewBuilder(resolver *pricing.Resolver, opts ...BuilderOption) *Builder {
	b := &Builder{
		distributor: costing.NewDistributor(),
		resolver:    resolver,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build merges the input into a TransactionRecord. Sale-type transactions fail
// with MissingTaxRateError when any price line has no configured rate.
func (b *Builder) Build(ctx context.Context, in TransactionInput) (*TransactionRecord, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, serviceName, "Build",
		telemetry.WithAttribute(telemetry.SpanAttrTransactionID, in.TransactionID),
		telemetry.WithAttribute(telemetry.SpanAttrTransactionType, string(in.TransactionType)),
	)
	defer span.End()

	record, err := b.build(ctx, in)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.SetOK(span)
	return record, nil
}

// BuildAndAssemble builds the record and hands it to assembler
func (b *Builder) BuildAndAssemble(ctx context.Context, in TransactionInput, assembler Assembler) (*TransactionRecord, error) {
	record, err := b.Build(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := assembler.Assemble(ctx, record); err != nil {
		return nil, fmt.Errorf("assemble transaction %s: %w", in.TransactionID, err)
	}
	return record, nil
}

func (b *Builder) build(ctx context.Context, in TransactionInput) (*TransactionRecord, error) {
	if !in.TransactionType.IsValid() {
		return nil, shared.NewInvalidRequestError("transaction_type", "unknown transaction type "+string(in.TransactionType))
	}
	if len(in.Plans) == 0 {
		return nil, shared.NewInvalidRequestError("plans", "at least one plan is required")
	}
	for _, p := range in.Plans {
		if p == nil {
			return nil, shared.NewInvalidRequestError("plans", "must not contain nil plans")
		}
	}

	log := logger.WithTraceContext(ctx, b.logger).With(
		zap.String("transaction_id", in.TransactionID.String()),
		zap.String("transaction_type", string(in.TransactionType)),
	)

	record := &TransactionRecord{
		TransactionID:   in.TransactionID,
		TransactionType: in.TransactionType,
		CommittedAt:     in.CommittedAt,
		Lines:           make([]RecordLine, len(in.Plans)),
	}
	for i, p := range in.Plans {
		record.Lines[i] = RecordLine{Plan: p}
	}

	if len(in.SharedCosts) > 0 {
		dist, err := b.distributor.Distribute(costLines(in.Plans, in.WeightPerUnit), in.SharedCosts)
		if err != nil {
			return nil, err
		}
		for i := range dist.Lines {
			record.Lines[i].Share = &dist.Lines[i]
		}
		record.Distribution = dist

		if defaulted := dist.DefaultedItems(); len(defaulted) > 0 {
			log.Warn("Shared costs distributed with default item weight",
				zap.Strings("item_ids", defaulted),
				zap.String("default_weight_per_unit", b.distributor.DefaultWeight().String()),
			)
		}
		if dist.Undistributable {
			log.Warn("Shared costs could not be distributed, total weight is zero",
				zap.String("pool_total", in.SharedCosts.Total().String()),
			)
		}
	}

	if in.TransactionType.RequiresTax() {
		if len(in.PriceLines) == 0 {
			return nil, shared.NewInvalidRequestError("price_lines", "are required for "+string(in.TransactionType))
		}
		if b.resolver == nil {
			return nil, fmt.Errorf("no tax rate resolver configured for %s transactions", in.TransactionType)
		}
		lines, err := b.resolver.DecomposeLines(ctx, in.PriceLines)
		if err != nil {
			return nil, err
		}
		record.Pricing = lines
	}

	record.Summary = summarize(record)
	return record, nil
}

func costLines(plans []*allocation.AllocationPlan, weights map[string]decimal.Decimal) []costing.CostLine {
	lines := make([]costing.CostLine, len(plans))
	for i, p := range plans {
		lines[i] = costing.CostLine{ItemID: p.ItemID, Quantity: p.TotalAllocated}
		if w, ok := weights[p.ItemID]; ok {
			lines[i].WeightPerUnit = &w
		}
	}
	return lines
}

func summarize(r *TransactionRecord) FinancialSummary {
	var s FinancialSummary
	for _, l := range r.Lines {
		s.GoodsCost = s.GoodsCost.Add(l.Plan.TotalCost)
		if l.Share != nil {
			s.SharedCosts = s.SharedCosts.Add(l.Share.TotalAllocated())
		}
	}
	for _, p := range r.Pricing {
		s.BaseTotal = s.BaseTotal.Add(p.Decomposition.LineBaseTotal)
		s.TaxTotal = s.TaxTotal.Add(p.Decomposition.LineTaxTotal)
	}

	s.GoodsCost = s.GoodsCost.Round(MoneyPlaces)
	s.SharedCosts = s.SharedCosts.Round(MoneyPlaces)
	s.LandedCost = s.GoodsCost.Add(s.SharedCosts)
	s.BaseTotal = s.BaseTotal.Round(MoneyPlaces)
	s.TaxTotal = s.TaxTotal.Round(MoneyPlaces)
	s.GrossTotal = s.BaseTotal.Add(s.TaxTotal)
	return s
}
