// Package allocation orchestrates lot planning and commit for the call sites
// that consume stock: production sourcing, outbound dispatch and sales.
package allocation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/erp/stockalloc/internal/domain/allocation"
	"github.com/erp/stockalloc/internal/domain/shared"
	"github.com/erp/stockalloc/internal/infrastructure/config"
	"github.com/erp/stockalloc/internal/infrastructure/logger"
	"github.com/erp/stockalloc/internal/infrastructure/telemetry"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const serviceName = "AllocationService"

// PolicyResolver looks up the ordering policy for a request. An empty type means the default.
type PolicyResolver interface {
	Get(t allocation.PolicyType) (allocation.LotOrderingPolicy, error)
}

// Service plans allocations against the lot catalog and commits them
type Service struct {
	catalog    allocation.LotCatalog
	policies   PolicyResolver
	allocator  *allocation.Allocator
	committer  allocation.Committer
	locker     allocation.ItemLocker
	metrics    *telemetry.AllocationMetrics
	logger     *zap.Logger
	ioTimeout  time.Duration
	maxRetries int
	now        func() time.Time
}

// ServiceOption is a functional option for configuring Service
type ServiceOption func(*Service)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// WithItemLocker serialises plan-and-commit per item and location
func WithItemLocker(l allocation.ItemLocker) ServiceOption {
	return func(s *Service) {
		s.locker = l
	}
}

// WithMetrics records plan and commit metrics
func WithMetrics(m *telemetry.AllocationMetrics) ServiceOption {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithIOTimeout bounds each catalog read and commit
func WithIOTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.ioTimeout = d
	}
}

// WithMaxConflictRetries sets how many times a commit is re-planned after a lot conflict
func WithMaxConflictRetries(n int) ServiceOption {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithConfig applies the allocation section of the configuration
func WithConfig(cfg config.AllocationConfig) ServiceOption {
	return func(s *Service) {
		WithIOTimeout(cfg.IOTimeout)(s)
		WithMaxConflictRetries(cfg.MaxConflictRetries)(s)
	}
}

// WithClock overrides the time source for commit timestamps
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a new allocation Service
func NewService(
	catalog allocation.LotCatalog,
	policies PolicyResolver,
	committer allocation.Committer,
	opts ...ServiceOption,
) *Service {
	s := &Service{
		catalog:    catalog,
		policies:   policies,
		allocator:  allocation.NewAllocator(),
		committer:  committer,
		logger:     zap.NewNop(),
		ioTimeout:  5 * time.Second,
		maxRetries: 1,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Plan builds an allocation plan for req from the lots currently in the catalog.
// A shortage is reported on the plan, not as an error.
func (s *Service) Plan(ctx context.Context, req allocation.AllocationRequest) (*allocation.AllocationPlan, error) {
	ctx, span := telemetry.StartServiceSpan(ctx, serviceName, "Plan",
		telemetry.WithAttribute(telemetry.SpanAttrItemID, req.ItemID),
		telemetry.WithAttribute(telemetry.SpanAttrLocationID, req.LocationID),
		telemetry.WithAttribute(telemetry.SpanAttrQuantityNeeded, req.QuantityNeeded),
	)
	defer span.End()

	plan, lotCount, err := s.plan(ctx, req, nil)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	telemetry.SetAttributes(span,
		telemetry.SpanAttrPolicy, string(plan.Policy),
		telemetry.SpanAttrLotCount, lotCount,
		telemetry.SpanAttrShortage, plan.Shortage,
	)
	telemetry.SetOK(span)
	return plan, nil
}

// plan allocates req from the catalog with the quantities already in taken held back
func (s *Service) plan(ctx context.Context, req allocation.AllocationRequest, taken lotTakes) (*allocation.AllocationPlan, int, error) {
	policy, err := s.policies.Get(req.Policy)
	if err != nil {
		return nil, 0, shared.NewInvalidRequestError("policy", err.Error())
	}
	req.Policy = policy.PolicyType()

	if err := req.Validate(); err != nil {
		return nil, 0, err
	}

	lots, err := s.availableLots(ctx, req.ItemID, req.LocationID)
	if err != nil {
		return nil, 0, err
	}
	lots = taken.holdBack(lots)

	plan, err := s.allocator.Allocate(policy.Sort(lots), req)
	if err != nil {
		return nil, len(lots), err
	}

	s.metrics.RecordPlan(ctx, string(plan.Policy), plan.IsFulfilled())

	log := logger.WithTraceContext(ctx, s.logger)
	if plan.IsFulfilled() {
		log.Debug("Allocation plan built",
			zap.String("item_id", plan.ItemID),
			zap.String("location_id", plan.LocationID),
			zap.String("policy", string(plan.Policy)),
			zap.Int("records", len(plan.Records)),
			zap.String("total_cost", plan.TotalCost.String()),
		)
	} else {
		log.Info("Allocation plan has a shortage",
			zap.String("item_id", plan.ItemID),
			zap.String("location_id", plan.LocationID),
			zap.String("policy", string(plan.Policy)),
			zap.String("quantity_needed", plan.QuantityNeeded.String()),
			zap.String("shortage", plan.Shortage.String()),
		)
	}
	return plan, len(lots), nil
}

func (s *Service) availableLots(ctx context.Context, itemID, locationID string) ([]allocation.Lot, error) {
	ioCtx, cancel := s.withIOTimeout(ctx)
	defer cancel()

	lots, err := s.catalog.GetAvailableLots(ioCtx, itemID, locationID)
	if err != nil {
		return nil, fmt.Errorf("get available lots: %w", err)
	}
	return lots, nil
}

func (s *Service) withIOTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.ioTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.ioTimeout)
}

// CheckAvailability fails with an InsufficientInventoryError when the catalog
// cannot cover req, without building a plan
func (s *Service) CheckAvailability(ctx context.Context, req allocation.AllocationRequest) error {
	if req.Policy == "" {
		req.Policy = allocation.PolicyFIFO
	}
	lots, err := s.availableLots(ctx, req.ItemID, req.LocationID)
	if err != nil {
		return err
	}
	return allocation.CheckAvailability(lots, req)
}

// ExpiringLots returns the lots of an item at a location that expire within window after asOf
func (s *Service) ExpiringLots(ctx context.Context, itemID, locationID string, asOf time.Time, window time.Duration) ([]allocation.Lot, error) {
	lots, err := s.availableLots(ctx, itemID, locationID)
	if err != nil {
		return nil, err
	}
	expiring := allocation.ExpiringWithin(lots, asOf, window)
	sort.SliceStable(expiring, func(i, j int) bool { return expiring[i].Expiry.Before(*expiring[j].Expiry) })
	return expiring, nil
}

// CommitCommand asks for a set of requests to be planned and committed as one transaction
type CommitCommand struct {
	// TransactionID is generated when nil
	TransactionID   uuid.UUID
	TransactionType allocation.TransactionType
	Requests        []allocation.AllocationRequest
	// AllowPartial commits plans with a shortage instead of failing with InsufficientInventory
	AllowPartial bool
}

// CommitOutcome is the result of a successful commit
type CommitOutcome struct {
	Plans    []*allocation.AllocationPlan
	Result   *allocation.CommitResult
	Attempts int
}

// Commit plans every request and commits the plans atomically. When a lot changed
// between planning and commit, it re-plans from fresh lots up to the configured
// number of retries before surfacing the LotConflictError.
func (s *Service) Commit(ctx context.Context, cmd CommitCommand) (*CommitOutcome, error) {
	if !cmd.TransactionType.IsValid() {
		return nil, shared.NewInvalidRequestError("transaction_type", "unknown transaction type "+string(cmd.TransactionType))
	}
	if len(cmd.Requests) == 0 {
		return nil, shared.NewInvalidRequestError("requests", "at least one allocation request is required")
	}
	if cmd.TransactionID == uuid.Nil {
		cmd.TransactionID = uuid.New()
	}

	ctx, span := telemetry.StartServiceSpan(ctx, serviceName, "Commit",
		telemetry.WithAttribute(telemetry.SpanAttrTransactionID, cmd.TransactionID),
		telemetry.WithAttribute(telemetry.SpanAttrTransactionType, string(cmd.TransactionType)),
	)
	defer span.End()

	ctx, log := logger.WithTransactionID(ctx, s.logger, cmd.TransactionID.String())
	started := s.now()
	txType := string(cmd.TransactionType)

	unlock, err := s.lockAll(ctx, cmd.Requests)
	if err != nil {
		s.metrics.RecordCommit(ctx, txType, telemetry.OutcomeFailed, s.now().Sub(started))
		telemetry.RecordError(span, err)
		return nil, err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		telemetry.SetAttributes(span, telemetry.SpanAttrAttempt, attempt+1)

		outcome, err := s.commitOnce(ctx, cmd)
		if err == nil {
			outcome.Attempts = attempt + 1
			s.metrics.RecordCommit(ctx, txType, telemetry.OutcomeCommitted, s.now().Sub(started))
			log.Info("Allocation committed",
				zap.String("transaction_type", txType),
				zap.Int("plans", len(outcome.Plans)),
				zap.Int("records", len(outcome.Result.Records)),
				zap.Int("attempts", outcome.Attempts),
			)
			telemetry.SetOK(span)
			return outcome, nil
		}

		if !shared.IsRetryable(err) {
			outcomeLabel := telemetry.OutcomeFailed
			if shared.ErrorCode(err) == shared.ErrInsufficientInventory.Code {
				outcomeLabel = telemetry.OutcomeShortage
			}
			s.metrics.RecordCommit(ctx, txType, outcomeLabel, s.now().Sub(started))
			telemetry.RecordError(span, err)
			return nil, err
		}

		s.metrics.RecordLotConflict(ctx, txType)
		if attempt >= s.maxRetries {
			log.Warn("Lot conflict persisted after re-planning",
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			s.metrics.RecordCommit(ctx, txType, telemetry.OutcomeConflict, s.now().Sub(started))
			telemetry.RecordError(span, err)
			return nil, err
		}

		log.Info("Lot changed since planning, re-planning",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		telemetry.AddEvent(span, "replan", telemetry.SpanAttrAttempt, attempt+1)
	}
}

func (s *Service) commitOnce(ctx context.Context, cmd CommitCommand) (*CommitOutcome, error) {
	plans := make([]*allocation.AllocationPlan, 0, len(cmd.Requests))
	taken := make(lotTakes)
	for _, req := range cmd.Requests {
		plan, _, err := s.plan(ctx, req, taken)
		if err != nil {
			return nil, err
		}
		if !cmd.AllowPartial {
			if err := plan.RequireFulfilled(); err != nil {
				return nil, err
			}
		}
		taken.add(plan)
		plans = append(plans, plan)
	}

	ioCtx, cancel := s.withIOTimeout(ctx)
	defer cancel()

	result, err := s.committer.Commit(ioCtx, allocation.CommitRequest{
		TransactionID:   cmd.TransactionID,
		TransactionType: cmd.TransactionType,
		Plans:           plans,
		CommittedAt:     s.now(),
	})
	if err != nil {
		return nil, err
	}
	return &CommitOutcome{Plans: plans, Result: result}, nil
}

// lotTakes is the quantity per lot ID that earlier lines of the same commit
// have already planned. Later lines only see what is left.
type lotTakes map[string]decimal.Decimal

func (t lotTakes) add(plan *allocation.AllocationPlan) {
	for _, rec := range plan.Records {
		t[rec.LotID] = t[rec.LotID].Add(rec.QuantityAllocated)
	}
}

// holdBack returns lots with the taken quantities subtracted. Lots that are
// used up are dropped. The input slice is not modified.
func (t lotTakes) holdBack(lots []allocation.Lot) []allocation.Lot {
	if len(t) == 0 {
		return lots
	}
	out := make([]allocation.Lot, 0, len(lots))
	for _, lot := range lots {
		if q, ok := t[lot.ID]; ok {
			lot.QuantityRemaining = lot.QuantityRemaining.Sub(q)
			if lot.QuantityRemaining.LessThanOrEqual(allocation.Epsilon) {
				continue
			}
		}
		out = append(out, lot)
	}
	return out
}

type itemKey struct {
	itemID     string
	locationID string
}

// lockAll takes the item locks in a fixed order so two commits touching the
// same items cannot deadlock. The returned function releases them in reverse.
func (s *Service) lockAll(ctx context.Context, reqs []allocation.AllocationRequest) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}

	seen := make(map[itemKey]bool, len(reqs))
	keys := make([]itemKey, 0, len(reqs))
	for _, r := range reqs {
		k := itemKey{r.ItemID, r.LocationID}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].itemID != keys[j].itemID {
			return keys[i].itemID < keys[j].itemID
		}
		return keys[i].locationID < keys[j].locationID
	})

	unlocks := make([]func(context.Context) error, 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			if err := unlocks[i](context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("Failed to release item lock", zap.Error(err))
			}
		}
	}

	for _, k := range keys {
		unlock, err := s.locker.Lock(ctx, k.itemID, k.locationID)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}
