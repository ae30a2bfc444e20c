package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Outcome values recorded under AttrOutcome
const (
	OutcomeFulfilled = "fulfilled"
	OutcomeShortage  = "shortage"
	OutcomeCommitted = "committed"
	OutcomeConflict  = "conflict"
	OutcomeFailed    = "failed"
)

// AllocationMetrics records plan and commit activity. A nil *AllocationMetrics is
// valid and records nothing.
type AllocationMetrics struct {
	plansTotal     *Counter
	lotConflicts   *Counter
	commitsTotal   *Counter
	commitDuration *Histogram
}

// NewAllocationMetrics creates the allocation instruments on meter
func NewAllocationMetrics(meter metric.Meter) (*AllocationMetrics, error) {
	if meter == nil {
		return nil, ErrMeterNil
	}

	m := &AllocationMetrics{}
	var err error

	if m.plansTotal, err = NewCounter(meter,
		"stockalloc_plans_total",
		"Total number of allocation plans built",
		"{plans}",
	); err != nil {
		return nil, err
	}

	if m.lotConflicts, err = NewCounter(meter,
		"stockalloc_lot_conflicts_total",
		"Total number of commits aborted by a lot conflict",
		"{conflicts}",
	); err != nil {
		return nil, err
	}

	if m.commitsTotal, err = NewCounter(meter,
		"stockalloc_commits_total",
		"Total number of commit attempts",
		"{commits}",
	); err != nil {
		return nil, err
	}

	if m.commitDuration, err = NewHistogram(meter,
		"stockalloc_commit_duration_seconds",
		"Duration of plan-and-commit including retries",
		"s",
		DurationBuckets...,
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordPlan counts a plan for policy
func (m *AllocationMetrics) RecordPlan(ctx context.Context, policy string, fulfilled bool) {
	if m == nil {
		return
	}
	outcome := OutcomeFulfilled
	if !fulfilled {
		outcome = OutcomeShortage
	}
	m.plansTotal.Inc(ctx, AttrPolicy.String(policy), AttrOutcome.String(outcome))
}

// RecordLotConflict counts a commit aborted by a lot conflict
func (m *AllocationMetrics) RecordLotConflict(ctx context.Context, transactionType string) {
	if m == nil {
		return
	}
	m.lotConflicts.Inc(ctx, AttrTransactionType.String(transactionType))
}

// RecordCommit counts a commit attempt with its outcome and duration
func (m *AllocationMetrics) RecordCommit(ctx context.Context, transactionType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.commitsTotal.Inc(ctx, AttrTransactionType.String(transactionType), AttrOutcome.String(outcome))
	m.commitDuration.RecordDuration(ctx, d, AttrTransactionType.String(transactionType), AttrOutcome.String(outcome))
}
