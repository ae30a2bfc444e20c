package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultSlowQueryThreshold marks queries slower than this on their span
const DefaultSlowQueryThreshold = 200 * time.Millisecond

// DBTracingConfig holds configuration for database tracing.
type DBTracingConfig struct {
	Enabled bool
	// IncludeQueryVariables puts bound values into db.statement (never in production)
	IncludeQueryVariables bool
	SlowQueryThreshold    time.Duration
	DBName                string
}

// RegisterDBTracing installs otelgorm on db plus a callback that annotates
// each query span with table, rows affected and slow-query markers.
// An UPDATE that affects no rows is flagged as db.no_rows_affected, which is
// how a failed conditional lot decrement shows up in a trace.
func RegisterDBTracing(db *gorm.DB, cfg DBTracingConfig, logger *zap.Logger) error {
	if !cfg.Enabled {
		logger.Debug("Database tracing disabled")
		return nil
	}
	if cfg.SlowQueryThreshold <= 0 {
		cfg.SlowQueryThreshold = DefaultSlowQueryThreshold
	}

	opts := []otelgorm.Option{}
	if cfg.DBName != "" {
		opts = append(opts, otelgorm.WithDBName(cfg.DBName))
	}
	if !cfg.IncludeQueryVariables {
		opts = append(opts, otelgorm.WithoutQueryVariables())
	}
	if err := db.Use(otelgorm.NewPlugin(opts...)); err != nil {
		return err
	}

	cb := &queryAnnotator{slowQueryThreshold: cfg.SlowQueryThreshold}
	if err := cb.register(db); err != nil {
		return err
	}

	logger.Info("Database tracing enabled",
		zap.Bool("include_query_variables", cfg.IncludeQueryVariables),
		zap.Duration("slow_query_threshold", cfg.SlowQueryThreshold),
	)
	return nil
}

type contextKey string

const queryStartTimeKey contextKey = "otel_query_start_time"

type queryAnnotator struct {
	slowQueryThreshold time.Duration
}

func (a *queryAnnotator) register(db *gorm.DB) error {
	cb := db.Callback()
	return errors.Join(
		cb.Create().Before("gorm:create").Register("stockalloc:trace_start_create", a.before),
		cb.Query().Before("gorm:query").Register("stockalloc:trace_start_query", a.before),
		cb.Update().Before("gorm:update").Register("stockalloc:trace_start_update", a.before),
		cb.Delete().Before("gorm:delete").Register("stockalloc:trace_start_delete", a.before),
		cb.Raw().Before("gorm:raw").Register("stockalloc:trace_start_raw", a.before),
		cb.Create().After("gorm:create").Register("stockalloc:trace_end_create", a.after),
		cb.Query().After("gorm:query").Register("stockalloc:trace_end_query", a.after),
		cb.Update().After("gorm:update").Register("stockalloc:trace_end_update", a.afterUpdate),
		cb.Delete().After("gorm:delete").Register("stockalloc:trace_end_delete", a.after),
		cb.Raw().After("gorm:raw").Register("stockalloc:trace_end_raw", a.after),
	)
}

func (a *queryAnnotator) before(db *gorm.DB) {
	if db.Statement.Context != nil {
		db.Statement.Context = context.WithValue(db.Statement.Context, queryStartTimeKey, time.Now())
	}
}

func (a *queryAnnotator) afterUpdate(db *gorm.DB) {
	a.after(db)
	if db.Error == nil && db.Statement.RowsAffected == 0 {
		if span := recordingSpan(db); span != nil {
			span.SetAttributes(attribute.Bool("db.no_rows_affected", true))
		}
	}
}

func (a *queryAnnotator) after(db *gorm.DB) {
	span := recordingSpan(db)
	if span == nil {
		return
	}

	if db.Statement.RowsAffected >= 0 {
		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
	}
	if db.Statement.Table != "" {
		span.SetAttributes(attribute.String("db.sql.table", db.Statement.Table))
	}
	if db.Error != nil && !errors.Is(db.Error, gorm.ErrRecordNotFound) {
		span.SetStatus(codes.Error, db.Error.Error())
		span.RecordError(db.Error)
	}

	if start, ok := db.Statement.Context.Value(queryStartTimeKey).(time.Time); ok {
		if elapsed := time.Since(start); elapsed > a.slowQueryThreshold {
			span.SetAttributes(
				attribute.Bool("db.slow_query", true),
				attribute.Int64("db.query_duration_ms", elapsed.Milliseconds()),
			)
			span.AddEvent("slow_query", trace.WithAttributes(
				attribute.Int64("threshold_ms", a.slowQueryThreshold.Milliseconds()),
			))
		}
	}
}

func recordingSpan(db *gorm.DB) trace.Span {
	if db.Statement.Context == nil {
		return nil
	}
	span := trace.SpanFromContext(db.Statement.Context)
	if !span.IsRecording() {
		return nil
	}
	return span
}
