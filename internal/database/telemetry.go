package database

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/irfndi/celebrum-patterns/internal/telemetry"
)

// TracedPool wraps a DatabasePool with OpenTelemetry spans. Spans cover issuing the
// query; row iteration happens in the caller.
type TracedPool struct {
	pool DatabasePool
}

// NewTracedPool creates a traced wrapper around pool.
func NewTracedPool(pool DatabasePool) *TracedPool {
	return &TracedPool{pool: pool}
}

// Query executes a query inside a "db.query" span.
func (p *TracedPool) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := startQuerySpan(ctx, "db.query", sql)
	defer span.End()

	rows, err := p.pool.Query(ctx, sql, args...)
	telemetry.RecordError(span, err)
	return rows, err
}

// QueryRow executes a single-row query inside a "db.query_row" span.
func (p *TracedPool) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span := startQuerySpan(ctx, "db.query_row", sql)
	defer span.End()

	return p.pool.QueryRow(ctx, sql, args...)
}

func startQuerySpan(ctx context.Context, name, sql string) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, telemetry.GetDatabaseTracer(), name,
		telemetry.StringAttribute("db.system", "postgresql"),
		telemetry.StringAttribute("db.operation", queryOperation(sql)),
		telemetry.StringAttribute("db.statement", strings.Join(strings.Fields(sql), " ")),
	)
}

// queryOperation returns the leading SQL keyword, upper-cased.
func queryOperation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
