package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/irfndi/celebrum-patterns/internal/logging"
	"github.com/irfndi/celebrum-patterns/internal/models"
	"github.com/irfndi/celebrum-patterns/internal/utils"
)

// DatabasePool defines the interface for database pool operations.
// This interface allows for both real pool and mock pool implementations.
type DatabasePool interface {
	// QueryRow executes a query that is expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	// Query executes a query that returns rows.
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// EventRange describes the stored history of one subject.
type EventRange struct {
	SubjectID string
	First     time.Time
	Last      time.Time
	Count     int64
}

// EventRepository reads raw events from a table with the columns subject_id,
// occurred_at and amount (nullable NUMERIC, 1 when absent).
type EventRepository struct {
	pool   DatabasePool
	table  string
	logger *logging.StandardLogger
}

// NewEventRepository creates an event repository over table, which may be
// schema-qualified ("analytics.events").
func NewEventRepository(pool DatabasePool, table string, logger *logging.StandardLogger) (*EventRepository, error) {
	if table == "" {
		table = "events"
	}
	parts := strings.Split(table, ".")
	for _, p := range parts {
		if p == "" {
			return nil, utils.NewValidationErrorf("invalid events table %q", table)
		}
	}
	if logger == nil {
		logger = logging.NewStandardLogger("info", "production")
	}
	return &EventRepository{
		pool:   pool,
		table:  pgx.Identifier(parts).Sanitize(),
		logger: logger,
	}, nil
}

// LoadEvents returns the events of subjectID with occurred_at in [from, to], oldest
// first.
func (r *EventRepository) LoadEvents(ctx context.Context, subjectID string, from, to time.Time) ([]models.RawEvent, error) {
	query := fmt.Sprintf(`
		SELECT subject_id, occurred_at, COALESCE(amount, 1)::text
		FROM %s
		WHERE subject_id = $1 AND occurred_at >= $2 AND occurred_at <= $3
		ORDER BY occurred_at ASC
	`, r.table)

	start := time.Now()
	rows, err := r.pool.Query(ctx, query, subjectID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.RawEvent
	for rows.Next() {
		var event models.RawEvent
		var amount string
		if err := rows.Scan(&event.SubjectID, &event.Timestamp, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q for %s at %s: %w",
				amount, subjectID, event.Timestamp.Format(time.RFC3339), err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}

	r.logger.LogDatabaseOperation("load_events", r.table, time.Since(start).Milliseconds(), int64(len(events)))
	return events, nil
}

// GetEventRange reports the first and last event times of subjectID. A subject with no
// events yields an InsufficientDataError.
func (r *EventRepository) GetEventRange(ctx context.Context, subjectID string) (*EventRange, error) {
	query := fmt.Sprintf(`
		SELECT MIN(occurred_at), MAX(occurred_at), COUNT(*)
		FROM %s
		WHERE subject_id = $1
	`, r.table)

	start := time.Now()
	var first, last *time.Time
	var count int64
	if err := r.pool.QueryRow(ctx, query, subjectID).Scan(&first, &last, &count); err != nil {
		return nil, fmt.Errorf("failed to get event range: %w", err)
	}
	r.logger.LogDatabaseOperation("event_range", r.table, time.Since(start).Milliseconds(), count)

	if count == 0 || first == nil || last == nil {
		return nil, utils.NewInsufficientDataError("", 1, 0)
	}
	return &EventRange{SubjectID: subjectID, First: first.UTC(), Last: last.UTC(), Count: count}, nil
}
