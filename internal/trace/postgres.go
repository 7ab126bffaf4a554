package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chattrace/chattrace/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply postgres migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) configure() error {
	s.db.SetMaxOpenConns(8)
	s.db.SetMaxIdleConns(4)
	s.db.SetConnMaxLifetime(30 * time.Minute)
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const postgresTraceInsert = `
INSERT INTO traces (
    id, name, user_id, session_id, input, output,
    status, status_message, metadata, start_time, end_time, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

const postgresSpanInsert = `
INSERT INTO spans (
    id, trace_id, name, type, model, input, output,
    status, status_message, start_time, end_time,
    prompt_tokens, completion_tokens, total_tokens
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

func (s *PostgresStore) WriteTrace(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}
	return s.WriteBatch(ctx, []*Trace{trace})
}

func (s *PostgresStore) WriteBatch(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, t := range traces {
		if t == nil {
			continue
		}
		row := normalizeTrace(t)
		if err := insertTraceTx(ctx, tx, row, postgresTraceInsert, postgresSpanInsert, postgresTime); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}
	return nil
}

func postgresTime(t time.Time) any {
	return t.UTC()
}

func (s *PostgresStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+traceSelectColumns+" FROM traces WHERE id = $1 LIMIT 1", id)
	traceRow, err := scanPostgresTraceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}

	spans, err := s.querySpans(ctx, id)
	if err != nil {
		return nil, err
	}
	traceRow.Spans = spans
	return traceRow, nil
}

func (s *PostgresStore) querySpans(ctx context.Context, traceID string) ([]*Span, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+spanSelectColumns+" FROM spans WHERE trace_id = $1 ORDER BY start_time ASC, id ASC", traceID)
	if err != nil {
		return nil, fmt.Errorf("query spans for trace %q: %w", traceID, err)
	}
	defer rows.Close()

	spans := make([]*Span, 0, 4)
	for rows.Next() {
		span, err := scanPostgresSpanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan span row: %w", err)
		}
		spans = append(spans, span)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate span rows: %w", err)
	}
	return spans, nil
}

func (s *PostgresStore) QueryTraces(ctx context.Context, filter Filter) ([]*Trace, error) {
	whereSQL, args := buildTraceWhere(filter, postgresPlaceholders{}, postgresTime)
	limit := clampLimit(filter.Limit)
	args = append(args, limit)
	limitPlaceholder := fmt.Sprintf("$%d", len(args))

	query := "SELECT " + traceSelectColumns + " FROM traces t WHERE " + whereSQL + " ORDER BY created_at DESC, id DESC LIMIT " + limitPlaceholder
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0, limit)
	for rows.Next() {
		row, err := scanPostgresTraceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trace row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace rows: %w", err)
	}
	if err := s.attachSpans(ctx, items); err != nil {
		return nil, err
	}
	return items, nil
}

// attachSpans loads the spans for every listed trace in one query so callers
// can report span counts and token totals without per-trace lookups.
func (s *PostgresStore) attachSpans(ctx context.Context, items []*Trace) error {
	if len(items) == 0 {
		return nil
	}

	byID := make(map[string]*Trace, len(items))
	placeholders := make([]string, 0, len(items))
	args := make([]any, 0, len(items))
	for _, item := range items {
		byID[item.ID] = item
		args = append(args, item.ID)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	query := "SELECT " + spanSelectColumns + " FROM spans WHERE trace_id IN (" + strings.Join(placeholders, ", ") + ") ORDER BY start_time ASC, id ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query spans for trace list: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		span, err := scanPostgresSpanRow(rows)
		if err != nil {
			return fmt.Errorf("scan span row: %w", err)
		}
		if owner, ok := byID[span.TraceID]; ok {
			owner.Spans = append(owner.Spans, span)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate span rows: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountTraces(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM traces").Scan(&count); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetUsageSummary(ctx context.Context, filter Filter) (*UsageSummary, error) {
	whereSQL, args := buildTraceWhere(filter, postgresPlaceholders{}, postgresTime)
	query := `
WITH filtered AS (SELECT id, status, start_time, end_time FROM traces t WHERE ` + whereSQL + `)
SELECT
	(SELECT COUNT(1) FROM filtered),
	(SELECT COUNT(1) FROM filtered WHERE status = 'error'),
	COALESCE((SELECT SUM(prompt_tokens) FROM spans WHERE trace_id IN (SELECT id FROM filtered)), 0),
	COALESCE((SELECT SUM(completion_tokens) FROM spans WHERE trace_id IN (SELECT id FROM filtered)), 0),
	COALESCE((SELECT SUM(total_tokens) FROM spans WHERE trace_id IN (SELECT id FROM filtered)), 0),
	COALESCE((SELECT AVG(EXTRACT(EPOCH FROM (end_time - start_time)) * 1000) FROM filtered), 0)`

	var summary UsageSummary
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(
		&summary.TraceCount,
		&summary.ErrorCount,
		&summary.TotalPromptTokens,
		&summary.TotalCompletionTokens,
		&summary.TotalTokens,
		&summary.AvgLatencyMS,
	); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}

	return &summary, nil
}

func scanPostgresTraceRow(row scannable) (*Trace, error) {
	var t Trace
	if err := row.Scan(
		&t.ID,
		&t.Name,
		&t.UserID,
		&t.SessionID,
		&t.Input,
		&t.Output,
		&t.Status,
		&t.StatusMessage,
		&t.Metadata,
		&t.StartTime,
		&t.EndTime,
		&t.CreatedAt,
	); err != nil {
		return nil, err
	}
	t.StartTime = t.StartTime.UTC()
	t.EndTime = t.EndTime.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func scanPostgresSpanRow(row scannable) (*Span, error) {
	var s Span
	if err := row.Scan(
		&s.ID,
		&s.TraceID,
		&s.Name,
		&s.Type,
		&s.Model,
		&s.Input,
		&s.Output,
		&s.Status,
		&s.StatusMessage,
		&s.StartTime,
		&s.EndTime,
		&s.PromptTokens,
		&s.CompletionTokens,
		&s.TotalTokens,
	); err != nil {
		return nil, err
	}
	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	return &s, nil
}
