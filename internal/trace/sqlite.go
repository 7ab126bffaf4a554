package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chattrace/chattrace/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when callers invoke WriteTrace/WriteBatch
	// concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite migrations: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("configure sqlite (%s): %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) WriteTrace(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}
	return s.WriteBatch(ctx, []*Trace{trace})
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		for _, t := range traces {
			if t == nil {
				continue
			}
			row := normalizeTrace(t)
			if err := insertTraceTx(ctx, tx, row, sqliteTraceInsert, sqliteSpanInsert, formatSQLiteTime); err != nil {
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}
		return nil
	})
}

const sqliteTraceInsert = `
INSERT INTO traces (
    id, name, user_id, session_id, input, output,
    status, status_message, metadata, start_time, end_time, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const sqliteSpanInsert = `
INSERT INTO spans (
    id, trace_id, name, type, model, input, output,
    status, status_message, start_time, end_time,
    prompt_tokens, completion_tokens, total_tokens
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTraceTx(ctx context.Context, tx execer, row *Trace, traceInsert, spanInsert string, formatTime func(time.Time) any) error {
	if _, err := tx.ExecContext(ctx, traceInsert,
		row.ID,
		row.Name,
		row.UserID,
		row.SessionID,
		row.Input,
		row.Output,
		row.Status,
		row.StatusMessage,
		row.Metadata,
		formatTime(row.StartTime),
		formatTime(row.EndTime),
		formatTime(row.CreatedAt),
	); err != nil {
		return fmt.Errorf("write trace %q: %w", row.ID, err)
	}

	for _, span := range row.Spans {
		if _, err := tx.ExecContext(ctx, spanInsert,
			span.ID,
			span.TraceID,
			span.Name,
			span.Type,
			span.Model,
			span.Input,
			span.Output,
			span.Status,
			span.StatusMessage,
			formatTime(span.StartTime),
			formatTime(span.EndTime),
			span.PromptTokens,
			span.CompletionTokens,
			span.TotalTokens,
		); err != nil {
			return fmt.Errorf("write span %q for trace %q: %w", span.ID, row.ID, err)
		}
	}

	return nil
}

func formatSQLiteTime(t time.Time) any {
	return t.UTC().Format(time.RFC3339Nano)
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so queued traces are not
// dropped during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

const traceSelectColumns = `
id, name, user_id, session_id, input, output,
status, status_message, metadata, start_time, end_time, created_at
`

const spanSelectColumns = `
id, trace_id, name, type, model, input, output,
status, status_message, start_time, end_time,
prompt_tokens, completion_tokens, total_tokens
`

func (s *SQLiteStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+traceSelectColumns+" FROM traces WHERE id = ? LIMIT 1", id)
	traceRow, err := scanTraceRow(row, parseSQLiteTime)
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

func (s *SQLiteStore) querySpans(ctx context.Context, traceID string) ([]*Span, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+spanSelectColumns+" FROM spans WHERE trace_id = ? ORDER BY start_time ASC, id ASC", traceID)
	if err != nil {
		return nil, fmt.Errorf("query spans for trace %q: %w", traceID, err)
	}
	defer rows.Close()

	spans := make([]*Span, 0, 4)
	for rows.Next() {
		span, err := scanSpanRow(rows, parseSQLiteTime)
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

func (s *SQLiteStore) QueryTraces(ctx context.Context, filter Filter) ([]*Trace, error) {
	whereSQL, args := buildTraceWhere(filter, sqlitePlaceholders{}, formatSQLiteTime)
	limit := clampLimit(filter.Limit)
	args = append(args, limit)

	query := "SELECT " + traceSelectColumns + " FROM traces t WHERE " + whereSQL + " ORDER BY created_at DESC, id DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer rows.Close()

	items := make([]*Trace, 0, limit)
	for rows.Next() {
		row, err := scanTraceRow(rows, parseSQLiteTime)
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
func (s *SQLiteStore) attachSpans(ctx context.Context, items []*Trace) error {
	if len(items) == 0 {
		return nil
	}

	byID := make(map[string]*Trace, len(items))
	placeholders := make([]string, 0, len(items))
	args := make([]any, 0, len(items))
	for _, item := range items {
		byID[item.ID] = item
		placeholders = append(placeholders, "?")
		args = append(args, item.ID)
	}

	query := "SELECT " + spanSelectColumns + " FROM spans WHERE trace_id IN (" + strings.Join(placeholders, ", ") + ") ORDER BY start_time ASC, id ASC"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query spans for trace list: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		span, err := scanSpanRow(rows, parseSQLiteTime)
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

func (s *SQLiteStore) CountTraces(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM traces").Scan(&count); err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) GetUsageSummary(ctx context.Context, filter Filter) (*UsageSummary, error) {
	whereSQL, args := buildTraceWhere(filter, sqlitePlaceholders{}, formatSQLiteTime)
	query := `
WITH filtered AS (SELECT id, status, start_time, end_time FROM traces t WHERE ` + whereSQL + `)
SELECT
	(SELECT COUNT(1) FROM filtered),
	(SELECT COUNT(1) FROM filtered WHERE status = 'error'),
	COALESCE((SELECT SUM(prompt_tokens) FROM spans WHERE trace_id IN (SELECT id FROM filtered)), 0),
	COALESCE((SELECT SUM(completion_tokens) FROM spans WHERE trace_id IN (SELECT id FROM filtered)), 0),
	COALESCE((SELECT SUM(total_tokens) FROM spans WHERE trace_id IN (SELECT id FROM filtered)), 0),
	COALESCE((SELECT AVG((julianday(end_time) - julianday(start_time)) * 86400000) FROM filtered), 0)`

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

// scannable covers *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanTraceRow(row scannable, parseTime func(string) (time.Time, error)) (*Trace, error) {
	var (
		t                          Trace
		startRaw, endRaw, createdRaw string
	)
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
		&startRaw,
		&endRaw,
		&createdRaw,
	); err != nil {
		return nil, err
	}

	var err error
	if t.StartTime, err = parseTime(startRaw); err != nil {
		return nil, fmt.Errorf("parse trace start_time %q: %w", startRaw, err)
	}
	if t.EndTime, err = parseTime(endRaw); err != nil {
		return nil, fmt.Errorf("parse trace end_time %q: %w", endRaw, err)
	}
	if t.CreatedAt, err = parseTime(createdRaw); err != nil {
		return nil, fmt.Errorf("parse trace created_at %q: %w", createdRaw, err)
	}
	return &t, nil
}

func scanSpanRow(row scannable, parseTime func(string) (time.Time, error)) (*Span, error) {
	var (
		s                Span
		startRaw, endRaw string
	)
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
		&startRaw,
		&endRaw,
		&s.PromptTokens,
		&s.CompletionTokens,
		&s.TotalTokens,
	); err != nil {
		return nil, err
	}

	var err error
	if s.StartTime, err = parseTime(startRaw); err != nil {
		return nil, fmt.Errorf("parse span start_time %q: %w", startRaw, err)
	}
	if s.EndTime, err = parseTime(endRaw); err != nil {
		return nil, fmt.Errorf("parse span end_time %q: %w", endRaw, err)
	}
	return &s, nil
}

func parseSQLiteTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse("2006-01-02 15:04:05", raw)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

type placeholderStyle interface {
	Placeholder(n int) string
}

type sqlitePlaceholders struct{}

func (sqlitePlaceholders) Placeholder(int) string { return "?" }

type postgresPlaceholders struct{}

func (postgresPlaceholders) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func buildTraceWhere(filter Filter, style placeholderStyle, formatTime func(time.Time) any) (string, []any) {
	clauses := make([]string, 0, 6)
	args := make([]any, 0, 6)
	next := func() string {
		return style.Placeholder(len(args))
	}

	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		args = append(args, userID)
		clauses = append(clauses, "t.user_id = "+next())
	}
	if sessionID := strings.TrimSpace(filter.SessionID); sessionID != "" {
		args = append(args, sessionID)
		clauses = append(clauses, "t.session_id = "+next())
	}
	if status := strings.TrimSpace(filter.Status); status != "" {
		args = append(args, status)
		clauses = append(clauses, "t.status = "+next())
	}
	if !filter.From.IsZero() {
		args = append(args, formatTime(filter.From))
		clauses = append(clauses, "t.created_at >= "+next())
	}
	if !filter.To.IsZero() {
		args = append(args, formatTime(filter.To))
		clauses = append(clauses, "t.created_at <= "+next())
	}
	if !filter.Before.IsZero() {
		args = append(args, formatTime(filter.Before))
		clauses = append(clauses, "t.created_at < "+next())
	}

	if len(clauses) == 0 {
		return "1=1", args
	}
	return strings.Join(clauses, " AND "), args
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
