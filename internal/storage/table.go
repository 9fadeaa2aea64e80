package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// defaultBatchSize is how many rows go into one multi-row INSERT.
const defaultBatchSize = 100

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// placeholder returns the parameter marker for 1-based position n.
func (d dialect) placeholder(n int) string {
	if d == dialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// TableStore persists records in a relational table. Concurrency is
// delegated to the database engine's row locking. It honors the
// preservation extension: marked or commented rows survive Clean forever.
type TableStore struct {
	db        *sql.DB
	dialect   dialect
	batchSize int
	log       *slog.Logger
}

// NewSQLiteTable opens (or creates) a SQLite-backed table store.
// Use ":memory:" for tests.
func NewSQLiteTable(dsn string, log *slog.Logger) (*TableStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	return newTableStore(db, dialectSQLite, log)
}

// NewPostgresTable connects to Postgres and prepares the schema.
func NewPostgresTable(dsn string, log *slog.Logger) (*TableStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return newTableStore(db, dialectPostgres, log)
}

func newTableStore(db *sql.DB, d dialect, log *slog.Logger) (*TableStore, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &TableStore{db: db, dialect: d, batchSize: defaultBatchSize, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// SetBatchSize overrides the multi-row INSERT chunk size.
func (s *TableStore) SetBatchSize(n int) {
	if n > 0 {
		s.batchSize = n
	}
}

func (s *TableStore) migrate() error {
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	boolDefault := "INTEGER NOT NULL DEFAULT 0"
	double := "REAL"
	timestamp := "DATETIME"
	if s.dialect == dialectPostgres {
		serial = "BIGSERIAL PRIMARY KEY"
		boolDefault = "BOOLEAN NOT NULL DEFAULT FALSE"
		double = "DOUBLE PRECISION"
		timestamp = "TIMESTAMPTZ"
	}

	migrations := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS request_logs (
			id %s,
			request_id TEXT NOT NULL,
			direction TEXT NOT NULL DEFAULT 'inbound',
			method TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			request_headers TEXT NOT NULL DEFAULT '{}',
			request_body TEXT,
			response_code INTEGER NOT NULL DEFAULT 0,
			response_headers TEXT NOT NULL DEFAULT '{}',
			response_body TEXT,
			response_time_ms %s NOT NULL DEFAULT 0,
			user_id TEXT NOT NULL DEFAULT '',
			client_ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			service TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			is_marked %s,
			comment TEXT,
			created_at %s NOT NULL
		)`, serial, double, boolDefault, timestamp),
		`CREATE INDEX IF NOT EXISTS idx_request_logs_request_id ON request_logs(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_created_at ON request_logs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_request_logs_service ON request_logs(service)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

func (s *TableStore) Close() error { return s.db.Close() }

const recordColumns = `request_id, direction, method, url, request_headers, request_body,
	response_code, response_headers, response_body, response_time_ms,
	user_id, client_ip, user_agent, service, metadata, is_marked, comment, created_at`

// encodeMap pre-encodes a header or metadata map to JSON text.
func encodeMap(m any) string {
	b, err := json.Marshal(m)
	if err != nil || string(b) == "null" {
		return "{}"
	}
	return string(b)
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// rowValues returns the 18 insert arguments matching recordColumns.
func rowValues(r *Record) []any {
	return []any{
		r.RequestID, string(r.Direction), r.Method, r.URL,
		encodeMap(r.RequestHeaders), nullable(r.RequestBody),
		r.ResponseCode, encodeMap(r.ResponseHeaders), nullable(r.ResponseBody),
		r.ResponseTimeMS, r.UserID, r.ClientIP, r.UserAgent, r.Service,
		encodeMap(r.Metadata), r.IsMarked, nullable(r.Comment), r.CreatedAt.UTC(),
	}
}

const columnsPerRow = 18

func (s *TableStore) insertSQL(rows int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO request_logs (")
	b.WriteString(recordColumns)
	b.WriteString(") VALUES ")
	n := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := 0; j < columnsPerRow; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(s.dialect.placeholder(n))
			n++
		}
		b.WriteString(")")
	}
	return b.String()
}

func (s *TableStore) Store(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, s.insertSQL(1), rowValues(r)...)
	if err != nil {
		s.log.Warn("table store write failed", "request_id", r.RequestID, "error", err)
		return err
	}
	return nil
}

// StoreBatch inserts records in fixed-size chunks, one multi-row INSERT
// per chunk. No transaction spans chunks: a chunk failure stops further
// processing but earlier chunks stay committed.
func (s *TableStore) StoreBatch(ctx context.Context, recs []*Record) (int, error) {
	stored := 0
	for i := 0; i < len(recs); i += s.batchSize {
		end := i + s.batchSize
		if end > len(recs) {
			end = len(recs)
		}
		chunk := recs[i:end]

		args := make([]any, 0, len(chunk)*columnsPerRow)
		for _, r := range chunk {
			args = append(args, rowValues(r)...)
		}
		if _, err := s.db.ExecContext(ctx, s.insertSQL(len(chunk)), args...); err != nil {
			s.log.Warn("table store batch chunk failed", "offset", i, "size", len(chunk), "error", err)
			return stored, err
		}
		stored += len(chunk)
	}
	return stored, nil
}

// whereClause translates a Criteria into AND-combined predicates. The
// predicate set must stay in lockstep with Criteria.Matches.
func (s *TableStore) whereClause(c Criteria, n *int) (string, []any) {
	var conds []string
	var args []any
	add := func(expr string, vals ...any) {
		for range vals {
			expr = strings.Replace(expr, "%p", s.dialect.placeholder(*n), 1)
			*n++
		}
		conds = append(conds, expr)
		args = append(args, vals...)
	}

	if c.RequestID != "" {
		add("request_id = %p", c.RequestID)
	}
	if c.Method != "" {
		add("method = %p", c.Method)
	}
	if c.Endpoint != "" {
		add("url = %p", c.Endpoint)
	}
	if c.UserID != "" {
		add("user_id = %p", c.UserID)
	}
	if c.Direction != "" {
		add("direction = %p", string(c.Direction))
	}
	if c.Service != "" {
		add("service = %p", c.Service)
	}
	if c.ResponseCode != nil {
		add("response_code = %p", *c.ResponseCode)
	}
	if c.IsError != nil {
		if *c.IsError {
			add("response_code >= 400")
		} else {
			add("response_code < 400")
		}
	}
	if c.From != nil {
		add("created_at >= %p", c.From.UTC())
	}
	if c.To != nil {
		add("created_at < %p", c.To.UTC())
	}
	if c.MinResponseTime != nil {
		add("response_time_ms >= %p", *c.MinResponseTime)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanRecord(rows interface{ Scan(...any) error }) (*Record, error) {
	var (
		r                          Record
		direction                  string
		reqHeaders, respHeaders    string
		reqBody, respBody, comment sql.NullString
		metadata                   string
	)
	err := rows.Scan(&r.RequestID, &direction, &r.Method, &r.URL,
		&reqHeaders, &reqBody, &r.ResponseCode, &respHeaders, &respBody,
		&r.ResponseTimeMS, &r.UserID, &r.ClientIP, &r.UserAgent, &r.Service,
		&metadata, &r.IsMarked, &comment, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Direction = Direction(direction)
	if reqBody.Valid {
		r.RequestBody = &reqBody.String
	}
	if respBody.Valid {
		r.ResponseBody = &respBody.String
	}
	if comment.Valid {
		r.Comment = &comment.String
	}
	// Header/metadata blobs written by this store are always valid JSON;
	// a decode failure means outside tampering and is surfaced.
	if err := json.Unmarshal([]byte(reqHeaders), &r.RequestHeaders); err != nil {
		return nil, fmt.Errorf("decode request headers: %w", err)
	}
	if err := json.Unmarshal([]byte(respHeaders), &r.ResponseHeaders); err != nil {
		return nil, fmt.Errorf("decode response headers: %w", err)
	}
	if err := json.Unmarshal([]byte(metadata), &r.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(r.RequestHeaders) == 0 {
		r.RequestHeaders = nil
	}
	if len(r.ResponseHeaders) == 0 {
		r.ResponseHeaders = nil
	}
	if len(r.Metadata) == 0 {
		r.Metadata = nil
	}
	return &r, nil
}

func (s *TableStore) Retrieve(ctx context.Context, c Criteria) ([]*Record, error) {
	n := 1
	where, args := s.whereClause(c, &n)
	query := "SELECT " + recordColumns + " FROM request_logs" + where + " ORDER BY created_at DESC"
	if c.Limit > 0 {
		query += " LIMIT " + s.dialect.placeholder(n)
		args = append(args, c.Limit)
		n++
	}
	if c.Offset > 0 {
		query += " OFFSET " + s.dialect.placeholder(n)
		args = append(args, c.Offset)
		n++
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			s.log.Warn("skipping corrupt row", "error", err)
			continue
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *TableStore) FindByRequestID(ctx context.Context, id string) (*Record, error) {
	n := 1
	query := "SELECT " + recordColumns + " FROM request_logs WHERE request_id = " +
		s.dialect.placeholder(n) + " ORDER BY created_at ASC LIMIT 1"
	row := s.db.QueryRowContext(ctx, query, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *TableStore) Delete(ctx context.Context, c Criteria) (int, error) {
	n := 1
	where, args := s.whereClause(c, &n)
	res, err := s.db.ExecContext(ctx, "DELETE FROM request_logs"+where, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *TableStore) DeleteByRequestID(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM request_logs WHERE request_id = "+s.dialect.placeholder(1), id)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// Clean issues two bulk deletes driven by the shared retention policy,
// both skipping preserved rows (marked or commented).
func (s *TableStore) Clean(ctx context.Context, normalDays, errorDays int) (int, error) {
	p := NewPolicy(normalDays, errorDays, time.Now().UTC())
	preserve := " AND NOT is_marked AND comment IS NULL"

	removed := 0
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM request_logs WHERE created_at < "+s.dialect.placeholder(1)+
			" AND response_code < 400"+preserve, p.NormalBefore)
	if err != nil {
		return 0, fmt.Errorf("clean normal records: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += int(n)
	}

	res, err = s.db.ExecContext(ctx,
		"DELETE FROM request_logs WHERE created_at < "+s.dialect.placeholder(1)+
			" AND response_code >= 400"+preserve, p.ErrorBefore)
	if err != nil {
		return removed, fmt.Errorf("clean error records: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += int(n)
	}
	return removed, nil
}

func (s *TableStore) Count(ctx context.Context, c Criteria) (int, error) {
	n := 1
	where, args := s.whereClause(c, &n)
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM request_logs"+where, args...).Scan(&count)
	return count, err
}

func (s *TableStore) IsAvailable(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// Stats pushes every aggregate down to the database engine.
func (s *TableStore) Stats(ctx context.Context) (Stats, error) {
	var (
		count               int
		avg, min, max       sql.NullFloat64
		c2xx, c3xx, c4, c5x int
	)
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
		AVG(response_time_ms), MIN(response_time_ms), MAX(response_time_ms),
		COALESCE(SUM(CASE WHEN response_code BETWEEN 200 AND 299 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN response_code BETWEEN 300 AND 399 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN response_code BETWEEN 400 AND 499 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN response_code >= 500 THEN 1 ELSE 0 END), 0)
		FROM request_logs`).Scan(&count, &avg, &min, &max, &c2xx, &c3xx, &c4, &c5x)
	if err != nil {
		return nil, err
	}

	type endpointStat struct {
		URL    string  `json:"url"`
		Method string  `json:"method"`
		Count  int     `json:"count"`
		AvgMS  float64 `json:"avg_response_time_ms"`
	}
	var top []endpointStat
	rows, err := s.db.QueryContext(ctx, `SELECT url, method, COUNT(*) AS cnt,
		AVG(response_time_ms) FROM request_logs
		GROUP BY url, method ORDER BY cnt DESC LIMIT 10`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var es endpointStat
		if err := rows.Scan(&es.URL, &es.Method, &es.Count, &es.AvgMS); err != nil {
			return nil, err
		}
		top = append(top, es)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return Stats{
		"storage_type":         "database",
		"total_entries":        count,
		"avg_response_time_ms": avg.Float64,
		"min_response_time_ms": min.Float64,
		"max_response_time_ms": max.Float64,
		"status_2xx":           c2xx,
		"status_3xx":           c3xx,
		"status_4xx":           c4,
		"status_5xx":           c5x,
		"top_endpoints":        top,
	}, nil
}
