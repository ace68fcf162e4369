// Package audit persists a durable record of every dispatched query.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mdbconductor/conductor/internal/logging"
)

// Execer is the subset of pgxpool.Pool that Log needs. It is exported so
// callers outside this package can build a Log over a fake in tests,
// without a live database.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Record describes one completed query dispatch.
type Record struct {
	Timestamp    time.Time
	Pool         string
	MinionIP     string
	QueryHash    string
	QueryText    string
	DurationMs   int64
	RowCount     int
	Success      bool
	ErrorMessage string
}

const schema = `CREATE TABLE IF NOT EXISTS query_audit (
	id BIGSERIAL PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	pool TEXT NOT NULL,
	minion_ip TEXT NOT NULL,
	query_hash TEXT NOT NULL,
	query_text TEXT NOT NULL,
	duration_ms BIGINT NOT NULL,
	row_count INT NOT NULL,
	success BOOLEAN NOT NULL,
	error_message TEXT
)`

const insertQuery = `INSERT INTO query_audit
	(ts, pool, minion_ip, query_hash, query_text, duration_ms, row_count, success, error_message)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Log writes query audit records to Postgres.
type Log struct {
	pool Execer
}

// NewLog connects to dsn and ensures the audit table exists.
func NewLog(ctx context.Context, dsn string) (*Log, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("audit: create table: %w", err)
	}
	return &Log{pool: pool}, nil
}

// NewWithExecer builds a Log over an already-open Execer, skipping the
// connect step. Used by tests to inject a fake in place of a live database.
func NewWithExecer(e Execer) *Log {
	return &Log{pool: e}
}

// Record inserts one audit row. A failure is logged and swallowed: the
// audit log is observability, not a transactional participant in query
// dispatch, so it never changes the caller's result.
func (l *Log) Record(ctx context.Context, r Record) {
	_, err := l.pool.Exec(ctx, insertQuery,
		r.Timestamp, r.Pool, r.MinionIP, r.QueryHash, r.QueryText,
		r.DurationMs, r.RowCount, r.Success, r.ErrorMessage)
	if err != nil {
		logging.Op().Warn("audit: failed to record query", "pool", r.Pool, "error", err)
	}
}

// Close releases the underlying connection pool.
func (l *Log) Close() {
	l.pool.Close()
}
