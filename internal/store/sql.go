package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/sqlc-dev/pqtype"
)

// Dialect selects placeholder syntax and column types.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// SQLStore is the DocStore backed by database/sql.
type SQLStore struct {
	// pool is the connection pool; it is opened and verified by the caller.
	pool    *sql.DB
	dialect Dialect
}

// NewSQL creates a SQLStore from a live connection pool. Call Migrate once
// before use.
func NewSQL(pool *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{pool: pool, dialect: dialect}
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	jsonType := "JSONB"
	if s.dialect == DialectSQLite {
		// pqtype.NullRawMessage scans []byte; SQLite returns TEXT as string.
		jsonType = "BLOB"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			config      ` + jsonType + `,
			status      TEXT NOT NULL DEFAULT '',
			created_at  BIGINT NOT NULL,
			updated_at  BIGINT NOT NULL,
			final_data  ` + jsonType + `,
			assessment  ` + jsonType + `,
			error       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS runs_created_at_idx ON runs (created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS what_ifs (
			run_id       TEXT NOT NULL,
			scenario_id  TEXT NOT NULL,
			scenario     TEXT NOT NULL,
			result       ` + jsonType + `,
			created_at   BIGINT NOT NULL,
			PRIMARY KEY (run_id, scenario_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// ─── QUERIES ──────────────────────────────────────────────────────────────────
// Written with ? placeholders and rebound for Postgres.

const upsertReplaceSQL = `
INSERT INTO runs (id, config, status, created_at, updated_at, final_data, assessment, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	config     = excluded.config,
	status     = excluded.status,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at,
	final_data = excluded.final_data,
	assessment = excluded.assessment,
	error      = excluded.error`

const upsertMergeSQL = `
INSERT INTO runs (id, config, status, created_at, updated_at, final_data, assessment, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	config     = COALESCE(excluded.config, runs.config),
	status     = CASE WHEN excluded.status <> '' THEN excluded.status ELSE runs.status END,
	updated_at = excluded.updated_at,
	final_data = COALESCE(excluded.final_data, runs.final_data),
	assessment = COALESCE(excluded.assessment, runs.assessment),
	error      = CASE WHEN excluded.error <> '' THEN excluded.error ELSE runs.error END`

const updateRunSQL = `
UPDATE runs SET
	status     = CASE WHEN ? <> '' THEN ? ELSE status END,
	final_data = COALESCE(?, final_data),
	assessment = COALESCE(?, assessment),
	error      = CASE WHEN ? <> '' THEN ? ELSE error END,
	updated_at = ?
WHERE id = ?`

const getRunSQL = `
SELECT id, config, status, created_at, updated_at, final_data, assessment, error
FROM runs WHERE id = ?`

const listRunsSQL = `
SELECT id, config, status, created_at, updated_at, assessment, error
FROM runs ORDER BY created_at DESC, id LIMIT ?`

const upsertWhatIfSQL = `
INSERT INTO what_ifs (run_id, scenario_id, scenario, result, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (run_id, scenario_id) DO UPDATE SET
	scenario = excluded.scenario,
	result   = excluded.result`

const listWhatIfsSQL = `
SELECT run_id, scenario_id, scenario, result, created_at
FROM what_ifs WHERE run_id = ? ORDER BY created_at, scenario_id`

// rebind rewrites ? placeholders to $1..$n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// ─── OPERATIONS ───────────────────────────────────────────────────────────────

func (s *SQLStore) Put(ctx context.Context, run Run, merge bool) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}

	query := upsertReplaceSQL
	if merge {
		query = upsertMergeSQL
	}
	_, err := s.pool.ExecContext(ctx, s.rebind(query),
		run.ID,
		nullJSON(run.Config),
		run.Status,
		toMillis(run.CreatedAt),
		toMillis(run.UpdatedAt),
		nullJSON(run.FinalData),
		nullJSON(run.Assessment),
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("store: put run %s: %w", run.ID, err)
	}
	return nil
}

func (s *SQLStore) Update(ctx context.Context, id string, u RunUpdate) error {
	res, err := s.pool.ExecContext(ctx, s.rebind(updateRunSQL),
		u.Status, u.Status,
		nullJSON(u.FinalData),
		nullJSON(u.Assessment),
		u.Error, u.Error,
		toMillis(time.Now().UTC()),
		id,
	)
	if err != nil {
		return fmt.Errorf("store: update run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update run %s: rows affected: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Run, error) {
	var (
		r                         Run
		config, finalData, assess pqtype.NullRawMessage
		created, updated          int64
	)
	err := s.pool.QueryRowContext(ctx, s.rebind(getRunSQL), id).Scan(
		&r.ID, &config, &r.Status, &created, &updated, &finalData, &assess, &r.Error,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("store: get run %s: %w", id, err)
	}
	r.Config = rawJSON(config)
	r.FinalData = rawJSON(finalData)
	r.Assessment = rawJSON(assess)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

// Delete removes the run and its what-if results in one transaction.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM what_ifs WHERE run_id = ?`), id); err != nil {
			return fmt.Errorf("store: delete what-ifs of %s: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM runs WHERE id = ?`), id)
		if err != nil {
			return fmt.Errorf("store: delete run %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: delete run %s: rows affected: %w", id, err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLStore) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.pool.QueryContext(ctx, s.rebind(listRunsSQL), limit)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                  Run
			config, assessment pqtype.NullRawMessage
			created, updated   int64
		)
		if err := rows.Scan(&r.ID, &config, &r.Status, &created, &updated, &assessment, &r.Error); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		r.Config = rawJSON(config)
		r.Assessment = rawJSON(assessment)
		r.CreatedAt = fromMillis(created)
		r.UpdatedAt = fromMillis(updated)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	return out, nil
}

func (s *SQLStore) PutWhatIf(ctx context.Context, w WhatIf) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.ExecContext(ctx, s.rebind(upsertWhatIfSQL),
		w.RunID, w.ScenarioID, w.Scenario, nullJSON(w.Result), toMillis(w.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: put what-if %s/%s: %w", w.RunID, w.ScenarioID, err)
	}
	return nil
}

func (s *SQLStore) ListWhatIfs(ctx context.Context, runID string) ([]WhatIf, error) {
	rows, err := s.pool.QueryContext(ctx, s.rebind(listWhatIfsSQL), runID)
	if err != nil {
		return nil, fmt.Errorf("store: list what-ifs: %w", err)
	}
	defer rows.Close()

	var out []WhatIf
	for rows.Next() {
		var (
			w       WhatIf
			result  pqtype.NullRawMessage
			created int64
		)
		if err := rows.Scan(&w.RunID, &w.ScenarioID, &w.Scenario, &result, &created); err != nil {
			return nil, fmt.Errorf("store: scan what-if: %w", err)
		}
		w.Result = rawJSON(result)
		w.CreatedAt = fromMillis(created)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list what-ifs: %w", err)
	}
	return out, nil
}

// ─── TRANSACTIONS ─────────────────────────────────────────────────────────────

// txFunc receives a transaction. Returning a non-nil error causes withTx to
// roll back.
type txFunc func(ctx context.Context, tx *sql.Tx) error

// withTx begins a transaction, passes it to fn, and commits on success or
// rolls back on any error (including panics).
func (s *SQLStore) withTx(ctx context.Context, fn txFunc) error {
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}

	// Roll back on panic so the connection is never left in a broken state.
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: fn error: %w; rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return nil
}

// ─── HELPERS ──────────────────────────────────────────────────────────────────

func nullJSON(raw json.RawMessage) pqtype.NullRawMessage {
	if len(raw) == 0 {
		return pqtype.NullRawMessage{}
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}
}

func rawJSON(n pqtype.NullRawMessage) json.RawMessage {
	if !n.Valid || len(n.RawMessage) == 0 {
		return nil
	}
	return n.RawMessage
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
