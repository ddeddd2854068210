// Package store is the durable schema layer: experiments, policies, arm
// catalogs, assignments, per-key policy state, append-only serve/reward
// events, guardrail checks, decisions, and the reward_updates queue.
//
// Policy state is stored as rows, not blobs: one row per
// (experiment, policy, arm, context_key) with atomic per-row updates
// guarded by an optimistic version CAS.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQL database. All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at dsn and runs migrations.
// Use ":memory:" for tests.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// storms under concurrent serves while reads stay cheap.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle (tests, postgres option in cmd).
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for read-only analytics queries.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS experiments (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			surface TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			salt TEXT NOT NULL,
			start_at TEXT,
			end_at TEXT,
			traffic_fraction REAL NOT NULL,
			traffic_plan JSON NOT NULL,
			default_policy_id TEXT NOT NULL,
			catalog_version INTEGER NOT NULL DEFAULT 1,
			attribution_window_ms INTEGER NOT NULL DEFAULT 86400000,
			reward_mapping TEXT NOT NULL DEFAULT 'binary_click',
			reward_expr TEXT NOT NULL DEFAULT '',
			guardrail_config JSON NOT NULL DEFAULT '{}',
			decision_config JSON NOT NULL DEFAULT '{}',
			notes TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policies (
			id TEXT NOT NULL,
			experiment_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			params JSON NOT NULL DEFAULT '{}',
			PRIMARY KEY (experiment_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS arm_catalog (
			experiment_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			arm_id TEXT NOT NULL,
			metadata JSON NOT NULL DEFAULT '{}',
			eligible_from TEXT,
			eligible_until TEXT,
			PRIMARY KEY (experiment_id, version, arm_id)
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			user_id TEXT NOT NULL,
			experiment_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			bucket REAL NOT NULL,
			assigned_at TEXT NOT NULL,
			sticky INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, experiment_id)
		)`,
		`CREATE TABLE IF NOT EXISTS policy_arm_state (
			experiment_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			arm_id TEXT NOT NULL,
			context_key TEXT NOT NULL DEFAULT '',
			pulls INTEGER NOT NULL DEFAULT 0,
			successes INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			neutrals INTEGER NOT NULL DEFAULT 0,
			sum_reward REAL NOT NULL DEFAULT 0,
			sum_reward_sq REAL NOT NULL DEFAULT 0,
			alpha REAL NOT NULL DEFAULT 1,
			beta REAL NOT NULL DEFAULT 1,
			version INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (experiment_id, policy_id, arm_id, context_key)
		)`,
		`CREATE TABLE IF NOT EXISTS serve_events (
			event_id TEXT PRIMARY KEY,
			experiment_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			arm_id TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			context JSON NOT NULL DEFAULT '{}',
			context_key TEXT NOT NULL DEFAULT '',
			propensity REAL NOT NULL,
			score REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			served_at TEXT NOT NULL,
			reward REAL,
			reward_at TEXT,
			attribution_version INTEGER NOT NULL DEFAULT 0,
			policy_timeout INTEGER NOT NULL DEFAULT 0,
			dropped INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT NOT NULL DEFAULT '',
			schema_version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS reward_events (
			event_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			arm_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			value REAL NOT NULL,
			at TEXT NOT NULL,
			PRIMARY KEY (event_id, kind, at)
		)`,
		`CREATE TABLE IF NOT EXISTS guardrail_checks (
			experiment_id TEXT NOT NULL,
			at TEXT NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			threshold REAL NOT NULL,
			status TEXT NOT NULL,
			action TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (experiment_id, at, name)
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			experiment_id TEXT NOT NULL,
			evaluated_at TEXT NOT NULL,
			verdict TEXT NOT NULL,
			winner_policy_id TEXT NOT NULL DEFAULT '',
			uplift REAL NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			estimators JSON NOT NULL DEFAULT '{}',
			window_days INTEGER NOT NULL DEFAULT 0,
			notes TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (experiment_id, evaluated_at)
		)`,
		`CREATE TABLE IF NOT EXISTS reward_updates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			experiment_id TEXT NOT NULL,
			policy_id TEXT NOT NULL,
			arm_id TEXT NOT NULL,
			context_key TEXT NOT NULL DEFAULT '',
			reward REAL NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT NOT NULL,
			claimed_at TEXT NOT NULL DEFAULT '',
			enqueued_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_serve_events_exp_served ON serve_events(experiment_id, served_at)`,
		`CREATE INDEX IF NOT EXISTS idx_serve_events_user_served ON serve_events(user_id, served_at)`,
		`CREATE INDEX IF NOT EXISTS idx_policy_arm_state_exp_policy ON policy_arm_state(experiment_id, policy_id)`,
		`CREATE INDEX IF NOT EXISTS idx_assignments_exp_policy ON assignments(experiment_id, policy_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reward_events_user_arm ON reward_events(user_id, arm_id, at)`,
		`CREATE INDEX IF NOT EXISTS idx_reward_updates_status ON reward_updates(status, next_attempt_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// formatTime / parseTime mirror the storage format everywhere: RFC 3339
// with nanoseconds, UTC.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func scanNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}
