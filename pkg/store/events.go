package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// AppendServeEvent writes one serve row. Exactly-once per event_id: a retry
// of the same append hits the primary key and is ignored.
func (s *Store) AppendServeEvent(ctx context.Context, e *contracts.ServeEvent) error {
	if err := e.Validate(); err != nil {
		return contracts.NewError(contracts.ErrorKindLogic, "append serve event", err)
	}
	ctxJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("marshal event context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO serve_events
			(event_id, experiment_id, user_id, policy_id, arm_id, position,
			 context, context_key, propensity, score, latency_ms, served_at,
			 reward, reward_at, attribution_version, policy_timeout, dropped,
			 error_kind, schema_version)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(event_id) DO NOTHING`,
		e.EventID, e.ExperimentID, e.UserID, e.PolicyID, e.ArmID, e.Position,
		string(ctxJSON), e.ContextKey, e.Propensity, e.Score, e.LatencyMs,
		formatTime(e.ServedAt), nullFloat(e.Reward), nullTime(e.RewardAt),
		e.AttributionVersion, boolToInt(e.PolicyTimeout), boolToInt(e.Dropped),
		e.ErrorKind, contracts.ServeEventSchemaVersion)
	if err != nil {
		return fmt.Errorf("append serve event %s: %w", e.EventID, err)
	}
	return nil
}

const serveEventColumns = `event_id, experiment_id, user_id, policy_id, arm_id, position,
	context, context_key, propensity, score, latency_ms, served_at,
	reward, reward_at, attribution_version, policy_timeout, dropped,
	error_kind, schema_version`

func scanServeEvent(row interface{ Scan(...any) error }) (*contracts.ServeEvent, error) {
	var (
		e                 contracts.ServeEvent
		ctxJSON, servedAt string
		reward            sql.NullFloat64
		rewardAt          sql.NullString
		timeout, dropped  int
	)
	err := row.Scan(&e.EventID, &e.ExperimentID, &e.UserID, &e.PolicyID, &e.ArmID,
		&e.Position, &ctxJSON, &e.ContextKey, &e.Propensity, &e.Score, &e.LatencyMs,
		&servedAt, &reward, &rewardAt, &e.AttributionVersion, &timeout, &dropped,
		&e.ErrorKind, &e.SchemaVersion)
	if err != nil {
		return nil, err
	}
	e.ServedAt = parseTime(servedAt)
	if reward.Valid {
		e.Reward = &reward.Float64
	}
	e.RewardAt = scanNullTime(rewardAt)
	e.PolicyTimeout = timeout != 0
	e.Dropped = dropped != 0
	if ctxJSON != "" && ctxJSON != "{}" && ctxJSON != "null" {
		if err := json.Unmarshal([]byte(ctxJSON), &e.Context); err != nil {
			return nil, fmt.Errorf("decode context for event %s: %w", e.EventID, err)
		}
	}
	return &e, nil
}

// GetServeEvent loads one event by id.
func (s *Store) GetServeEvent(ctx context.Context, eventID string) (*contracts.ServeEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serveEventColumns+` FROM serve_events WHERE event_id = ?`, eventID)
	e, err := scanServeEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get serve event %s: %w", eventID, err)
	}
	return e, nil
}

// WriteReward finalizes the reward on an event with a CAS on
// attribution_version. Last-writer-wins is forbidden: a writer that lost
// the race sees zero rows and gets ErrStateConflict; a writer re-applying
// the value that is already there is a no-op success.
func (s *Store) WriteReward(ctx context.Context, eventID string, reward float64, at time.Time, expectVersion int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE serve_events
		SET reward = ?, reward_at = ?, attribution_version = attribution_version + 1
		WHERE event_id = ? AND attribution_version = ? AND reward IS NULL`,
		reward, formatTime(at), eventID, expectVersion)
	if err != nil {
		return fmt.Errorf("write reward for %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write reward for %s: %w", eventID, err)
	}
	if n == 0 {
		existing, err := s.GetServeEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if existing.Reward != nil && *existing.Reward == reward {
			return nil // idempotent re-apply
		}
		return fmt.Errorf("write reward for %s: %w", eventID, contracts.ErrStateConflict)
	}
	return nil
}

// OpenEvents returns events still awaiting attribution for an experiment:
// reward unset and not dropped. The attributor scans these each tick.
func (s *Store) OpenEvents(ctx context.Context, experimentID string, limit int) ([]*contracts.ServeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+serveEventColumns+` FROM serve_events
		WHERE experiment_id = ? AND reward IS NULL AND dropped = 0
		ORDER BY served_at LIMIT ?`, experimentID, limit)
	if err != nil {
		return nil, fmt.Errorf("open events for %s: %w", experimentID, err)
	}
	defer rows.Close()
	return collectServeEvents(rows)
}

// ServeEventsBetween returns all events of an experiment in [from, to),
// oldest first. Guardrails and the decision engine window over this.
func (s *Store) ServeEventsBetween(ctx context.Context, experimentID string, from, to time.Time) ([]*contracts.ServeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+serveEventColumns+` FROM serve_events
		WHERE experiment_id = ? AND served_at >= ? AND served_at < ?
		ORDER BY served_at`, experimentID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("events between for %s: %w", experimentID, err)
	}
	defer rows.Close()
	return collectServeEvents(rows)
}

// ServeEventsPage returns one keyset page of an experiment's events, newest
// first. A zero before time starts from the top; subsequent pages pass the
// last row's (served_at, event_id).
func (s *Store) ServeEventsPage(ctx context.Context, experimentID string, before time.Time, beforeEventID string, limit int) ([]*contracts.ServeEvent, error) {
	query := `SELECT ` + serveEventColumns + ` FROM serve_events WHERE experiment_id = ?`
	args := []any{experimentID}
	if !before.IsZero() {
		query += ` AND (served_at < ? OR (served_at = ? AND event_id < ?))`
		ts := formatTime(before)
		args = append(args, ts, ts, beforeEventID)
	}
	query += ` ORDER BY served_at DESC, event_id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("events page for %s: %w", experimentID, err)
	}
	defer rows.Close()
	return collectServeEvents(rows)
}

func collectServeEvents(rows *sql.Rows) ([]*contracts.ServeEvent, error) {
	var out []*contracts.ServeEvent
	for rows.Next() {
		e, err := scanServeEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan serve event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendRewardEvent records one downstream signal. Duplicate deliveries of
// the same (event_id, kind, at) are ignored.
func (s *Store) AppendRewardEvent(ctx context.Context, r *contracts.RewardEvent) error {
	if err := r.Validate(); err != nil {
		return contracts.NewError(contracts.ErrorKindConfiguration, "append reward event", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reward_events (event_id, user_id, arm_id, kind, value, at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(event_id, kind, at) DO NOTHING`,
		r.EventID, r.UserID, r.ArmID, string(r.Kind), r.Value, formatTime(r.At))
	if err != nil {
		return fmt.Errorf("append reward event %s: %w", r.EventID, err)
	}
	return nil
}

// RewardEventsFor returns the signals attributable to one serve: direct
// event_id matches plus (user, arm) matches inside [from, to].
func (s *Store) RewardEventsFor(ctx context.Context, eventID, userID, armID string, from, to time.Time) ([]contracts.RewardEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, user_id, arm_id, kind, value, at FROM reward_events
		WHERE (event_id = ? OR (user_id = ? AND arm_id = ?))
		  AND at >= ? AND at <= ?
		ORDER BY at`, eventID, userID, armID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("reward events for %s: %w", eventID, err)
	}
	defer rows.Close()
	var out []contracts.RewardEvent
	for rows.Next() {
		var (
			r    contracts.RewardEvent
			kind string
			at   string
		)
		if err := rows.Scan(&r.EventID, &r.UserID, &r.ArmID, &kind, &r.Value, &at); err != nil {
			return nil, fmt.Errorf("scan reward event: %w", err)
		}
		r.Kind = contracts.RewardKind(kind)
		r.At = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
