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

// AppendGuardrailCheck writes one append-only check row.
func (s *Store) AppendGuardrailCheck(ctx context.Context, c *contracts.GuardrailCheck) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guardrail_checks
			(experiment_id, at, name, value, threshold, status, action, message)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(experiment_id, at, name) DO NOTHING`,
		c.ExperimentID, formatTime(c.At), c.Name, c.Value, c.Threshold,
		string(c.Status), string(c.Action), c.Message)
	if err != nil {
		return fmt.Errorf("append guardrail check %s/%s: %w", c.ExperimentID, c.Name, err)
	}
	return nil
}

// ListGuardrailChecks returns check rows newest first, capped at limit.
func (s *Store) ListGuardrailChecks(ctx context.Context, experimentID string, limit int) ([]contracts.GuardrailCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT experiment_id, at, name, value, threshold, status, action, message
		FROM guardrail_checks WHERE experiment_id = ?
		ORDER BY at DESC LIMIT ?`, experimentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list guardrail checks for %s: %w", experimentID, err)
	}
	defer rows.Close()
	var out []contracts.GuardrailCheck
	for rows.Next() {
		var (
			c              contracts.GuardrailCheck
			at             string
			status, action string
		)
		if err := rows.Scan(&c.ExperimentID, &at, &c.Name, &c.Value, &c.Threshold,
			&status, &action, &c.Message); err != nil {
			return nil, fmt.Errorf("scan guardrail check: %w", err)
		}
		c.At = parseTime(at)
		c.Status = contracts.GuardrailStatus(status)
		c.Action = contracts.GuardrailAction(action)
		out = append(out, c)
	}
	return out, rows.Err()
}

// FailuresSince counts fail rows for one named check at or after since.
// The arm-concentration persistence rule reads this.
func (s *Store) FailuresSince(ctx context.Context, experimentID, name string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM guardrail_checks
		WHERE experiment_id = ? AND name = ? AND status = ? AND at >= ?`,
		experimentID, name, string(contracts.GuardrailFail), formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failures since for %s/%s: %w", experimentID, name, err)
	}
	return n, nil
}

// AppendDecision writes one append-only decision row.
func (s *Store) AppendDecision(ctx context.Context, d *contracts.Decision) error {
	estimators, err := json.Marshal(d.Estimators)
	if err != nil {
		return fmt.Errorf("marshal estimators: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decisions
			(experiment_id, evaluated_at, verdict, winner_policy_id, uplift,
			 confidence, estimators, window_days, notes)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(experiment_id, evaluated_at) DO NOTHING`,
		d.ExperimentID, formatTime(d.EvaluatedAt), string(d.Verdict),
		d.WinnerPolicyID, d.Uplift, d.Confidence, string(estimators),
		d.WindowDays, d.Notes)
	if err != nil {
		return fmt.Errorf("append decision for %s: %w", d.ExperimentID, err)
	}
	return nil
}

func scanDecision(row interface{ Scan(...any) error }) (*contracts.Decision, error) {
	var (
		d           contracts.Decision
		evaluatedAt string
		verdict     string
		estimators  string
	)
	err := row.Scan(&d.ExperimentID, &evaluatedAt, &verdict, &d.WinnerPolicyID,
		&d.Uplift, &d.Confidence, &estimators, &d.WindowDays, &d.Notes)
	if err != nil {
		return nil, err
	}
	d.EvaluatedAt = parseTime(evaluatedAt)
	d.Verdict = contracts.Verdict(verdict)
	if estimators != "" && estimators != "{}" && estimators != "null" {
		if err := json.Unmarshal([]byte(estimators), &d.Estimators); err != nil {
			return nil, fmt.Errorf("decode estimators: %w", err)
		}
	}
	return &d, nil
}

// ListDecisions returns decision rows newest first.
func (s *Store) ListDecisions(ctx context.Context, experimentID string, limit int) ([]*contracts.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT experiment_id, evaluated_at, verdict, winner_policy_id, uplift,
		       confidence, estimators, window_days, notes
		FROM decisions WHERE experiment_id = ?
		ORDER BY evaluated_at DESC LIMIT ?`, experimentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions for %s: %w", experimentID, err)
	}
	defer rows.Close()
	var out []*contracts.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// LatestDecision returns the most recent decision, or nil when none exists.
func (s *Store) LatestDecision(ctx context.Context, experimentID string) (*contracts.Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT experiment_id, evaluated_at, verdict, winner_policy_id, uplift,
		       confidence, estimators, window_days, notes
		FROM decisions WHERE experiment_id = ?
		ORDER BY evaluated_at DESC LIMIT 1`, experimentID)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest decision for %s: %w", experimentID, err)
	}
	return d, nil
}
