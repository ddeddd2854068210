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

// SaveExperiment inserts or replaces the experiment row. Callers validate
// before saving; this is pure persistence.
func (s *Store) SaveExperiment(ctx context.Context, exp *contracts.Experiment) error {
	plan, err := json.Marshal(exp.TrafficPlan)
	if err != nil {
		return fmt.Errorf("marshal traffic plan: %w", err)
	}
	guardrails, err := json.Marshal(exp.Guardrails)
	if err != nil {
		return fmt.Errorf("marshal guardrail config: %w", err)
	}
	decision, err := json.Marshal(exp.Decision)
	if err != nil {
		return fmt.Errorf("marshal decision config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments
			(id, name, surface, status, priority, salt, start_at, end_at,
			 traffic_fraction, traffic_plan, default_policy_id, catalog_version,
			 attribution_window_ms, reward_mapping, reward_expr,
			 guardrail_config, decision_config, notes, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, surface=excluded.surface, status=excluded.status,
			priority=excluded.priority, salt=excluded.salt,
			start_at=excluded.start_at, end_at=excluded.end_at,
			traffic_fraction=excluded.traffic_fraction,
			traffic_plan=excluded.traffic_plan,
			default_policy_id=excluded.default_policy_id,
			catalog_version=excluded.catalog_version,
			attribution_window_ms=excluded.attribution_window_ms,
			reward_mapping=excluded.reward_mapping,
			reward_expr=excluded.reward_expr,
			guardrail_config=excluded.guardrail_config,
			decision_config=excluded.decision_config,
			notes=excluded.notes, updated_at=excluded.updated_at`,
		exp.ID, exp.Name, exp.Surface, string(exp.Status), exp.Priority, exp.Salt,
		formatTime(exp.StartAt), nullTime(exp.EndAt),
		exp.TrafficFraction, string(plan), exp.DefaultPolicyID, exp.CatalogVersion,
		exp.Window().Milliseconds(), string(exp.RewardMapping), exp.RewardExpr,
		string(guardrails), string(decision), exp.Notes,
		formatTime(exp.CreatedAt), formatTime(exp.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save experiment %s: %w", exp.ID, err)
	}
	return nil
}

const experimentColumns = `id, name, surface, status, priority, salt, start_at, end_at,
	traffic_fraction, traffic_plan, default_policy_id, catalog_version,
	attribution_window_ms, reward_mapping, reward_expr,
	guardrail_config, decision_config, notes, created_at, updated_at`

func scanExperiment(row interface{ Scan(...any) error }) (*contracts.Experiment, error) {
	var (
		exp                     contracts.Experiment
		status                  string
		startAt, createdAt      string
		updatedAt               string
		endAt                   sql.NullString
		plan, guardrails        string
		decision, rewardMapping string
		windowMs                int64
	)
	err := row.Scan(&exp.ID, &exp.Name, &exp.Surface, &status, &exp.Priority, &exp.Salt,
		&startAt, &endAt, &exp.TrafficFraction, &plan, &exp.DefaultPolicyID,
		&exp.CatalogVersion, &windowMs, &rewardMapping, &exp.RewardExpr,
		&guardrails, &decision, &exp.Notes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	exp.Status = contracts.ExperimentStatus(status)
	exp.StartAt = parseTime(startAt)
	exp.EndAt = scanNullTime(endAt)
	exp.AttributionWindow = time.Duration(windowMs) * time.Millisecond
	exp.RewardMapping = contracts.RewardMappingMode(rewardMapping)
	exp.CreatedAt = parseTime(createdAt)
	exp.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(plan), &exp.TrafficPlan); err != nil {
		return nil, fmt.Errorf("decode traffic plan for %s: %w", exp.ID, err)
	}
	if err := json.Unmarshal([]byte(guardrails), &exp.Guardrails); err != nil {
		return nil, fmt.Errorf("decode guardrail config for %s: %w", exp.ID, err)
	}
	if err := json.Unmarshal([]byte(decision), &exp.Decision); err != nil {
		return nil, fmt.Errorf("decode decision config for %s: %w", exp.ID, err)
	}
	return &exp, nil
}

// GetExperiment loads one experiment by id.
func (s *Store) GetExperiment(ctx context.Context, id string) (*contracts.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)
	exp, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contracts.ErrExperimentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment %s: %w", id, err)
	}
	return exp, nil
}

// ActiveExperiments returns active experiments for a surface ordered by
// precedence: priority descending, then most recently started.
func (s *Store) ActiveExperiments(ctx context.Context, surface string) ([]*contracts.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments
		 WHERE status = ? AND (surface = ? OR surface = '')
		 ORDER BY priority DESC, start_at DESC`,
		string(contracts.StatusActive), surface)
	if err != nil {
		return nil, fmt.Errorf("list active experiments: %w", err)
	}
	defer rows.Close()
	var out []*contracts.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// ListExperiments returns every experiment, newest first.
func (s *Store) ListExperiments(ctx context.Context) ([]*contracts.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()
	var out []*contracts.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// TransitionStatus moves an experiment from → to atomically. The WHERE
// clause on the current status makes concurrent transitions race-free: the
// loser sees zero rows and gets ErrStateConflict.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to contracts.ExperimentStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), formatTime(at), id, string(from))
	if err != nil {
		return fmt.Errorf("transition %s %s→%s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("transition %s %s→%s: %w", id, from, to, contracts.ErrStateConflict)
	}
	return nil
}

// SavePolicy upserts one policy row.
func (s *Store) SavePolicy(ctx context.Context, p *contracts.Policy) error {
	params, err := json.Marshal(p.Params)
	if err != nil {
		return fmt.Errorf("marshal policy params: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (id, experiment_id, kind, params)
		VALUES (?,?,?,?)
		ON CONFLICT(experiment_id, id) DO UPDATE SET
			kind=excluded.kind, params=excluded.params`,
		p.ID, p.ExperimentID, string(p.Kind), string(params))
	if err != nil {
		return fmt.Errorf("save policy %s/%s: %w", p.ExperimentID, p.ID, err)
	}
	return nil
}

// ListPolicies returns an experiment's policies ordered by id.
func (s *Store) ListPolicies(ctx context.Context, experimentID string) ([]*contracts.Policy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, experiment_id, kind, params FROM policies
		 WHERE experiment_id = ? ORDER BY id`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("list policies for %s: %w", experimentID, err)
	}
	defer rows.Close()
	var out []*contracts.Policy
	for rows.Next() {
		var (
			p      contracts.Policy
			kind   string
			params string
		)
		if err := rows.Scan(&p.ID, &p.ExperimentID, &kind, &params); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		p.Kind = contracts.PolicyKind(kind)
		if err := json.Unmarshal([]byte(params), &p.Params); err != nil {
			return nil, fmt.Errorf("decode params for policy %s: %w", p.ID, err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// GetPolicy loads one policy of an experiment.
func (s *Store) GetPolicy(ctx context.Context, experimentID, policyID string) (*contracts.Policy, error) {
	policies, err := s.ListPolicies(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		if p.ID == policyID {
			return p, nil
		}
	}
	return nil, fmt.Errorf("policy %s/%s: %w", experimentID, policyID, contracts.ErrUnknownPolicy)
}
