package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// maxCASRetries bounds optimistic-concurrency retries on a state row before
// the conflict surfaces to the caller.
const maxCASRetries = 5

// SeedState inserts the prior row for a key if it does not exist yet.
// Activation seeds every (policy, arm) pair; re-activation is a no-op.
func (s *Store) SeedState(ctx context.Context, st *contracts.ArmState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_arm_state
			(experiment_id, policy_id, arm_id, context_key,
			 pulls, successes, failures, neutrals, sum_reward, sum_reward_sq,
			 alpha, beta, version, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(experiment_id, policy_id, arm_id, context_key) DO NOTHING`,
		st.ExperimentID, st.PolicyID, st.ArmID, st.ContextKey,
		st.Pulls, st.Successes, st.Failures, st.Neutrals, st.SumReward, st.SumRewardSq,
		st.Alpha, st.Beta, st.Version, formatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("seed state %s: %w", st.Key(), err)
	}
	return nil
}

const stateColumns = `experiment_id, policy_id, arm_id, context_key,
	pulls, successes, failures, neutrals, sum_reward, sum_reward_sq,
	alpha, beta, version, updated_at`

func scanState(row interface{ Scan(...any) error }) (*contracts.ArmState, error) {
	var st contracts.ArmState
	var updatedAt string
	err := row.Scan(&st.ExperimentID, &st.PolicyID, &st.ArmID, &st.ContextKey,
		&st.Pulls, &st.Successes, &st.Failures, &st.Neutrals,
		&st.SumReward, &st.SumRewardSq, &st.Alpha, &st.Beta, &st.Version, &updatedAt)
	if err != nil {
		return nil, err
	}
	st.UpdatedAt = parseTime(updatedAt)
	return &st, nil
}

// GetState loads one row, or nil when the key was never seeded.
func (s *Store) GetState(ctx context.Context, key contracts.StateKey) (*contracts.ArmState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+stateColumns+` FROM policy_arm_state
		WHERE experiment_id = ? AND policy_id = ? AND arm_id = ? AND context_key = ?`,
		key.ExperimentID, key.PolicyID, key.ArmID, key.ContextKey)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get state %s: %w", key, err)
	}
	return st, nil
}

// GetStates loads the full arm→state map one policy sees for a context.
func (s *Store) GetStates(ctx context.Context, experimentID, policyID, contextKey string) (map[string]*contracts.ArmState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stateColumns+` FROM policy_arm_state
		WHERE experiment_id = ? AND policy_id = ? AND context_key = ?`,
		experimentID, policyID, contextKey)
	if err != nil {
		return nil, fmt.Errorf("get states %s/%s: %w", experimentID, policyID, err)
	}
	defer rows.Close()
	states := make(map[string]*contracts.ArmState)
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		states[st.ArmID] = st
	}
	return states, rows.Err()
}

// ListStates returns every state row of one policy across context keys,
// ordered by arm then context. Analytics and decision evaluation read this.
func (s *Store) ListStates(ctx context.Context, experimentID, policyID string) ([]*contracts.ArmState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stateColumns+` FROM policy_arm_state
		WHERE experiment_id = ? AND policy_id = ?
		ORDER BY arm_id, context_key`, experimentID, policyID)
	if err != nil {
		return nil, fmt.Errorf("list states %s/%s: %w", experimentID, policyID, err)
	}
	defer rows.Close()
	var out []*contracts.ArmState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateState applies fn to the row under an optimistic CAS on version.
// Two concurrent updates both land: the loser re-reads and re-applies, up
// to maxCASRetries before surfacing ErrStateConflict. Counters only ever
// grow; the guard in the UPDATE enforces that at the row level.
func (s *Store) UpdateState(ctx context.Context, key contracts.StateKey, fn func(*contracts.ArmState) error) (*contracts.ArmState, error) {
	var lastErr error
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		st, err := s.GetState(ctx, key)
		if err != nil {
			return nil, err
		}
		if st == nil {
			// First update for an unseeded key (context fan-out): start
			// from the prior and race on the insert instead of the CAS.
			st = &contracts.ArmState{
				ExperimentID: key.ExperimentID,
				PolicyID:     key.PolicyID,
				ArmID:        key.ArmID,
				ContextKey:   key.ContextKey,
				Alpha:        1,
				Beta:         1,
				UpdatedAt:    time.Now().UTC(),
			}
			if err := s.SeedState(ctx, st); err != nil {
				return nil, err
			}
			continue
		}
		prev := *st
		if err := fn(st); err != nil {
			return nil, err
		}
		if st.Pulls < prev.Pulls || st.Successes < prev.Successes || st.Failures < prev.Failures {
			return nil, fmt.Errorf("update state %s: %w: counter would decrease", key, contracts.ErrInvalidState)
		}
		res, err := s.db.ExecContext(ctx, `
			UPDATE policy_arm_state SET
				pulls=?, successes=?, failures=?, neutrals=?,
				sum_reward=?, sum_reward_sq=?, alpha=?, beta=?,
				version=version+1, updated_at=?
			WHERE experiment_id=? AND policy_id=? AND arm_id=? AND context_key=?
			  AND version=?
			  AND pulls<=? AND successes<=? AND failures<=?`,
			st.Pulls, st.Successes, st.Failures, st.Neutrals,
			st.SumReward, st.SumRewardSq, st.Alpha, st.Beta,
			formatTime(st.UpdatedAt),
			key.ExperimentID, key.PolicyID, key.ArmID, key.ContextKey,
			prev.Version,
			st.Pulls, st.Successes, st.Failures)
		if err != nil {
			return nil, fmt.Errorf("update state %s: %w", key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("update state %s: %w", key, err)
		}
		if n == 1 {
			st.Version = prev.Version + 1
			return st, nil
		}
		lastErr = contracts.ErrStateConflict
	}
	return nil, contracts.NewError(contracts.ErrorKindStateConflict, "update state "+key.String(), lastErr)
}
