package store

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// RewardUpdate is one task on the durable reward_updates queue: an
// attributed reward waiting to be folded into a policy-state row.
type RewardUpdate struct {
	ID           int64
	EventID      string
	ExperimentID string
	PolicyID     string
	ArmID        string
	ContextKey   string
	Reward       float64
	Attempts     int
	EnqueuedAt   time.Time
}

// Key returns the state row this update targets.
func (u *RewardUpdate) Key() contracts.StateKey {
	return contracts.StateKey{
		ExperimentID: u.ExperimentID,
		PolicyID:     u.PolicyID,
		ArmID:        u.ArmID,
		ContextKey:   u.ContextKey,
	}
}

// Queue retry policy: exponential backoff, max 5 attempts across the
// attribution window, then the task parks as dead for operator review.
const (
	maxUpdateAttempts  = 5
	updateBackoffBase  = 30 * time.Second
	updateBackoffLimit = 2 * time.Hour

	// updateLease bounds how long a claim holds a task. An in_flight task
	// whose lease expired is treated as abandoned and re-delivered.
	updateLease = 5 * time.Minute
)

// EnqueueRewardUpdate appends a task, one per event_id. Re-attributing the
// same event is a no-op at the queue.
func (s *Store) EnqueueRewardUpdate(ctx context.Context, u *RewardUpdate, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reward_updates
			(event_id, experiment_id, policy_id, arm_id, context_key, reward,
			 status, attempts, next_attempt_at, enqueued_at)
		VALUES (?,?,?,?,?,?,'pending',0,?,?)
		ON CONFLICT(event_id) DO NOTHING`,
		u.EventID, u.ExperimentID, u.PolicyID, u.ArmID, u.ContextKey, u.Reward,
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("enqueue reward update %s: %w", u.EventID, err)
	}
	return nil
}

// DequeueRewardUpdates claims up to limit due tasks. Claiming marks them
// in_flight with a lease so a second worker pass skips them; a crashed
// worker's claims are re-delivered once the lease expires.
func (s *Store) DequeueRewardUpdates(ctx context.Context, now time.Time, limit int) ([]*RewardUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, experiment_id, policy_id, arm_id, context_key,
		       reward, attempts, enqueued_at
		FROM reward_updates
		WHERE (status = 'pending' AND next_attempt_at <= ?)
		   OR (status = 'in_flight' AND claimed_at <= ?)
		ORDER BY id LIMIT ?`,
		formatTime(now), formatTime(now.Add(-updateLease)), limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue reward updates: %w", err)
	}
	defer rows.Close()
	var out []*RewardUpdate
	for rows.Next() {
		var u RewardUpdate
		var enq string
		if err := rows.Scan(&u.ID, &u.EventID, &u.ExperimentID, &u.PolicyID,
			&u.ArmID, &u.ContextKey, &u.Reward, &u.Attempts, &enq); err != nil {
			return nil, fmt.Errorf("scan reward update: %w", err)
		}
		u.EnqueuedAt = parseTime(enq)
		out = append(out, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, u := range out {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE reward_updates SET status = 'in_flight', claimed_at = ?
			WHERE id = ?`, formatTime(now), u.ID); err != nil {
			return nil, fmt.Errorf("claim reward update %d: %w", u.ID, err)
		}
	}
	return out, nil
}

// CompleteRewardUpdate marks a task done.
func (s *Store) CompleteRewardUpdate(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reward_updates SET status = 'done' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("complete reward update %d: %w", id, err)
	}
	return nil
}

// RetryRewardUpdate reschedules a failed task with exponential backoff, or
// parks it dead after maxUpdateAttempts.
func (s *Store) RetryRewardUpdate(ctx context.Context, u *RewardUpdate, now time.Time) error {
	attempts := u.Attempts + 1
	if attempts >= maxUpdateAttempts {
		_, err := s.db.ExecContext(ctx,
			`UPDATE reward_updates SET status = 'dead', attempts = ? WHERE id = ?`,
			attempts, u.ID)
		if err != nil {
			return fmt.Errorf("park reward update %d: %w", u.ID, err)
		}
		return nil
	}
	backoff := time.Duration(float64(updateBackoffBase) * math.Pow(2, float64(attempts-1)))
	if backoff > updateBackoffLimit {
		backoff = updateBackoffLimit
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE reward_updates
		SET status = 'pending', attempts = ?, next_attempt_at = ?
		WHERE id = ?`, attempts, formatTime(now.Add(backoff)), u.ID)
	if err != nil {
		return fmt.Errorf("retry reward update %d: %w", u.ID, err)
	}
	return nil
}
