package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// RecordAssignment memoizes a routing decision. First write wins: the hash
// is the source of truth, so a concurrent duplicate is simply ignored.
func (s *Store) RecordAssignment(ctx context.Context, a contracts.Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (user_id, experiment_id, policy_id, bucket, assigned_at, sticky)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(user_id, experiment_id) DO NOTHING`,
		a.UserID, a.ExperimentID, a.PolicyID, a.Bucket, formatTime(a.AssignedAt), boolToInt(a.Sticky))
	if err != nil {
		return fmt.Errorf("record assignment %s/%s: %w", a.UserID, a.ExperimentID, err)
	}
	return nil
}

// GetAssignment returns the memoized row, or nil when none exists.
func (s *Store) GetAssignment(ctx context.Context, userID, experimentID string) (*contracts.Assignment, error) {
	var (
		a          contracts.Assignment
		assignedAt string
		sticky     int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, experiment_id, policy_id, bucket, assigned_at, sticky
		FROM assignments WHERE user_id = ? AND experiment_id = ?`,
		userID, experimentID).
		Scan(&a.UserID, &a.ExperimentID, &a.PolicyID, &a.Bucket, &assignedAt, &sticky)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment %s/%s: %w", userID, experimentID, err)
	}
	a.AssignedAt = parseTime(assignedAt)
	a.Sticky = sticky != 0
	return &a, nil
}

// ResetAssignments drops all memoized assignments for an experiment. Only
// a salt change calls this; the hash re-derives every route afterwards.
func (s *Store) ResetAssignments(ctx context.Context, experimentID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM assignments WHERE experiment_id = ?`, experimentID)
	if err != nil {
		return fmt.Errorf("reset assignments for %s: %w", experimentID, err)
	}
	return nil
}

// AssignmentCounts returns in-experiment user counts per policy, consumed
// by the sample-ratio guardrail.
func (s *Store) AssignmentCounts(ctx context.Context, experimentID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT policy_id, COUNT(*) FROM assignments
		WHERE experiment_id = ? AND sticky = 1
		GROUP BY policy_id`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("assignment counts for %s: %w", experimentID, err)
	}
	defer rows.Close()
	counts := make(map[string]int64)
	for rows.Next() {
		var policyID string
		var n int64
		if err := rows.Scan(&policyID, &n); err != nil {
			return nil, fmt.Errorf("scan assignment count: %w", err)
		}
		counts[policyID] = n
	}
	return counts, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
