package contracts

import (
	"fmt"
	"time"
)

// ArmState is the sufficient-statistics row for one
// (experiment, policy, arm, context_key). Counters are monotonic; updates
// go through an optimistic CAS on Version so concurrent writers never lose
// an update.
//
// Invariant: Pulls == Successes + Failures + Neutrals, and for Thompson
// Alpha = alpha0 + fractional successes, Beta = beta0 + fractional failures.
type ArmState struct {
	ExperimentID string    `json:"experiment_id"`
	PolicyID     string    `json:"policy_id"`
	ArmID        string    `json:"arm_id"`
	ContextKey   string    `json:"context_key"`
	Pulls        int64     `json:"pulls"`
	Successes    int64     `json:"successes"`
	Failures     int64     `json:"failures"`
	Neutrals     int64     `json:"neutrals"`
	SumReward    float64   `json:"sum_reward"`
	SumRewardSq  float64   `json:"sum_reward_sq"`
	Alpha        float64   `json:"alpha"` // thompson only
	Beta         float64   `json:"beta"`  // thompson only
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StateKey identifies one ArmState row.
type StateKey struct {
	ExperimentID string
	PolicyID     string
	ArmID        string
	ContextKey   string
}

func (k StateKey) String() string {
	return k.ExperimentID + "/" + k.PolicyID + "/" + k.ArmID + "/" + k.ContextKey
}

// Key returns the composite key of the row.
func (s *ArmState) Key() StateKey {
	return StateKey{s.ExperimentID, s.PolicyID, s.ArmID, s.ContextKey}
}

// Mean returns the empirical mean reward, 0 before the first pull.
func (s *ArmState) Mean() float64 {
	if s.Pulls == 0 {
		return 0
	}
	return s.SumReward / float64(s.Pulls)
}

// Validate rejects corrupt rows (Logic errors) before they reach selection.
func (s *ArmState) Validate() error {
	if s.Pulls < 0 || s.Successes < 0 || s.Failures < 0 || s.Neutrals < 0 {
		return fmt.Errorf("%w: negative counter", ErrInvalidState)
	}
	if s.Successes+s.Failures+s.Neutrals > s.Pulls {
		return fmt.Errorf("%w: outcome counters exceed pulls", ErrInvalidState)
	}
	if s.Alpha < 0 || s.Beta < 0 || (s.Alpha == 0 && s.Beta == 0 && s.Pulls > 0) {
		return fmt.Errorf("%w: beta parameters alpha=%v beta=%v", ErrInvalidState, s.Alpha, s.Beta)
	}
	return nil
}

// ApplyReward folds one observed reward into the statistics. r must be in
// [0,1]; callers clip via the reward mapping first. Rewards strictly inside
// the open interval count as neutrals for the success/failure bands while
// still moving the Beta parameters fractionally.
func (s *ArmState) ApplyReward(r float64, at time.Time) error {
	if r < 0 || r > 1 {
		return fmt.Errorf("%w: reward %v outside [0,1]", ErrInvalidState, r)
	}
	s.Pulls++
	switch {
	case r == 1:
		s.Successes++
	case r == 0:
		s.Failures++
	default:
		s.Neutrals++
	}
	s.SumReward += r
	s.SumRewardSq += r * r
	s.Alpha += r
	s.Beta += 1 - r
	s.UpdatedAt = at
	return nil
}
