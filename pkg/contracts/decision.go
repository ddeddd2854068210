package contracts

import "time"

// Verdict is the decision engine's output for one evaluation.
type Verdict string

const (
	VerdictShip     Verdict = "ship"
	VerdictIterate  Verdict = "iterate"
	VerdictKill     Verdict = "kill"
	VerdictContinue Verdict = "continue"
)

// EstimatorValues holds per-policy off-policy estimates attached to a
// decision for audit.
type EstimatorValues struct {
	IPS        float64 `json:"ips"`
	DR         float64 `json:"dr"`
	MeanReward float64 `json:"mean_reward"`
	Events     int     `json:"events"`
	CILow      float64 `json:"ci_low"`
	CIHigh     float64 `json:"ci_high"`
	PValue     float64 `json:"p_value"`
}

// Decision is the append-only record of one ship/iterate/kill evaluation.
type Decision struct {
	ExperimentID   string                     `json:"experiment_id"`
	EvaluatedAt    time.Time                  `json:"evaluated_at"`
	Verdict        Verdict                    `json:"verdict"`
	WinnerPolicyID string                     `json:"winner_policy_id,omitempty"`
	Uplift         float64                    `json:"uplift"`
	Confidence     float64                    `json:"confidence"`
	Estimators     map[string]EstimatorValues `json:"estimators,omitempty"`
	WindowDays     int                        `json:"window_days"`
	Notes          string                     `json:"notes,omitempty"`
}
