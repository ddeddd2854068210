package contracts

import "time"

// GuardrailStatus is the outcome of a single check.
type GuardrailStatus string

const (
	GuardrailPass GuardrailStatus = "pass"
	GuardrailWarn GuardrailStatus = "warn"
	GuardrailFail GuardrailStatus = "fail"
)

// GuardrailAction is what the monitor did about a check outcome.
type GuardrailAction string

const (
	ActionNone     GuardrailAction = "none"
	ActionAlert    GuardrailAction = "alert"
	ActionRollback GuardrailAction = "rollback"
)

// GuardrailCheck is one append-only row of the guardrail audit trail.
type GuardrailCheck struct {
	ExperimentID string          `json:"experiment_id"`
	At           time.Time       `json:"at"`
	Name         string          `json:"name"`
	Value        float64         `json:"value"`
	Threshold    float64         `json:"threshold"`
	Status       GuardrailStatus `json:"status"`
	Action       GuardrailAction `json:"action"`
	Message      string          `json:"message,omitempty"`
}

// Assignment memoizes a (user, experiment) → policy decision for audit.
// The hash function is the source of truth; this row is a cache.
type Assignment struct {
	UserID       string    `json:"user_id"`
	ExperimentID string    `json:"experiment_id"`
	PolicyID     string    `json:"policy_id"`
	Bucket       float64   `json:"bucket"` // [0,1)
	AssignedAt   time.Time `json:"assigned_at"`
	Sticky       bool      `json:"sticky"`
}
