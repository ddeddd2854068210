// Package contracts holds the shared data model for the bandit
// experimentation runtime: experiments, policies, arms, serve and reward
// events, per-key policy state, guardrail checks, and decisions.
//
// Entities reference each other by id and composite key only, with no
// back-pointers, so rows can be persisted, cached, and replayed
// independently.
package contracts

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// ExperimentStatus is the lifecycle state of an experiment.
type ExperimentStatus string

const (
	StatusDraft  ExperimentStatus = "draft"
	StatusActive ExperimentStatus = "active"
	StatusPaused ExperimentStatus = "paused"
	StatusEnded  ExperimentStatus = "ended"
	StatusKilled ExperimentStatus = "killed"
)

// Terminal reports whether no further serves may be recorded.
func (s ExperimentStatus) Terminal() bool {
	return s == StatusEnded || s == StatusKilled
}

// PlanEntry is one policy's share of in-experiment traffic. The plan is
// ordered; assignment walks it cumulatively.
type PlanEntry struct {
	PolicyID string  `json:"policy_id"`
	Share    float64 `json:"share"`
}

// TrafficPlan maps policies to shares that must sum to 1 (± 1e-9).
type TrafficPlan []PlanEntry

// planTolerance bounds floating error on share sums.
const planTolerance = 1e-9

// Validate checks shares are in (0,1] and sum to 1.
func (p TrafficPlan) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("traffic plan is empty")
	}
	var sum float64
	seen := make(map[string]bool, len(p))
	for _, e := range p {
		if e.PolicyID == "" {
			return fmt.Errorf("traffic plan entry missing policy id")
		}
		if seen[e.PolicyID] {
			return fmt.Errorf("duplicate policy %q in traffic plan", e.PolicyID)
		}
		seen[e.PolicyID] = true
		if e.Share <= 0 || e.Share > 1 {
			return fmt.Errorf("share for policy %q out of range: %v", e.PolicyID, e.Share)
		}
		sum += e.Share
	}
	if math.Abs(sum-1.0) > planTolerance {
		return fmt.Errorf("traffic plan shares sum to %v, want 1", sum)
	}
	return nil
}

// Normalized returns a copy sorted by policy id for deterministic walks.
func (p TrafficPlan) Normalized() TrafficPlan {
	out := make(TrafficPlan, len(p))
	copy(out, p)
	sort.Slice(out, func(i, j int) bool { return out[i].PolicyID < out[j].PolicyID })
	return out
}

// RewardMappingMode selects how downstream signals compose into a reward.
type RewardMappingMode string

const (
	RewardBinaryClick  RewardMappingMode = "binary_click"
	RewardScaledRating RewardMappingMode = "scaled_rating"
	RewardComposite    RewardMappingMode = "composite"
)

// GuardrailConfig carries per-experiment guardrail thresholds. Zero values
// fall back to the defaults in pkg/guardrails.
type GuardrailConfig struct {
	ErrorRateMax        float64 `json:"error_rate_max,omitempty"`
	LatencyP95MaxMs     float64 `json:"latency_p95_max_ms,omitempty"`
	ArmConcentrationMax float64 `json:"arm_concentration_max,omitempty"`
	RewardDropMin       float64 `json:"reward_drop_min,omitempty"` // relative, negative
	SampleRatioPValue   float64 `json:"sample_ratio_p_value,omitempty"`
	WindowMinutes       int     `json:"window_minutes,omitempty"`
}

// DecisionConfig carries per-experiment decision criteria. Zero values fall
// back to the defaults in pkg/decision.
type DecisionConfig struct {
	MinUplift      float64 `json:"min_uplift,omitempty"`
	MinConfidence  float64 `json:"min_confidence,omitempty"`
	MinWindowDays  int     `json:"min_window_days,omitempty"`
	MaxWindowDays  int     `json:"max_window_days,omitempty"`
	MinEvents      int     `json:"min_events,omitempty"`
	PropensityMin  float64 `json:"propensity_min,omitempty"`
	AutoShip       bool    `json:"auto_ship,omitempty"`
	AutoKill       bool    `json:"auto_kill,omitempty"`
}

// Experiment is the root aggregate. Policies and the arm catalog are
// referenced by id; the catalog version is pinned for the experiment's life.
type Experiment struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Surface           string            `json:"surface"`
	Status            ExperimentStatus  `json:"status"`
	Priority          int               `json:"priority"`
	Salt              string            `json:"salt"`
	StartAt           time.Time         `json:"start_at"`
	EndAt             *time.Time        `json:"end_at,omitempty"`
	TrafficFraction   float64           `json:"traffic_fraction"`
	TrafficPlan       TrafficPlan       `json:"traffic_plan"`
	DefaultPolicyID   string            `json:"default_policy_id"`
	CatalogVersion    int               `json:"catalog_version"`
	AttributionWindow time.Duration     `json:"attribution_window"`
	RewardMapping     RewardMappingMode `json:"reward_mapping"`
	RewardExpr        string            `json:"reward_expr,omitempty"` // CEL, composite mode only
	Guardrails        GuardrailConfig   `json:"guardrails"`
	Decision          DecisionConfig    `json:"decision"`
	Notes             string            `json:"notes,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// DefaultAttributionWindow bounds reward credit after a serve.
const DefaultAttributionWindow = 24 * time.Hour

// Validate enforces admin-time invariants. Violations are Configuration
// errors and reject the mutation.
func (e *Experiment) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("experiment id is empty")
	}
	if e.Salt == "" {
		return fmt.Errorf("experiment salt is empty")
	}
	if e.TrafficFraction < 0 || e.TrafficFraction > 1 {
		return fmt.Errorf("traffic_fraction out of [0,1]: %v", e.TrafficFraction)
	}
	if e.DefaultPolicyID == "" {
		return fmt.Errorf("default_policy_id is empty")
	}
	if err := e.TrafficPlan.Validate(); err != nil {
		return err
	}
	switch e.RewardMapping {
	case RewardBinaryClick, RewardScaledRating, RewardComposite, "":
	default:
		return fmt.Errorf("unknown reward mapping %q", e.RewardMapping)
	}
	if e.RewardMapping == RewardComposite && e.RewardExpr == "" {
		return fmt.Errorf("composite reward mapping requires reward_expr")
	}
	return nil
}

// Window returns the attribution window, defaulting when unset.
func (e *Experiment) Window() time.Duration {
	if e.AttributionWindow <= 0 {
		return DefaultAttributionWindow
	}
	return e.AttributionWindow
}

// CanTransition reports whether the status machine admits from → to.
// killed is reachable from active and paused (guardrail rollback included).
func CanTransition(from, to ExperimentStatus) bool {
	switch from {
	case StatusDraft:
		return to == StatusActive
	case StatusActive:
		return to == StatusPaused || to == StatusEnded || to == StatusKilled
	case StatusPaused:
		return to == StatusActive || to == StatusEnded || to == StatusKilled
	default:
		return false
	}
}
