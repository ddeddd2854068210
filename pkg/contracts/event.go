package contracts

import (
	"fmt"
	"time"
)

// ServeEventSchemaVersion is bumped when the serve_events row shape changes.
const ServeEventSchemaVersion = 1

// ServeEvent is the append-only record of one policy serve. Reward fields
// are written at most once, inside the attribution window, guarded by a CAS
// on AttributionVersion.
type ServeEvent struct {
	EventID            string     `json:"event_id"`
	ExperimentID       string     `json:"experiment_id"`
	UserID             string     `json:"user_id"`
	PolicyID           string     `json:"policy_id"`
	ArmID              string     `json:"arm_id"`
	Position           int        `json:"position"`
	Context            Context    `json:"context,omitempty"`
	ContextKey         string     `json:"context_key"`
	Propensity         float64    `json:"propensity"`
	Score              float64    `json:"score"`
	LatencyMs          int        `json:"latency_ms"`
	ServedAt           time.Time  `json:"served_at"`
	Reward             *float64   `json:"reward,omitempty"`
	RewardAt           *time.Time `json:"reward_at,omitempty"`
	AttributionVersion int        `json:"attribution_version"`
	PolicyTimeout      bool       `json:"policy_timeout,omitempty"`
	Dropped            bool       `json:"dropped,omitempty"`
	ErrorKind          string     `json:"error_kind,omitempty"`
	SchemaVersion      int        `json:"schema_version"`
}

// Validate enforces propensity semantics before the row is appended.
func (e *ServeEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("serve event missing event id")
	}
	if e.Propensity <= 0 || e.Propensity > 1 {
		return fmt.Errorf("propensity out of (0,1]: %v", e.Propensity)
	}
	return nil
}

// WindowClosed reports whether the attribution window has expired at now.
func (e *ServeEvent) WindowClosed(window time.Duration, now time.Time) bool {
	return now.After(e.ServedAt.Add(window))
}

// RewardKind enumerates downstream signals the attributor understands.
type RewardKind string

const (
	SignalClick      RewardKind = "click"
	SignalRating     RewardKind = "rating"
	SignalThumbsUp   RewardKind = "thumbs_up"
	SignalThumbsDown RewardKind = "thumbs_down"
	SignalCustom     RewardKind = "custom"
)

// RewardEvent is one downstream user signal, tied to a serve either by
// event_id or by the (user_id, arm_id, at) triple.
type RewardEvent struct {
	EventID string     `json:"event_id"`
	UserID  string     `json:"user_id,omitempty"`
	ArmID   string     `json:"arm_id,omitempty"`
	Kind    RewardKind `json:"kind"`
	Value   float64    `json:"value"`
	At      time.Time  `json:"at"`
}

// Validate rejects unknown kinds and values outside per-kind ranges at
// ingestion time.
func (r *RewardEvent) Validate() error {
	switch r.Kind {
	case SignalClick:
		if r.Value != 0 && r.Value != 1 {
			return fmt.Errorf("click value must be 0 or 1, got %v", r.Value)
		}
	case SignalRating:
		if r.Value < 1 || r.Value > 5 {
			return fmt.Errorf("rating out of [1,5]: %v", r.Value)
		}
	case SignalThumbsUp, SignalThumbsDown:
		// value is implied by the kind; tolerate ±1 payloads
		if r.Value != 0 && r.Value != 1 && r.Value != -1 {
			return fmt.Errorf("thumbs value must be 0, 1 or -1, got %v", r.Value)
		}
	case SignalCustom:
		if r.Value < -1 || r.Value > 1 {
			return fmt.Errorf("custom value out of [-1,1]: %v", r.Value)
		}
	default:
		return fmt.Errorf("unknown reward kind %q", r.Kind)
	}
	if r.At.IsZero() {
		return fmt.Errorf("reward event missing timestamp")
	}
	return nil
}
