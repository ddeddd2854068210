package contracts

import (
	"fmt"
	"time"
)

// Arm is a discrete action a policy can choose, a recommendation algorithm
// variant or a candidate item. arm_id is unique within an experiment's
// pinned catalog version.
type Arm struct {
	ArmID         string            `json:"arm_id"`
	ExperimentID  string            `json:"experiment_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	EligibleFrom  *time.Time        `json:"eligible_from,omitempty"`
	EligibleUntil *time.Time        `json:"eligible_until,omitempty"`
}

// EligibleAt reports whether the arm may be served at t.
func (a *Arm) EligibleAt(t time.Time) bool {
	if a.EligibleFrom != nil && t.Before(*a.EligibleFrom) {
		return false
	}
	if a.EligibleUntil != nil && !t.Before(*a.EligibleUntil) {
		return false
	}
	return true
}

// Catalog is a versioned snapshot of an experiment's arms. An experiment
// pins exactly one version for its lifetime.
type Catalog struct {
	ExperimentID string `json:"experiment_id"`
	Version      int    `json:"version"`
	Arms         []Arm  `json:"arms"`
}

// Validate enforces arm-id uniqueness within the version.
func (c *Catalog) Validate() error {
	if len(c.Arms) == 0 {
		return fmt.Errorf("catalog version %d has no arms", c.Version)
	}
	seen := make(map[string]bool, len(c.Arms))
	for _, a := range c.Arms {
		if a.ArmID == "" {
			return fmt.Errorf("catalog version %d has an arm with empty id", c.Version)
		}
		if seen[a.ArmID] {
			return fmt.Errorf("duplicate arm %q in catalog version %d", a.ArmID, c.Version)
		}
		seen[a.ArmID] = true
	}
	return nil
}

// EligibleArmIDs returns the ids of arms servable at t, preserving catalog
// order.
func (c *Catalog) EligibleArmIDs(t time.Time) []string {
	ids := make([]string, 0, len(c.Arms))
	for i := range c.Arms {
		if c.Arms[i].EligibleAt(t) {
			ids = append(ids, c.Arms[i].ArmID)
		}
	}
	return ids
}
