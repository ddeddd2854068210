package contracts

import "fmt"

// PolicyKind is the tagged variant discriminator for policies.
type PolicyKind string

const (
	KindThompson PolicyKind = "thompson"
	KindEGreedy  PolicyKind = "egreedy"
	KindUCB      PolicyKind = "ucb"
	KindControl  PolicyKind = "control"
)

// PolicyParams holds kind-specific parameters. Only the fields for the
// declared kind are meaningful; the rest stay zero.
type PolicyParams struct {
	// thompson
	Alpha0            float64 `json:"alpha0,omitempty"`
	Beta0             float64 `json:"beta0,omitempty"`
	PropensityDraws   int     `json:"propensity_draws,omitempty"` // Monte-Carlo N, >= 500
	// egreedy
	Epsilon float64 `json:"epsilon,omitempty"`
	// ucb
	ExplorationC     float64 `json:"exploration_c,omitempty"`
	ExplorationFloor float64 `json:"exploration_floor,omitempty"`
	// control
	FixedArmID string `json:"fixed_arm_id,omitempty"`
	// contextual policies key state by canonicalized context
	Contextual bool `json:"contextual,omitempty"`
}

// Policy describes one treatment lane inside an experiment.
type Policy struct {
	ID           string       `json:"id"`
	ExperimentID string       `json:"experiment_id"`
	Kind         PolicyKind   `json:"kind"`
	Params       PolicyParams `json:"params"`
}

// Validate rejects unknown kinds and out-of-range parameters at admin time.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy id is empty")
	}
	switch p.Kind {
	case KindThompson:
		// Zero priors mean "use defaults" at seeding; negatives never make sense.
		if p.Params.Alpha0 < 0 || p.Params.Beta0 < 0 {
			return fmt.Errorf("thompson priors must be non-negative")
		}
	case KindEGreedy:
		if p.Params.Epsilon < 0 || p.Params.Epsilon > 1 {
			return fmt.Errorf("epsilon out of [0,1]: %v", p.Params.Epsilon)
		}
	case KindUCB:
		if p.Params.ExplorationC < 0 {
			return fmt.Errorf("exploration_c must be non-negative")
		}
		if p.Params.ExplorationFloor < 0 || p.Params.ExplorationFloor >= 1 {
			return fmt.Errorf("exploration_floor out of [0,1): %v", p.Params.ExplorationFloor)
		}
	case KindControl:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, p.Kind)
	}
	return nil
}
