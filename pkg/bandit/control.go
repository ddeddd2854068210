package bandit

import (
	"time"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// Control is the stateless fixed policy standing in for the legacy ranker.
// It serves its configured arm when eligible, otherwise the first candidate
// in catalog order, always with propensity 1.
type Control struct {
	fixedArmID string
}

func (c *Control) Kind() contracts.PolicyKind { return contracts.KindControl }

func (c *Control) Select(_ contracts.Context, arms []string, _ map[string]*contracts.ArmState) (SelectResult, error) {
	if len(arms) == 0 {
		return SelectResult{}, contracts.ErrNoEligibleArm
	}
	chosen := arms[0]
	if c.fixedArmID != "" {
		for _, armID := range arms {
			if armID == c.fixedArmID {
				chosen = armID
				break
			}
		}
	}
	return SelectResult{ArmID: chosen, Propensity: 1, Score: 1}, nil
}

func (c *Control) Probabilities(ctx contracts.Context, arms []string, states map[string]*contracts.ArmState) (map[string]float64, error) {
	res, err := c.Select(ctx, arms, states)
	if err != nil {
		return nil, err
	}
	probs := make(map[string]float64, len(arms))
	for _, armID := range arms {
		if armID == res.ArmID {
			probs[armID] = 1
		} else {
			probs[armID] = 0
		}
	}
	return probs, nil
}

// Update still accumulates statistics so control reward means are available
// to guardrails and the decision engine.
func (c *Control) Update(state *contracts.ArmState, reward float64, at time.Time) error {
	return state.ApplyReward(reward, at)
}
