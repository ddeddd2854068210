package bandit

import (
	"math"
	"time"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// UCB1 picks the arm maximizing mean + c·sqrt(2·ln(N)/n) where N is the
// total pull count over the candidate set. Unpulled arms are visited first,
// round-robin in arm-id order, so the cold start is fully deterministic.
//
// The policy itself is deterministic, so the recorded propensity is exactly
// 1 on the chosen arm. Off-policy estimators that need a floor apply the
// configured exploration floor on their side; it is not baked into logs.
type UCB1 struct {
	c     float64
	floor float64
}

func newUCB1(p contracts.PolicyParams) *UCB1 {
	u := &UCB1{c: p.ExplorationC, floor: p.ExplorationFloor}
	if u.c <= 0 {
		u.c = 1
	}
	return u
}

func (u *UCB1) Kind() contracts.PolicyKind { return contracts.KindUCB }

// ExplorationFloor is the configured propensity floor for estimators.
func (u *UCB1) ExplorationFloor() float64 { return u.floor }

func (u *UCB1) choose(arms []string, states map[string]*contracts.ArmState) string {
	ordered := sortedArms(arms)

	// Cold start: first unpulled arm in id order.
	for _, armID := range ordered {
		if stateFor(states, armID).Pulls == 0 {
			return armID
		}
	}

	var total int64
	for _, armID := range ordered {
		total += stateFor(states, armID).Pulls
	}
	best, bestUCB := "", math.Inf(-1)
	for _, armID := range ordered {
		s := stateFor(states, armID)
		bound := u.c * math.Sqrt(2*math.Log(float64(total))/float64(s.Pulls))
		if v := s.Mean() + bound; v > bestUCB {
			best, bestUCB = armID, v
		}
	}
	return best
}

func (u *UCB1) Select(_ contracts.Context, arms []string, states map[string]*contracts.ArmState) (SelectResult, error) {
	if len(arms) == 0 {
		return SelectResult{}, contracts.ErrNoEligibleArm
	}
	chosen := u.choose(arms, states)
	return SelectResult{ArmID: chosen, Propensity: 1, Score: stateFor(states, chosen).Mean()}, nil
}

func (u *UCB1) Probabilities(_ contracts.Context, arms []string, states map[string]*contracts.ArmState) (map[string]float64, error) {
	if len(arms) == 0 {
		return nil, contracts.ErrNoEligibleArm
	}
	chosen := u.choose(arms, states)
	probs := make(map[string]float64, len(arms))
	for _, armID := range arms {
		if armID == chosen {
			probs[armID] = 1
		} else {
			probs[armID] = 0
		}
	}
	return probs, nil
}

func (u *UCB1) Update(state *contracts.ArmState, reward float64, at time.Time) error {
	return state.ApplyReward(reward, at)
}
