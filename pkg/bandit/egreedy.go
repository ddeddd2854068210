package bandit

import (
	"time"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// EGreedy is the ε-greedy policy: with probability 1−ε exploit the arm with
// the highest mean reward (ties broken by lowest arm id), with probability
// ε explore uniformly. Propensities are exact closed forms:
//
//	p(best)  = (1−ε) + ε/K
//	p(other) = ε/K
type EGreedy struct {
	epsilon float64
	rng     *lockedRand
}

func newEGreedy(p contracts.PolicyParams, rng *lockedRand) *EGreedy {
	return &EGreedy{epsilon: p.Epsilon, rng: rng}
}

func (e *EGreedy) Kind() contracts.PolicyKind { return contracts.KindEGreedy }

// bestArm returns the greedy choice: highest mean, lowest arm id on ties.
// sortedArms guarantees the first maximal arm is the lowest id.
func (e *EGreedy) bestArm(arms []string, states map[string]*contracts.ArmState) string {
	best, bestMean := "", -1.0
	for _, armID := range sortedArms(arms) {
		if m := stateFor(states, armID).Mean(); m > bestMean {
			best, bestMean = armID, m
		}
	}
	return best
}

func (e *EGreedy) Select(_ contracts.Context, arms []string, states map[string]*contracts.ArmState) (SelectResult, error) {
	if len(arms) == 0 {
		return SelectResult{}, contracts.ErrNoEligibleArm
	}
	k := float64(len(arms))
	best := e.bestArm(arms, states)

	var chosen string
	if e.epsilon > 0 && e.rng.Float64() < e.epsilon {
		chosen = arms[e.rng.Intn(len(arms))]
	} else {
		chosen = best
	}

	p := e.epsilon / k
	if chosen == best {
		p = (1 - e.epsilon) + e.epsilon/k
	}
	return SelectResult{ArmID: chosen, Propensity: p, Score: stateFor(states, chosen).Mean()}, nil
}

func (e *EGreedy) Probabilities(_ contracts.Context, arms []string, states map[string]*contracts.ArmState) (map[string]float64, error) {
	if len(arms) == 0 {
		return nil, contracts.ErrNoEligibleArm
	}
	k := float64(len(arms))
	best := e.bestArm(arms, states)
	probs := make(map[string]float64, len(arms))
	for _, armID := range arms {
		if armID == best {
			probs[armID] = (1 - e.epsilon) + e.epsilon/k
		} else {
			probs[armID] = e.epsilon / k
		}
	}
	return probs, nil
}

func (e *EGreedy) Update(state *contracts.ArmState, reward float64, at time.Time) error {
	return state.ApplyReward(reward, at)
}
