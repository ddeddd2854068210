package bandit

import (
	"fmt"
	"time"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// DefaultPropensityDraws is the Monte-Carlo sample count for Thompson
// propensity estimation. Anything below 500 draws is bumped up; more
// draws tighten the estimate at linear cost.
const DefaultPropensityDraws = 1000

// Thompson is the Beta–Bernoulli Thompson sampling policy. Each arm carries
// (α, β); selection draws θ_i ~ Beta(α_i, β_i) and returns the argmax.
//
// Exact selection probabilities have no closed form, so propensities are
// estimated by Monte-Carlo over the same posteriors, smoothed with an
// ε = 1/(N + K·N) floor so every candidate stays in (0,1].
type Thompson struct {
	alpha0 float64
	beta0  float64
	draws  int
	rng    *lockedRand
}

func newThompson(p contracts.PolicyParams, rng *lockedRand) *Thompson {
	t := &Thompson{alpha0: p.Alpha0, beta0: p.Beta0, draws: p.PropensityDraws, rng: rng}
	if t.alpha0 <= 0 {
		t.alpha0 = 1
	}
	if t.beta0 <= 0 {
		t.beta0 = 1
	}
	if t.draws < 500 {
		t.draws = DefaultPropensityDraws
	}
	return t
}

func (t *Thompson) Kind() contracts.PolicyKind { return contracts.KindThompson }

func (t *Thompson) Select(ctx contracts.Context, arms []string, states map[string]*contracts.ArmState) (SelectResult, error) {
	if len(arms) == 0 {
		return SelectResult{}, contracts.ErrNoEligibleArm
	}
	if err := t.checkStates(arms, states); err != nil {
		return SelectResult{}, err
	}

	best, bestSample := "", -1.0
	for _, armID := range sortedArms(arms) {
		s := stateFor(states, armID)
		sample := sampleBeta(t.rng, s.Alpha, s.Beta)
		if sample > bestSample {
			best, bestSample = armID, sample
		}
	}

	probs, err := t.Probabilities(ctx, arms, states)
	if err != nil {
		return SelectResult{}, err
	}
	return SelectResult{ArmID: best, Propensity: probs[best], Score: bestSample}, nil
}

// Probabilities estimates P(arm is argmax) by simulation, then applies the
// smoothing floor. The result sums to 1 exactly.
func (t *Thompson) Probabilities(_ contracts.Context, arms []string, states map[string]*contracts.ArmState) (map[string]float64, error) {
	if len(arms) == 0 {
		return nil, contracts.ErrNoEligibleArm
	}
	if err := t.checkStates(arms, states); err != nil {
		return nil, err
	}

	ordered := sortedArms(arms)
	counts := make(map[string]int, len(ordered))
	for i := 0; i < t.draws; i++ {
		best, bestSample := "", -1.0
		for _, armID := range ordered {
			s := stateFor(states, armID)
			sample := sampleBeta(t.rng, s.Alpha, s.Beta)
			if sample > bestSample {
				best, bestSample = armID, sample
			}
		}
		counts[best]++
	}

	k := len(ordered)
	eps := 1.0 / float64(t.draws+k*t.draws)
	probs := make(map[string]float64, k)
	for _, armID := range ordered {
		raw := float64(counts[armID]) / float64(t.draws)
		probs[armID] = (1-float64(k)*eps)*raw + eps
	}
	return probs, nil
}

// Update applies a reward in [0,1]: α += r, β += 1−r. Binary rewards hit
// the success/failure bands; fractional rewards move the posterior without
// touching them.
func (t *Thompson) Update(state *contracts.ArmState, reward float64, at time.Time) error {
	if reward < 0 || reward > 1 {
		return fmt.Errorf("%w: thompson reward %v outside [0,1]", contracts.ErrInvalidState, reward)
	}
	return state.ApplyReward(reward, at)
}

func (t *Thompson) checkStates(arms []string, states map[string]*contracts.ArmState) error {
	for _, armID := range arms {
		s := stateFor(states, armID)
		if s.Alpha <= 0 || s.Beta <= 0 {
			return fmt.Errorf("%w: arm %s has alpha=%v beta=%v", contracts.ErrInvalidState, armID, s.Alpha, s.Beta)
		}
	}
	return nil
}

// SeedState returns the prior row for a new (policy, arm, context) key.
func (t *Thompson) SeedState(key contracts.StateKey, at time.Time) *contracts.ArmState {
	return &contracts.ArmState{
		ExperimentID: key.ExperimentID,
		PolicyID:     key.PolicyID,
		ArmID:        key.ArmID,
		ContextKey:   key.ContextKey,
		Alpha:        t.alpha0,
		Beta:         t.beta0,
		UpdatedAt:    at,
	}
}
