package bandit

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

func TestThompson_EqualPriorsNearUniform(t *testing.T) {
	p := testPolicy(t, contracts.KindThompson, contracts.PolicyParams{PropensityDraws: 5000}, 7)
	arms := []string{"a", "b", "c", "d"}
	states := map[string]*contracts.ArmState{}
	for _, armID := range arms {
		states[armID] = &contracts.ArmState{ArmID: armID, Alpha: 1, Beta: 1}
	}

	probs, err := p.Probabilities(nil, arms, states)
	require.NoError(t, err)

	var sum float64
	for _, armID := range arms {
		assert.InDelta(t, 0.25, probs[armID], 0.04, "equal posteriors should select near-uniformly")
		sum += probs[armID]
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}

func TestThompson_SkewedPosteriorDominates(t *testing.T) {
	p := testPolicy(t, contracts.KindThompson, contracts.PolicyParams{}, 8)
	states := map[string]*contracts.ArmState{
		"good": {ArmID: "good", Alpha: 300, Beta: 700, Pulls: 1000},
		"bad":  {ArmID: "bad", Alpha: 200, Beta: 800, Pulls: 1000},
	}
	probs, err := p.Probabilities(nil, []string{"good", "bad"}, states)
	require.NoError(t, err)
	assert.Greater(t, probs["good"], 0.95)
	assert.Greater(t, probs["bad"], 0.0, "smoothing floor keeps propensity in (0,1]")
}

func TestThompson_PropensityFloor(t *testing.T) {
	p := testPolicy(t, contracts.KindThompson, contracts.PolicyParams{PropensityDraws: 500}, 9)
	// Hugely separated posteriors: the losing arm would estimate to 0
	// without the floor.
	states := map[string]*contracts.ArmState{
		"win":  {ArmID: "win", Alpha: 9000, Beta: 1000, Pulls: 10000},
		"lose": {ArmID: "lose", Alpha: 1000, Beta: 9000, Pulls: 10000},
	}
	probs, err := p.Probabilities(nil, []string{"win", "lose"}, states)
	require.NoError(t, err)

	eps := 1.0 / float64(500+2*500)
	assert.GreaterOrEqual(t, probs["lose"], eps)
	assert.LessOrEqual(t, probs["win"], 1.0)
}

func TestThompson_UpdateMovesPosterior(t *testing.T) {
	p := testPolicy(t, contracts.KindThompson, contracts.PolicyParams{}, 10)
	s := &contracts.ArmState{ArmID: "a", Alpha: 1, Beta: 1}
	now := time.Now()

	require.NoError(t, p.Update(s, 1, now))
	require.NoError(t, p.Update(s, 0, now))
	require.NoError(t, p.Update(s, 1, now))

	assert.Equal(t, int64(3), s.Pulls)
	assert.Equal(t, int64(2), s.Successes)
	assert.Equal(t, int64(1), s.Failures)
	// alpha = alpha0 + successes, beta = beta0 + failures
	assert.InDelta(t, 3.0, s.Alpha, 1e-12)
	assert.InDelta(t, 2.0, s.Beta, 1e-12)
}

func TestThompson_FractionalReward(t *testing.T) {
	p := testPolicy(t, contracts.KindThompson, contracts.PolicyParams{}, 11)
	s := &contracts.ArmState{ArmID: "a", Alpha: 1, Beta: 1}
	require.NoError(t, p.Update(s, 0.25, time.Now()))

	assert.InDelta(t, 1.25, s.Alpha, 1e-12)
	assert.InDelta(t, 1.75, s.Beta, 1e-12)
	assert.Equal(t, int64(1), s.Neutrals)
}

func TestThompson_RejectsOutOfRangeReward(t *testing.T) {
	p := testPolicy(t, contracts.KindThompson, contracts.PolicyParams{}, 12)
	s := &contracts.ArmState{ArmID: "a", Alpha: 1, Beta: 1}
	assert.ErrorIs(t, p.Update(s, 1.5, time.Now()), contracts.ErrInvalidState)
	assert.ErrorIs(t, p.Update(s, -0.1, time.Now()), contracts.ErrInvalidState)
}

func TestThompson_InvalidStateFailsLoudly(t *testing.T) {
	p := testPolicy(t, contracts.KindThompson, contracts.PolicyParams{}, 13)
	states := map[string]*contracts.ArmState{
		"a": {ArmID: "a", Alpha: 0, Beta: 0},
	}
	_, err := p.Select(nil, []string{"a"}, states)
	assert.ErrorIs(t, err, contracts.ErrInvalidState)
}

func TestThompson_ConvergesToBetterArm(t *testing.T) {
	if testing.Short() {
		t.Skip("simulation test")
	}
	p := testPolicy(t, contracts.KindThompson, contracts.PolicyParams{}, 42).(*Thompson)
	trueCTR := map[string]float64{"arm0": 0.30, "arm1": 0.20}
	arms := []string{"arm0", "arm1"}
	states := map[string]*contracts.ArmState{
		"arm0": {ArmID: "arm0", Alpha: 1, Beta: 1},
		"arm1": {ArmID: "arm1", Alpha: 1, Beta: 1},
	}
	now := time.Now()

	// Drive the posterior with raw draws (no MC propensity per step) so the
	// simulation stays fast; selection semantics are identical.
	picks := map[string]int{}
	const serves = 20000
	for i := 0; i < serves; i++ {
		best, bestSample := "", -1.0
		for _, armID := range arms {
			s := states[armID]
			if v := sampleBeta(p.rng, s.Alpha, s.Beta); v > bestSample {
				best, bestSample = armID, v
			}
		}
		picks[best]++
		reward := 0.0
		if p.rng.Float64() < trueCTR[best] {
			reward = 1.0
		}
		require.NoError(t, p.Update(states[best], reward, now))
	}

	share := float64(picks["arm0"]) / serves
	assert.Greater(t, share, 0.85, "better arm should dominate selection")
	assert.InDelta(t, trueCTR["arm0"], states["arm0"].Mean(), 0.05)
	if math.Abs(states["arm0"].Alpha-(1+float64(states["arm0"].Successes))) > 1e-9 {
		t.Errorf("alpha invariant broken: alpha=%v successes=%d", states["arm0"].Alpha, states["arm0"].Successes)
	}
}
