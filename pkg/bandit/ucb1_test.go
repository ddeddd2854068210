package bandit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

func TestUCB1_ColdStartVisitsEachArmOnce(t *testing.T) {
	p := testPolicy(t, contracts.KindUCB, contracts.PolicyParams{}, 1)
	arms := []string{"c", "a", "b"}
	states := map[string]*contracts.ArmState{}
	now := time.Now()

	var visited []string
	for i := 0; i < len(arms); i++ {
		res, err := p.Select(nil, arms, states)
		require.NoError(t, err)
		assert.Equal(t, 1.0, res.Propensity, "UCB1 propensity is exactly 1 on the chosen arm")
		visited = append(visited, res.ArmID)

		s := stateFor(states, res.ArmID)
		s.ExperimentID, s.PolicyID, s.ContextKey = "e1", "p1", ""
		require.NoError(t, p.Update(s, 0.5, now))
		states[res.ArmID] = s
	}

	// Round-robin by arm id, each arm exactly once.
	assert.Equal(t, []string{"a", "b", "c"}, visited)
}

func TestUCB1_PrefersUnderexploredArm(t *testing.T) {
	p := testPolicy(t, contracts.KindUCB, contracts.PolicyParams{}, 2)
	states := map[string]*contracts.ArmState{
		"heavy": {ArmID: "heavy", Pulls: 1000, SumReward: 600, Alpha: 1, Beta: 1},
		"light": {ArmID: "light", Pulls: 2, SumReward: 1, Alpha: 1, Beta: 1},
	}
	res, err := p.Select(nil, []string{"heavy", "light"}, states)
	require.NoError(t, err)
	// Confidence bound on 2 pulls dwarfs the mean gap.
	assert.Equal(t, "light", res.ArmID)
}

func TestUCB1_ExploitsAfterExploration(t *testing.T) {
	p := testPolicy(t, contracts.KindUCB, contracts.PolicyParams{}, 3)
	states := map[string]*contracts.ArmState{
		"good": {ArmID: "good", Pulls: 500, SumReward: 400, Alpha: 1, Beta: 1},
		"bad":  {ArmID: "bad", Pulls: 500, SumReward: 100, Alpha: 1, Beta: 1},
	}
	res, err := p.Select(nil, []string{"good", "bad"}, states)
	require.NoError(t, err)
	assert.Equal(t, "good", res.ArmID)
}

func TestUCB1_ProbabilitiesAreDegenerate(t *testing.T) {
	p := testPolicy(t, contracts.KindUCB, contracts.PolicyParams{}, 4)
	states := map[string]*contracts.ArmState{
		"a": {ArmID: "a", Pulls: 10, SumReward: 9, Alpha: 1, Beta: 1},
		"b": {ArmID: "b", Pulls: 10, SumReward: 1, Alpha: 1, Beta: 1},
	}
	probs, err := p.Probabilities(nil, []string{"a", "b"}, states)
	require.NoError(t, err)

	var sum float64
	for _, v := range probs {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Equal(t, 1.0, probs["a"])
	assert.Equal(t, 0.0, probs["b"])
}

func TestUCB1_EmptyCandidates(t *testing.T) {
	p := testPolicy(t, contracts.KindUCB, contracts.PolicyParams{}, 5)
	_, err := p.Select(nil, nil, nil)
	assert.ErrorIs(t, err, contracts.ErrNoEligibleArm)
}
