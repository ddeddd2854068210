package experiment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Teamial/CineaMate/pkg/contracts"
	"github.com/Teamial/CineaMate/pkg/store"
)

func fixture(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	m := NewManager(s, WithClock(func() time.Time {
		return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	}))
	return m, s
}

func seedExperiment(t *testing.T, m *Manager) *contracts.Experiment {
	t.Helper()
	exp := &contracts.Experiment{
		ID:              "e1",
		Name:            "ranker bakeoff",
		Salt:            "s1",
		TrafficFraction: 0.1,
		TrafficPlan: contracts.TrafficPlan{
			{PolicyID: "A", Share: 0.5},
			{PolicyID: "B", Share: 0.5},
		},
		DefaultPolicyID: "control",
		CatalogVersion:  1,
		RewardMapping:   contracts.RewardBinaryClick,
	}
	policies := []*contracts.Policy{
		{ID: "A", Kind: contracts.KindThompson, Params: contracts.PolicyParams{Alpha0: 2, Beta0: 3}},
		{ID: "B", Kind: contracts.KindEGreedy, Params: contracts.PolicyParams{Epsilon: 0.1}},
		{ID: "control", Kind: contracts.KindControl, Params: contracts.PolicyParams{FixedArmID: "svd"}},
	}
	catalog := &contracts.Catalog{
		ExperimentID: "e1",
		Version:      1,
		Arms:         []contracts.Arm{{ArmID: "svd"}, {ArmID: "item_cf"}},
	}
	require.NoError(t, m.Create(context.Background(), exp, policies, catalog))
	return exp
}

func TestLifecycle(t *testing.T) {
	m, s := fixture(t)
	ctx := context.Background()
	seedExperiment(t, m)

	require.NoError(t, m.Start(ctx, "e1"))
	require.NoError(t, m.Pause(ctx, "e1"))
	require.NoError(t, m.Resume(ctx, "e1"))
	require.NoError(t, m.Kill(ctx, "e1", "guardrail: error_rate"))

	exp, err := s.GetExperiment(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, contracts.StatusKilled, exp.Status)

	// Terminal states admit nothing further.
	err = m.Resume(ctx, "e1")
	require.Error(t, err)
	require.Equal(t, contracts.ErrorKindConfiguration, contracts.KindOf(err))
}

func TestStartSeedsPriors(t *testing.T) {
	m, s := fixture(t)
	ctx := context.Background()
	seedExperiment(t, m)
	require.NoError(t, m.Start(ctx, "e1"))

	states, err := s.GetStates(ctx, "e1", "A", "")
	require.NoError(t, err)
	require.Len(t, states, 2)
	require.Equal(t, 2.0, states["svd"].Alpha)
	require.Equal(t, 3.0, states["svd"].Beta)
	require.EqualValues(t, 0, states["svd"].Pulls)

	// Every policy lane gets rows, not just thompson.
	states, err = s.GetStates(ctx, "e1", "B", "")
	require.NoError(t, err)
	require.Len(t, states, 2)
}

func TestTrafficFractionOnlyGrowsWhileActive(t *testing.T) {
	m, _ := fixture(t)
	ctx := context.Background()
	seedExperiment(t, m)
	require.NoError(t, m.Start(ctx, "e1"))

	require.NoError(t, m.SetTrafficFraction(ctx, "e1", 0.2))
	err := m.SetTrafficFraction(ctx, "e1", 0.05)
	require.Error(t, err)
	require.Equal(t, contracts.ErrorKindConfiguration, contracts.KindOf(err))
}

func TestChangeSaltResetsAssignments(t *testing.T) {
	m, s := fixture(t)
	ctx := context.Background()
	seedExperiment(t, m)
	require.NoError(t, s.RecordAssignment(ctx, contracts.Assignment{
		UserID: "u1", ExperimentID: "e1", PolicyID: "A",
		AssignedAt: time.Now().UTC(), Sticky: true,
	}))

	require.NoError(t, m.ChangeSalt(ctx, "e1", "s2"))

	got, err := s.GetAssignment(ctx, "u1", "e1")
	require.NoError(t, err)
	require.Nil(t, got)

	err = m.ChangeSalt(ctx, "e1", "")
	require.Error(t, err)
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	m, _ := fixture(t)
	ctx := context.Background()
	exp := &contracts.Experiment{
		ID: "bad", Salt: "s", TrafficFraction: 0.1,
		TrafficPlan:     contracts.TrafficPlan{{PolicyID: "A", Share: 0.7}},
		DefaultPolicyID: "control",
	}
	err := m.Create(ctx, exp, nil, &contracts.Catalog{ExperimentID: "bad", Version: 1, Arms: []contracts.Arm{{ArmID: "x"}}})
	require.Error(t, err)
	require.Equal(t, contracts.ErrorKindConfiguration, contracts.KindOf(err))
}
