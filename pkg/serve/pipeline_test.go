package serve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Teamial/CineaMate/pkg/contracts"
	"github.com/Teamial/CineaMate/pkg/experiment"
	"github.com/Teamial/CineaMate/pkg/store"
)

func fixture(t *testing.T, opts ...Option) (*Pipeline, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	m := experiment.NewManager(s)
	exp := &contracts.Experiment{
		ID:              "e1",
		Name:            "bakeoff",
		Surface:         "homepage",
		Salt:            "s1",
		TrafficFraction: 1.0,
		TrafficPlan:     contracts.TrafficPlan{{PolicyID: "A", Share: 1.0}},
		DefaultPolicyID: "control",
		CatalogVersion:  1,
		RewardMapping:   contracts.RewardBinaryClick,
	}
	policies := []*contracts.Policy{
		{ID: "A", Kind: contracts.KindEGreedy, Params: contracts.PolicyParams{Epsilon: 0.1}},
		{ID: "control", Kind: contracts.KindControl, Params: contracts.PolicyParams{FixedArmID: "svd"}},
	}
	catalog := &contracts.Catalog{
		ExperimentID: "e1", Version: 1,
		Arms: []contracts.Arm{{ArmID: "svd"}, {ArmID: "item_cf"}, {ArmID: "embeddings"}},
	}
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, exp, policies, catalog))
	require.NoError(t, m.Start(ctx, "e1"))

	p := New(s, s, opts...)
	t.Cleanup(p.Close)
	return p, s
}

func TestRecommendLogsEventWithPropensity(t *testing.T) {
	p, s := fixture(t)
	ctx := context.Background()

	recs, err := p.Recommend(ctx, "u1", "homepage", contracts.Context{"surface": "homepage"}, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "e1", recs[0].ExperimentID)
	require.Equal(t, "A", recs[0].PolicyID)
	require.Greater(t, recs[0].Propensity, 0.0)
	require.LessOrEqual(t, recs[0].Propensity, 1.0)

	got, err := s.GetServeEvent(ctx, recs[0].EventID)
	require.NoError(t, err)
	require.Equal(t, recs[0].ArmID, got.ArmID)
	require.Equal(t, recs[0].Propensity, got.Propensity)
	require.Nil(t, got.Reward)

	// The assignment audit row lands too.
	a, err := s.GetAssignment(ctx, "u1", "e1")
	require.NoError(t, err)
	require.Equal(t, "A", a.PolicyID)
}

func TestRecommendRankedList(t *testing.T) {
	p, _ := fixture(t)
	recs, err := p.Recommend(context.Background(), "u1", "homepage", nil, 3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	seen := map[string]bool{}
	for i, r := range recs {
		require.Equal(t, i, r.Position)
		require.False(t, seen[r.ArmID], "ranked list must not repeat arms")
		seen[r.ArmID] = true
	}
}

func TestRecommendNoActiveExperiment(t *testing.T) {
	p, _ := fixture(t)
	_, err := p.Recommend(context.Background(), "u1", "watchlist-suggestions", nil, 1)
	require.ErrorIs(t, err, contracts.ErrNoActiveExperiment)
}

func TestPolicyTimeoutFallsBackToControl(t *testing.T) {
	// A zero-width policy deadline forces the timeout path on every call.
	p, s := fixture(t, WithDeadlines(time.Nanosecond, time.Second))
	ctx := context.Background()

	recs, err := p.Recommend(ctx, "u1", "homepage", nil, 1)
	require.NoError(t, err, "serve path must degrade, not fail")
	require.Len(t, recs, 1)
	require.Equal(t, "control", recs[0].PolicyID)
	require.Equal(t, 1.0, recs[0].Propensity)

	got, err := s.GetServeEvent(ctx, recs[0].EventID)
	require.NoError(t, err)
	require.True(t, got.PolicyTimeout)
}

type recordingMetrics struct {
	served  int
	failed  int
	tracked int
	open    int
}

func (m *recordingMetrics) RecordServe(_ context.Context, _, _ string, _ time.Duration, failed bool) {
	m.served++
	if failed {
		m.failed++
	}
}

func (m *recordingMetrics) TrackServe(ctx context.Context, _ string) (context.Context, func()) {
	m.tracked++
	m.open++
	return ctx, func() { m.open-- }
}

func TestRecommendReportsMetrics(t *testing.T) {
	metrics := &recordingMetrics{}
	p, _ := fixture(t, WithMetrics(metrics))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := p.Recommend(ctx, "u1", "homepage", nil, 1)
		require.NoError(t, err)
	}
	require.Equal(t, 3, metrics.served)
	require.Equal(t, 3, metrics.tracked)
	require.Equal(t, 0, metrics.open, "every tracked serve must be closed")
	require.Equal(t, 0, metrics.failed)
}

func TestRecommendDeterministicAssignment(t *testing.T) {
	p, _ := fixture(t)
	ctx := context.Background()
	first, err := p.Recommend(ctx, "u42", "homepage", nil, 1)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := p.Recommend(ctx, "u42", "homepage", nil, 1)
		require.NoError(t, err)
		require.Equal(t, first[0].PolicyID, again[0].PolicyID)
	}
}
