package decision

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Teamial/CineaMate/pkg/contracts"
	"github.com/Teamial/CineaMate/pkg/experiment"
	"github.com/Teamial/CineaMate/pkg/store"
)

var t0 = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	store   *store.Store
	manager *experiment.Manager
	engine  *Engine
	now     time.Time
}

// newEnv sets up a two-lane bakeoff: a fixed control on svd and a fixed
// treatment on item_cf. Deterministic lanes keep the estimates exact.
func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	e := &env{store: s, now: t0}
	clock := func() time.Time { return e.now }
	e.manager = experiment.NewManager(s, experiment.WithClock(clock))
	e.engine = NewEngine(s, e.manager, WithClock(clock), WithSeed(42))

	ctx := context.Background()
	exp := &contracts.Experiment{
		ID: "e1", Name: "bakeoff", Salt: "s1",
		TrafficFraction: 1.0,
		TrafficPlan:     contracts.TrafficPlan{{PolicyID: "B", Share: 1.0}},
		DefaultPolicyID: "control",
		CatalogVersion:  1,
		RewardMapping:   contracts.RewardBinaryClick,
		Decision:        contracts.DecisionConfig{AutoShip: true, AutoKill: true},
	}
	policies := []*contracts.Policy{
		{ID: "control", Kind: contracts.KindControl, Params: contracts.PolicyParams{FixedArmID: "svd"}},
		{ID: "B", Kind: contracts.KindControl, Params: contracts.PolicyParams{FixedArmID: "item_cf"}},
	}
	catalog := &contracts.Catalog{
		ExperimentID: "e1", Version: 1,
		Arms: []contracts.Arm{{ArmID: "svd"}, {ArmID: "item_cf"}},
	}
	require.NoError(t, e.manager.Create(ctx, exp, policies, catalog))
	require.NoError(t, e.manager.Start(ctx, "e1"))
	return e
}

// writeAttributed alternates control and treatment serves with the given
// per-lane reward means, all inside the experiment window.
func (e *env) writeAttributed(t *testing.T, n int, controlMean, treatmentMean float64) {
	t.Helper()
	ctx := context.Background()
	reward := func(v float64) *float64 { return &v }
	for i := 0; i < n; i++ {
		ev := &contracts.ServeEvent{
			EventID:      fmt.Sprintf("ev-%d", i),
			ExperimentID: "e1",
			UserID:       fmt.Sprintf("u%d", i),
			Propensity:   1,
			LatencyMs:    20,
			ServedAt:     t0.Add(time.Hour + time.Duration(i)*time.Second),
		}
		lane := i / 2
		if i%2 == 0 {
			ev.PolicyID = "control"
			ev.ArmID = "svd"
			ev.Reward = reward(bernoulli(lane, controlMean))
		} else {
			ev.PolicyID = "B"
			ev.ArmID = "item_cf"
			ev.Reward = reward(bernoulli(lane, treatmentMean))
		}
		require.NoError(t, e.store.AppendServeEvent(ctx, ev))
	}
}

// bernoulli lays rewards out deterministically at the requested rate.
func bernoulli(i int, mean float64) float64 {
	if float64(i%100) < mean*100 {
		return 1
	}
	return 0
}

func (e *env) experiment(t *testing.T) *contracts.Experiment {
	t.Helper()
	exp, err := e.store.GetExperiment(context.Background(), "e1")
	require.NoError(t, err)
	return exp
}

func TestShipOnClearWinner(t *testing.T) {
	e := newEnv(t)
	e.writeAttributed(t, 1200, 0.30, 0.50)
	e.now = t0.Add(8 * 24 * time.Hour)

	d, err := e.engine.Evaluate(context.Background(), e.experiment(t))
	require.NoError(t, err)
	require.Equal(t, contracts.VerdictShip, d.Verdict)
	require.Equal(t, "B", d.WinnerPolicyID)
	require.InDelta(t, 0.50, d.Estimators["B"].DR, 0.01)
	require.InDelta(t, 0.30, d.Estimators["control"].DR, 0.01)
	require.Greater(t, d.Uplift, 0.5)
	require.Greater(t, d.Confidence, 0.99)
	require.Equal(t, 8, d.WindowDays)

	// auto_ship ended the experiment.
	require.Equal(t, contracts.StatusEnded, e.experiment(t).Status)
}

func TestKillOnConfidentLoser(t *testing.T) {
	e := newEnv(t)
	e.writeAttributed(t, 1200, 0.30, 0.05)
	e.now = t0.Add(8 * 24 * time.Hour)

	d, err := e.engine.Evaluate(context.Background(), e.experiment(t))
	require.NoError(t, err)
	require.Equal(t, contracts.VerdictKill, d.Verdict)
	require.Less(t, d.Uplift, KillThreshold)

	// auto_kill terminated the experiment.
	require.Equal(t, contracts.StatusKilled, e.experiment(t).Status)
}

func TestIterateAfterMaxWindow(t *testing.T) {
	e := newEnv(t)
	e.writeAttributed(t, 1200, 0.30, 0.30)
	e.now = t0.Add(15 * 24 * time.Hour)

	d, err := e.engine.Evaluate(context.Background(), e.experiment(t))
	require.NoError(t, err)
	require.Equal(t, contracts.VerdictIterate, d.Verdict)
	require.Equal(t, contracts.StatusActive, e.experiment(t).Status)
}

func TestContinueWhileInconclusive(t *testing.T) {
	e := newEnv(t)
	// Too few events and too young a window for any verdict.
	e.writeAttributed(t, 100, 0.30, 0.40)
	e.now = t0.Add(2 * 24 * time.Hour)

	d, err := e.engine.Evaluate(context.Background(), e.experiment(t))
	require.NoError(t, err)
	require.Equal(t, contracts.VerdictContinue, d.Verdict)

	// The evaluation landed in the append-only log.
	latest, err := e.store.LatestDecision(context.Background(), "e1")
	require.NoError(t, err)
	require.Equal(t, contracts.VerdictContinue, latest.Verdict)
}

func TestContinueWithoutAttributedEvents(t *testing.T) {
	e := newEnv(t)
	d, err := e.engine.Evaluate(context.Background(), e.experiment(t))
	require.NoError(t, err)
	require.Equal(t, contracts.VerdictContinue, d.Verdict)
	require.Contains(t, d.Notes, "no attributed events")
}

func TestSeededEvaluationIsReproducible(t *testing.T) {
	e := newEnv(t)
	e.writeAttributed(t, 400, 0.30, 0.40)
	e.now = t0.Add(3 * 24 * time.Hour)
	exp := e.experiment(t)

	first, err := e.engine.Evaluate(context.Background(), exp)
	require.NoError(t, err)
	second, err := e.engine.Evaluate(context.Background(), exp)
	require.NoError(t, err)
	for id := range first.Estimators {
		require.Equal(t, first.Estimators[id].CILow, second.Estimators[id].CILow, id)
		require.Equal(t, first.Estimators[id].CIHigh, second.Estimators[id].CIHigh, id)
	}
}
