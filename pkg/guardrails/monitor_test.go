package guardrails

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
	monitor *Monitor
	now     time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	e := &env{store: s, now: t0}
	clock := func() time.Time { return e.now }
	e.manager = experiment.NewManager(s, experiment.WithClock(clock))
	e.monitor = NewMonitor(s, e.manager, WithClock(clock))

	ctx := context.Background()
	exp := &contracts.Experiment{
		ID: "e1", Name: "bakeoff", Salt: "s1",
		TrafficFraction: 1.0,
		TrafficPlan: contracts.TrafficPlan{
			{PolicyID: "A", Share: 0.5},
			{PolicyID: "B", Share: 0.5},
		},
		DefaultPolicyID: "control",
		CatalogVersion:  1,
		RewardMapping:   contracts.RewardBinaryClick,
	}
	policies := []*contracts.Policy{
		{ID: "A", Kind: contracts.KindThompson},
		{ID: "B", Kind: contracts.KindEGreedy, Params: contracts.PolicyParams{Epsilon: 0.1}},
		{ID: "control", Kind: contracts.KindControl, Params: contracts.PolicyParams{FixedArmID: "svd"}},
	}
	catalog := &contracts.Catalog{
		ExperimentID: "e1", Version: 1,
		Arms: []contracts.Arm{{ArmID: "svd"}, {ArmID: "item_cf"}},
	}
	require.NoError(t, e.manager.Create(ctx, exp, policies, catalog))
	require.NoError(t, e.manager.Start(ctx, "e1"))
	return e
}

// writeServes appends n position-0 events inside the current window.
func (e *env) writeServes(t *testing.T, n int, mutate func(i int, ev *contracts.ServeEvent)) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ev := &contracts.ServeEvent{
			EventID:      fmt.Sprintf("ev-%d-%d", e.now.UnixNano(), i),
			ExperimentID: "e1",
			UserID:       fmt.Sprintf("u%d", i),
			PolicyID:     "A",
			ArmID:        "svd",
			Propensity:   0.5,
			LatencyMs:    20,
			ServedAt:     e.now.Add(-time.Duration(i%50) * time.Second),
		}
		if i%2 == 1 {
			ev.PolicyID = "B"
			ev.ArmID = "item_cf"
		}
		if mutate != nil {
			mutate(i, ev)
		}
		require.NoError(t, e.store.AppendServeEvent(ctx, ev))
	}
}

func (e *env) experiment(t *testing.T) *contracts.Experiment {
	t.Helper()
	exp, err := e.store.GetExperiment(context.Background(), "e1")
	require.NoError(t, err)
	return exp
}

func checkByName(checks []contracts.GuardrailCheck, name string) contracts.GuardrailCheck {
	for _, c := range checks {
		if c.Name == name {
			return c
		}
	}
	return contracts.GuardrailCheck{}
}

func TestAllPassOnHealthyWindow(t *testing.T) {
	e := newEnv(t)
	e.writeServes(t, 200, nil)

	checks, err := e.monitor.Check(context.Background(), e.experiment(t))
	require.NoError(t, err)
	for _, c := range checks {
		require.Equal(t, contracts.GuardrailPass, c.Status, c.Name)
	}
	require.Equal(t, contracts.StatusActive, e.experiment(t).Status)
}

func TestErrorRateRollback(t *testing.T) {
	e := newEnv(t)
	// 2% of serves carry errors: critical check fails, rollback fires.
	e.writeServes(t, 200, func(i int, ev *contracts.ServeEvent) {
		if i%50 == 0 {
			ev.ErrorKind = string(contracts.ErrorKindTransient)
		}
	})

	checks, err := e.monitor.Check(context.Background(), e.experiment(t))
	require.NoError(t, err)
	c := checkByName(checks, CheckErrorRate)
	require.Equal(t, contracts.GuardrailFail, c.Status)
	require.Equal(t, contracts.ActionRollback, c.Action)
	require.Equal(t, contracts.StatusKilled, e.experiment(t).Status)

	// The audit trail has the fail row.
	rows, err := e.store.ListGuardrailChecks(context.Background(), "e1", 10)
	require.NoError(t, err)
	found := false
	for _, r := range rows {
		if r.Name == CheckErrorRate && r.Status == contracts.GuardrailFail {
			found = true
		}
	}
	require.True(t, found)
}

func TestLatencyRollback(t *testing.T) {
	e := newEnv(t)
	e.writeServes(t, 200, func(i int, ev *contracts.ServeEvent) {
		ev.LatencyMs = 200
	})
	_, err := e.monitor.Check(context.Background(), e.experiment(t))
	require.NoError(t, err)
	require.Equal(t, contracts.StatusKilled, e.experiment(t).Status)
}

func TestArmConcentrationNeedsPersistence(t *testing.T) {
	e := newEnv(t)
	// Every serve on one arm: concentration 100%, but split across
	// policies so sample_ratio stays healthy.
	hot := func(i int, ev *contracts.ServeEvent) { ev.ArmID = "svd" }
	e.writeServes(t, 200, hot)

	checks, err := e.monitor.Check(context.Background(), e.experiment(t))
	require.NoError(t, err)
	c := checkByName(checks, CheckArmConcentration)
	require.Equal(t, contracts.GuardrailFail, c.Status)
	require.Equal(t, contracts.StatusActive, e.experiment(t).Status, "first breach only alerts")

	// Second breached window: persistence reached, rollback.
	e.now = e.now.Add(5 * time.Minute)
	e.writeServes(t, 200, hot)
	_, err = e.monitor.Check(context.Background(), e.experiment(t))
	require.NoError(t, err)
	require.Equal(t, contracts.StatusKilled, e.experiment(t).Status)
}

func TestRewardDropRollback(t *testing.T) {
	e := newEnv(t)
	reward := func(v float64) *float64 { return &v }
	e.writeServes(t, 400, func(i int, ev *contracts.ServeEvent) {
		if i%4 == 0 {
			// Control lane holding a 0.4 mean.
			ev.PolicyID = "control"
			if i%8 == 0 {
				ev.Reward = reward(1)
			} else {
				ev.Reward = reward(0)
			}
			return
		}
		// Treatment lanes doing far worse.
		if i%10 == 0 {
			ev.Reward = reward(1)
		} else {
			ev.Reward = reward(0)
		}
	})
	checks, err := e.monitor.Check(context.Background(), e.experiment(t))
	require.NoError(t, err)
	c := checkByName(checks, CheckRewardDrop)
	require.Equal(t, contracts.GuardrailFail, c.Status)
	require.Equal(t, contracts.StatusKilled, e.experiment(t).Status)
}

func TestSampleRatioAlertsWithoutRollback(t *testing.T) {
	e := newEnv(t)
	// 90/10 split against a 50/50 plan: broken assignment, alert only.
	// Arms stay balanced so only the ratio check trips.
	e.writeServes(t, 400, func(i int, ev *contracts.ServeEvent) {
		if i%10 == 0 {
			ev.PolicyID = "B"
		} else {
			ev.PolicyID = "A"
		}
	})
	checks, err := e.monitor.Check(context.Background(), e.experiment(t))
	require.NoError(t, err)
	c := checkByName(checks, CheckSampleRatio)
	require.Equal(t, contracts.GuardrailFail, c.Status)
	require.Less(t, c.Value, 0.001)
	require.Equal(t, contracts.StatusActive, e.experiment(t).Status)
}

func TestIdenticalWindowSameVerdict(t *testing.T) {
	e := newEnv(t)
	e.writeServes(t, 200, nil)
	exp := e.experiment(t)

	first, err := e.monitor.Check(context.Background(), exp)
	require.NoError(t, err)
	second, err := e.monitor.Check(context.Background(), exp)
	require.NoError(t, err)
	for i := range first {
		require.Equal(t, first[i].Status, second[i].Status)
		require.Equal(t, first[i].Value, second[i].Value)
	}
}
