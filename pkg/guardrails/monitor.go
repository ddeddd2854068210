// Package guardrails is the safety monitor: periodic checks over a sliding
// window of serve events, append-only audit rows, and rate-limited
// auto-rollback of experiments that breach their thresholds.
package guardrails

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Teamial/CineaMate/pkg/contracts"
	"github.com/Teamial/CineaMate/pkg/stats"
	"github.com/Teamial/CineaMate/pkg/store"
)

// Default thresholds. Experiments override per field via GuardrailConfig;
// zero values fall back here.
const (
	DefaultErrorRateMax        = 0.01
	DefaultLatencyP95MaxMs     = 120.0
	DefaultArmConcentrationMax = 0.50
	DefaultRewardDropMin       = -0.05 // relative to control
	DefaultSampleRatioPValue   = 0.001
	DefaultWindow              = 60 * time.Minute
)

// minServesForRatios guards the concentration and reward checks against
// noise on a nearly empty window.
const minServesForRatios = 50

// Check names. The critical set bypasses the rollback rate limit.
const (
	CheckErrorRate        = "error_rate"
	CheckLatencyP95       = "latency_p95"
	CheckArmConcentration = "arm_concentration"
	CheckRewardDrop       = "reward_drop"
	CheckSampleRatio      = "sample_ratio"
)

// Killer terminates an experiment; the experiment manager implements it.
type Killer interface {
	Kill(ctx context.Context, experimentID, reason string) error
}

// Monitor evaluates guardrails for every active experiment.
type Monitor struct {
	store  *store.Store
	killer Killer
	logger *slog.Logger
	now    func() time.Time
	window time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // per-experiment rollback budget
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// WithWindow overrides the evaluation window T_w.
func WithWindow(w time.Duration) Option {
	return func(m *Monitor) {
		if w > 0 {
			m.window = w
		}
	}
}

// NewMonitor builds a Monitor.
func NewMonitor(s *store.Store, killer Killer, opts ...Option) *Monitor {
	m := &Monitor{
		store:    s,
		killer:   killer,
		logger:   slog.Default().With("component", "guardrail_monitor"),
		now:      func() time.Time { return time.Now().UTC() },
		window:   DefaultWindow,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunOnce evaluates every active experiment. Called on the T_g ticker.
func (m *Monitor) RunOnce(ctx context.Context) error {
	exps, err := m.store.ActiveExperiments(ctx, "")
	if err != nil {
		return err
	}
	for _, exp := range exps {
		if _, err := m.Check(ctx, exp); err != nil {
			m.logger.Error("guardrail check failed", "experiment", exp.ID, "error", err)
		}
	}
	return nil
}

// Check evaluates all guardrails for one experiment over the last window,
// appends one audit row per check, and rolls back when the aggregate
// trigger fires: any critical failure, or two or more failures, or a
// reward-drop failure.
func (m *Monitor) Check(ctx context.Context, exp *contracts.Experiment) ([]contracts.GuardrailCheck, error) {
	now := m.now()
	events, err := m.store.ServeEventsBetween(ctx, exp.ID, now.Add(-m.windowFor(exp)), now)
	if err != nil {
		return nil, err
	}
	w := summarize(events, exp.DefaultPolicyID)

	checks := []contracts.GuardrailCheck{
		m.checkErrorRate(exp, w, now),
		m.checkLatency(exp, w, now),
		m.checkConcentration(ctx, exp, w, now),
		m.checkRewardDrop(exp, w, now),
		m.checkSampleRatio(exp, w, now),
	}

	criticalFail := false
	failCount := 0
	rewardDropFail := false
	concentrationPersisted := false
	for i := range checks {
		c := &checks[i]
		if c.Status != contracts.GuardrailFail {
			continue
		}
		failCount++
		switch c.Name {
		case CheckErrorRate, CheckLatencyP95:
			criticalFail = true
		case CheckRewardDrop:
			rewardDropFail = true
		case CheckArmConcentration:
			concentrationPersisted = c.Action == contracts.ActionRollback
		}
	}

	rollback := criticalFail || rewardDropFail || concentrationPersisted || failCount >= 2
	if rollback {
		rollback = m.maybeRollback(ctx, exp, checks, criticalFail)
	}
	for i := range checks {
		if rollback && checks[i].Status == contracts.GuardrailFail {
			checks[i].Action = contracts.ActionRollback
		}
		if err := m.store.AppendGuardrailCheck(ctx, &checks[i]); err != nil {
			m.logger.Error("guardrail audit write failed", "experiment", exp.ID, "error", err)
		}
	}
	return checks, nil
}

func (m *Monitor) windowFor(exp *contracts.Experiment) time.Duration {
	if exp.Guardrails.WindowMinutes > 0 {
		return time.Duration(exp.Guardrails.WindowMinutes) * time.Minute
	}
	return m.window
}

// maybeRollback kills the experiment, rate-limited to one rollback per
// experiment per hour unless a critical check failed.
func (m *Monitor) maybeRollback(ctx context.Context, exp *contracts.Experiment, checks []contracts.GuardrailCheck, critical bool) bool {
	if !critical && !m.limiter(exp.ID).Allow() {
		m.logger.Warn("rollback suppressed by rate limit", "experiment", exp.ID)
		return false
	}
	reason := failSummary(checks)
	if err := m.killer.Kill(ctx, exp.ID, reason); err != nil {
		m.logger.Error("rollback failed", "experiment", exp.ID, "error", err)
		return false
	}
	m.logger.Warn("experiment rolled back", "experiment", exp.ID, "reason", reason)
	return true
}

func (m *Monitor) limiter(experimentID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[experimentID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Hour), 1)
		m.limiters[experimentID] = l
	}
	return l
}

func failSummary(checks []contracts.GuardrailCheck) string {
	out := ""
	for _, c := range checks {
		if c.Status != contracts.GuardrailFail {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += fmt.Sprintf("%s=%.4f (threshold %.4f)", c.Name, c.Value, c.Threshold)
	}
	return out
}

// windowSummary aggregates one window of serve events.
type windowSummary struct {
	total         int
	errored       int
	latencies     []float64
	armCounts     map[string]int
	policyCounts  map[string]int
	policyRewards map[string][]float64
	controlID     string
}

func summarize(events []*contracts.ServeEvent, controlID string) windowSummary {
	w := windowSummary{
		armCounts:     make(map[string]int),
		policyCounts:  make(map[string]int),
		policyRewards: make(map[string][]float64),
		controlID:     controlID,
	}
	for _, e := range events {
		if e.Position != 0 {
			continue // one logical serve per request
		}
		w.total++
		if e.ErrorKind != "" || e.Dropped {
			w.errored++
		}
		w.latencies = append(w.latencies, float64(e.LatencyMs))
		w.armCounts[e.ArmID]++
		w.policyCounts[e.PolicyID]++
		if e.Reward != nil {
			w.policyRewards[e.PolicyID] = append(w.policyRewards[e.PolicyID], *e.Reward)
		}
	}
	return w
}

func (m *Monitor) checkErrorRate(exp *contracts.Experiment, w windowSummary, now time.Time) contracts.GuardrailCheck {
	threshold := exp.Guardrails.ErrorRateMax
	if threshold <= 0 {
		threshold = DefaultErrorRateMax
	}
	value := 0.0
	if w.total > 0 {
		value = float64(w.errored) / float64(w.total)
	}
	return m.verdict(exp.ID, CheckErrorRate, value, threshold, value > threshold, now)
}

func (m *Monitor) checkLatency(exp *contracts.Experiment, w windowSummary, now time.Time) contracts.GuardrailCheck {
	threshold := exp.Guardrails.LatencyP95MaxMs
	if threshold <= 0 {
		threshold = DefaultLatencyP95MaxMs
	}
	value := stats.Percentile(w.latencies, 95)
	return m.verdict(exp.ID, CheckLatencyP95, value, threshold, value > threshold, now)
}

// checkConcentration fails only when the breach persists two windows; a
// single hot window is a warning.
func (m *Monitor) checkConcentration(ctx context.Context, exp *contracts.Experiment, w windowSummary, now time.Time) contracts.GuardrailCheck {
	threshold := exp.Guardrails.ArmConcentrationMax
	if threshold <= 0 {
		threshold = DefaultArmConcentrationMax
	}
	value := 0.0
	if w.total >= minServesForRatios {
		maxCount := 0
		for _, n := range w.armCounts {
			if n > maxCount {
				maxCount = n
			}
		}
		value = float64(maxCount) / float64(w.total)
	}
	breached := value > threshold
	if !breached {
		return m.verdict(exp.ID, CheckArmConcentration, value, threshold, false, now)
	}
	prior, err := m.store.FailuresSince(ctx, exp.ID, CheckArmConcentration, now.Add(-2*m.windowFor(exp)))
	if err != nil {
		m.logger.Warn("concentration history read failed", "experiment", exp.ID, "error", err)
	}
	c := m.verdict(exp.ID, CheckArmConcentration, value, threshold, true, now)
	if prior > 0 {
		// Breach persisted across windows: escalate from alert.
		c.Action = contracts.ActionRollback
	}
	return c
}

func (m *Monitor) checkRewardDrop(exp *contracts.Experiment, w windowSummary, now time.Time) contracts.GuardrailCheck {
	threshold := exp.Guardrails.RewardDropMin
	if threshold >= 0 {
		threshold = DefaultRewardDropMin
	}
	control := w.policyRewards[w.controlID]
	var treatment []float64
	for policyID, rewards := range w.policyRewards {
		if policyID == w.controlID {
			continue
		}
		treatment = append(treatment, rewards...)
	}
	if len(control) < minServesForRatios || len(treatment) < minServesForRatios {
		return m.verdict(exp.ID, CheckRewardDrop, 0, threshold, false, now)
	}
	controlMean := stats.Mean(control)
	value := 0.0
	if controlMean != 0 {
		value = (stats.Mean(treatment) - controlMean) / math.Abs(controlMean)
	}
	return m.verdict(exp.ID, CheckRewardDrop, value, threshold, value < threshold, now)
}

// checkSampleRatio compares the observed policy split against the traffic
// plan with a chi-square goodness-of-fit test. Mismatch means assignment
// or logging is broken, so it alerts but never auto-rolls back on its own.
func (m *Monitor) checkSampleRatio(exp *contracts.Experiment, w windowSummary, now time.Time) contracts.GuardrailCheck {
	alpha := exp.Guardrails.SampleRatioPValue
	if alpha <= 0 {
		alpha = DefaultSampleRatioPValue
	}
	inExperiment := 0
	for _, entry := range exp.TrafficPlan {
		inExperiment += w.policyCounts[entry.PolicyID]
	}
	if inExperiment < minServesForRatios {
		return m.verdict(exp.ID, CheckSampleRatio, 1, alpha, false, now)
	}
	observed := make([]float64, len(exp.TrafficPlan))
	expected := make([]float64, len(exp.TrafficPlan))
	for i, entry := range exp.TrafficPlan {
		observed[i] = float64(w.policyCounts[entry.PolicyID])
		expected[i] = entry.Share * float64(inExperiment)
	}
	_, p := stats.ChiSquareGoodnessOfFit(observed, expected)
	c := m.verdict(exp.ID, CheckSampleRatio, p, alpha, p < alpha, now)
	if c.Status == contracts.GuardrailFail {
		c.Action = contracts.ActionAlert
	}
	return c
}

func (m *Monitor) verdict(experimentID, name string, value, threshold float64, failed bool, now time.Time) contracts.GuardrailCheck {
	c := contracts.GuardrailCheck{
		ExperimentID: experimentID,
		At:           now,
		Name:         name,
		Value:        value,
		Threshold:    threshold,
		Status:       contracts.GuardrailPass,
		Action:       contracts.ActionNone,
	}
	if failed {
		c.Status = contracts.GuardrailFail
		c.Action = contracts.ActionAlert
	}
	return c
}
