package decision

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/Teamial/CineaMate/pkg/bandit"
	"github.com/Teamial/CineaMate/pkg/contracts"
	"github.com/Teamial/CineaMate/pkg/experiment"
	"github.com/Teamial/CineaMate/pkg/stats"
	"github.com/Teamial/CineaMate/pkg/store"
)

// Default decision criteria. Experiments override per field via
// DecisionConfig; zero values fall back here.
const (
	DefaultMinUplift     = 0.03
	DefaultMinConfidence = 0.95
	DefaultMinWindowDays = 7
	DefaultMaxWindowDays = 14
	DefaultMinEvents     = 1000
	// KillThreshold terminates a lane whose uplift CI sits entirely below
	// this relative loss against control.
	KillThreshold = -0.05
)

const bootstrapResamples = 1000

// Lifecycle is the slice of the experiment manager the engine drives when
// auto_ship or auto_kill is configured.
type Lifecycle interface {
	End(ctx context.Context, experimentID string) error
	Kill(ctx context.Context, experimentID, reason string) error
}

// Engine produces append-only ship/iterate/kill decisions for active
// experiments on the evaluation ticker.
type Engine struct {
	store     *store.Store
	lifecycle Lifecycle
	logger    *slog.Logger
	now       func() time.Time
	seed      int64
	seeded    bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithSeed pins the bootstrap RNG so repeated evaluations over the same
// window reproduce identical intervals.
func WithSeed(seed int64) Option {
	return func(e *Engine) {
		e.seed = seed
		e.seeded = true
	}
}

// NewEngine builds an Engine. lifecycle may be nil when no experiment uses
// auto_ship or auto_kill.
func NewEngine(s *store.Store, lifecycle Lifecycle, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		lifecycle: lifecycle,
		logger:    slog.Default().With("component", "decision_engine"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunOnce evaluates every active experiment. Called on the T_d ticker.
func (e *Engine) RunOnce(ctx context.Context) error {
	exps, err := e.store.ActiveExperiments(ctx, "")
	if err != nil {
		return err
	}
	for _, exp := range exps {
		if _, err := e.Evaluate(ctx, exp); err != nil {
			e.logger.Error("decision evaluation failed", "experiment", exp.ID, "error", err)
		}
	}
	return nil
}

// Evaluate computes off-policy estimates for every lane of one experiment
// over its lifetime, derives the verdict, appends the decision row, and
// applies auto_ship or auto_kill when configured.
func (e *Engine) Evaluate(ctx context.Context, exp *contracts.Experiment) (*contracts.Decision, error) {
	now := e.now()
	events, err := e.store.ServeEventsBetween(ctx, exp.ID, exp.StartAt, now)
	if err != nil {
		return nil, err
	}
	pool, laneRewards := splitAttributed(events)

	policies, err := e.store.ListPolicies(ctx, exp.ID)
	if err != nil {
		return nil, err
	}
	catalog, err := e.store.GetCatalog(ctx, exp.ID, exp.CatalogVersion)
	if err != nil {
		return nil, err
	}
	arms := make([]string, 0, len(catalog.Arms))
	for _, a := range catalog.Arms {
		arms = append(arms, a.ArmID)
	}

	cfg := exp.Decision
	d := &contracts.Decision{
		ExperimentID: exp.ID,
		EvaluatedAt:  now,
		Verdict:      contracts.VerdictContinue,
		WindowDays:   int(now.Sub(exp.StartAt).Hours() / 24),
		Estimators:   make(map[string]contracts.EstimatorValues, len(policies)),
	}

	if len(pool) == 0 {
		d.Notes = "no attributed events yet; continue collecting"
		if err := e.store.AppendDecision(ctx, d); err != nil {
			return nil, err
		}
		return d, nil
	}

	qhat := ArmMeans(pool)
	rng := e.bootstrapRand(exp, now)
	controlRewards := laneRewards[exp.DefaultPolicyID]

	var (
		controlEst Estimate
		haveCtl    bool
		bestID     string
		bestEst    Estimate
		bestLow    float64
		bestHigh   float64
	)
	for _, p := range policies {
		est, err := e.evaluatePolicy(ctx, exp, p, arms, pool, qhat)
		if err != nil {
			return nil, err
		}
		lo, hi := est.ConfidenceInterval(confidence(cfg), bootstrapResamples, rng)
		_, pv := stats.WelchT(laneRewards[p.ID], controlRewards)
		d.Estimators[p.ID] = contracts.EstimatorValues{
			IPS:        est.IPS,
			DR:         est.DR,
			MeanReward: stats.Mean(laneRewards[p.ID]),
			Events:     len(laneRewards[p.ID]),
			CILow:      lo,
			CIHigh:     hi,
			PValue:     pv,
		}
		if p.ID == exp.DefaultPolicyID {
			controlEst = est
			haveCtl = true
			continue
		}
		if bestID == "" || est.DR > bestEst.DR {
			bestID, bestEst, bestLow, bestHigh = p.ID, est, lo, hi
		}
	}

	if !haveCtl || bestID == "" {
		d.Notes = "missing control or treatment lane; continue"
		if err := e.store.AppendDecision(ctx, d); err != nil {
			return nil, err
		}
		return d, nil
	}

	d.WinnerPolicyID = bestID
	d.Uplift = relativeUplift(bestEst.DR, controlEst.DR)
	d.Confidence = 1 - d.Estimators[bestID].PValue
	upliftLow := relativeUplift(bestLow, controlEst.DR)
	upliftHigh := relativeUplift(bestHigh, controlEst.DR)

	d.Verdict, d.Notes = e.verdict(cfg, d, len(pool), upliftLow, upliftHigh)
	if err := e.store.AppendDecision(ctx, d); err != nil {
		return nil, err
	}
	e.logger.Info("decision recorded",
		"experiment", exp.ID, "verdict", d.Verdict,
		"winner", d.WinnerPolicyID, "uplift", d.Uplift, "confidence", d.Confidence)

	e.autoApply(ctx, exp, d)
	return d, nil
}

// verdict applies the ship/kill/iterate rules in priority order.
func (e *Engine) verdict(cfg contracts.DecisionConfig, d *contracts.Decision, events int, upliftLow, upliftHigh float64) (contracts.Verdict, string) {
	minUplift := cfg.MinUplift
	if minUplift == 0 {
		minUplift = DefaultMinUplift
	}
	minWindow := cfg.MinWindowDays
	if minWindow == 0 {
		minWindow = DefaultMinWindowDays
	}
	maxWindow := cfg.MaxWindowDays
	if maxWindow == 0 {
		maxWindow = DefaultMaxWindowDays
	}
	minEvents := cfg.MinEvents
	if minEvents == 0 {
		minEvents = DefaultMinEvents
	}

	switch {
	case upliftHigh < KillThreshold:
		return contracts.VerdictKill, fmt.Sprintf(
			"%s is confidently worse than control: uplift CI [%.1f%%, %.1f%%] sits below %.0f%%",
			d.WinnerPolicyID, upliftLow*100, upliftHigh*100, KillThreshold*100)
	case d.Uplift >= minUplift && d.Confidence >= confidence(cfg) && d.WindowDays >= minWindow && events >= minEvents:
		return contracts.VerdictShip, fmt.Sprintf(
			"ship %s: +%.1f%% over control at %.1f%% confidence across %d events",
			d.WinnerPolicyID, d.Uplift*100, d.Confidence*100, events)
	case d.WindowDays >= maxWindow:
		return contracts.VerdictIterate, fmt.Sprintf(
			"no winner after %d days; revisit arm set or reward mapping", d.WindowDays)
	default:
		return contracts.VerdictContinue, fmt.Sprintf(
			"inconclusive: uplift %.1f%% at %.1f%% confidence, %d events; keep collecting",
			d.Uplift*100, d.Confidence*100, events)
	}
}

// autoApply drives the lifecycle when the experiment opted in. Failures are
// logged, never fatal: the decision row already landed.
func (e *Engine) autoApply(ctx context.Context, exp *contracts.Experiment, d *contracts.Decision) {
	if e.lifecycle == nil {
		return
	}
	switch {
	case d.Verdict == contracts.VerdictShip && exp.Decision.AutoShip:
		if err := e.lifecycle.End(ctx, exp.ID); err != nil {
			e.logger.Error("auto-ship failed", "experiment", exp.ID, "error", err)
		}
	case d.Verdict == contracts.VerdictKill && exp.Decision.AutoKill:
		if err := e.lifecycle.Kill(ctx, exp.ID, d.Notes); err != nil {
			e.logger.Error("auto-kill failed", "experiment", exp.ID, "error", err)
		}
	}
}

// evaluatePolicy computes the target policy's estimates over the pooled
// logged events, reading its current per-context state for π(a|x).
func (e *Engine) evaluatePolicy(ctx context.Context, exp *contracts.Experiment, p *contracts.Policy, arms []string, pool []LoggedEvent, qhat map[string]float64) (Estimate, error) {
	eng, err := experiment.PolicyEngine(p, policySeed(exp.ID, p.ID))
	if err != nil {
		return Estimate{}, err
	}
	probCache := make(map[string]map[string]float64)
	target := func(contextKey string) map[string]float64 {
		probs, ok := probCache[contextKey]
		if !ok {
			states, err := e.store.GetStates(ctx, exp.ID, p.ID, contextKey)
			if err != nil {
				e.logger.Warn("state read failed during evaluation",
					"experiment", exp.ID, "policy", p.ID, "error", err)
				states = nil
			}
			probs, err = eng.Probabilities(nil, arms, states)
			if err != nil || probs == nil {
				probs = map[string]float64{}
			}
			probCache[contextKey] = probs
		}
		return probs
	}

	pMin := exp.Decision.PropensityMin
	if pMin == 0 {
		pMin = DefaultPropensityMin
	}
	return Evaluate(pool, target, qhat, pMin), nil
}

// splitAttributed keeps position-0 events that carry a reward, returning
// the pooled estimator view plus raw rewards per policy lane.
func splitAttributed(events []*contracts.ServeEvent) ([]LoggedEvent, map[string][]float64) {
	pool := make([]LoggedEvent, 0, len(events))
	lanes := make(map[string][]float64)
	for _, ev := range events {
		if ev.Position != 0 || ev.Reward == nil {
			continue
		}
		pool = append(pool, LoggedEvent{
			ArmID:      ev.ArmID,
			ContextKey: ev.ContextKey,
			Propensity: ev.Propensity,
			Reward:     *ev.Reward,
		})
		lanes[ev.PolicyID] = append(lanes[ev.PolicyID], *ev.Reward)
	}
	return pool, lanes
}

// relativeUplift is (v - control) / |control|, falling back to the absolute
// difference when control sits at zero.
func relativeUplift(v, control float64) float64 {
	if math.Abs(control) < 1e-9 {
		return v - control
	}
	return (v - control) / math.Abs(control)
}

func confidence(cfg contracts.DecisionConfig) float64 {
	if cfg.MinConfidence == 0 {
		return DefaultMinConfidence
	}
	return cfg.MinConfidence
}

// bootstrapRand derives the resampling RNG. Unseeded engines key it on the
// experiment and evaluation day so reruns within a day agree.
func (e *Engine) bootstrapRand(exp *contracts.Experiment, now time.Time) *rand.Rand {
	if e.seeded {
		return bandit.SeededRand(e.seed)
	}
	return bandit.SeededRand(policySeed(exp.ID, now.Format("2006-01-02")))
}

// policySeed hashes the lane identity into a stable RNG seed.
func policySeed(parts ...string) int64 {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return int64(h.Sum64())
}
