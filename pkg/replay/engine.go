package replay

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/Teamial/CineaMate/pkg/contracts"
	"github.com/Teamial/CineaMate/pkg/decision"
	"github.com/Teamial/CineaMate/pkg/experiment"
	"github.com/Teamial/CineaMate/pkg/reward"
)

// Config drives one replay run. The same seed over the same log reproduces
// the run bit for bit.
type Config struct {
	Policies []*contracts.Policy
	Arms     []string
	Seed     int64
	// PropensityMin clips logged propensities for IPS; zero uses the
	// decision engine's default.
	PropensityMin float64
}

// Result is the offline evaluation of one candidate policy.
type Result struct {
	PolicyID string
	Events   int
	// Matched counts replay-by-rejection hits: steps where the candidate
	// picked the logged arm and could observe its reward.
	Matched       int
	MatchedReward float64
	MeanReward    float64 // over matched steps
	IPS           float64
	DR            float64
	// Regret is the cumulative regret curve against the best arm's
	// empirical mean, one point per matched step.
	Regret []float64
}

// Engine replays an interaction log through candidate policies.
type Engine struct {
	logger *slog.Logger
}

// NewEngine builds an Engine.
func NewEngine() *Engine {
	return &Engine{logger: slog.Default().With("component", "replay_engine")}
}

// Run evaluates every candidate over the log. Results come back in policy
// order.
func (e *Engine) Run(cfg Config, interactions []Interaction) ([]Result, error) {
	if len(cfg.Policies) == 0 {
		return nil, fmt.Errorf("no candidate policies")
	}
	if len(cfg.Arms) == 0 {
		return nil, fmt.Errorf("no arms")
	}
	arms := append([]string(nil), cfg.Arms...)
	sort.Strings(arms)

	pool, err := loggedPool(interactions)
	if err != nil {
		return nil, err
	}
	qhat := decision.ArmMeans(pool)
	bestMean := bestArmMean(qhat)

	results := make([]Result, 0, len(cfg.Policies))
	for _, p := range cfg.Policies {
		res, err := e.runOne(cfg, p, arms, interactions, pool, qhat, bestMean)
		if err != nil {
			return nil, fmt.Errorf("replay %s: %w", p.ID, err)
		}
		e.logger.Info("replay finished",
			"policy", p.ID, "events", res.Events, "matched", res.Matched,
			"mean_reward", res.MeanReward, "ips", res.IPS, "dr", res.DR)
		results = append(results, res)
	}
	return results, nil
}

// runOne replays the log through one candidate: replay-by-rejection for the
// learning curve, then IPS/DR against the final learned state.
func (e *Engine) runOne(cfg Config, p *contracts.Policy, arms []string, interactions []Interaction, pool []decision.LoggedEvent, qhat map[string]float64, bestMean float64) (Result, error) {
	eng, err := experiment.PolicyEngine(p, cfg.Seed)
	if err != nil {
		return Result{}, err
	}
	alpha0, beta0 := p.Params.Alpha0, p.Params.Beta0
	if alpha0 <= 0 {
		alpha0 = 1
	}
	if beta0 <= 0 {
		beta0 = 1
	}
	states := make(map[string]map[string]*contracts.ArmState)
	stateFor := func(contextKey, armID string) *contracts.ArmState {
		byArm, ok := states[contextKey]
		if !ok {
			byArm = make(map[string]*contracts.ArmState)
			states[contextKey] = byArm
		}
		st, ok := byArm[armID]
		if !ok {
			st = &contracts.ArmState{
				ExperimentID: "replay",
				PolicyID:     p.ID,
				ArmID:        armID,
				ContextKey:   contextKey,
				Alpha:        alpha0,
				Beta:         beta0,
			}
			byArm[armID] = st
		}
		return st
	}

	res := Result{PolicyID: p.ID, Events: len(interactions)}
	var cumRegret float64
	for _, it := range interactions {
		key := ""
		if p.Params.Contextual {
			key, err = contracts.ContextKey(it.Context)
			if err != nil {
				return Result{}, err
			}
		}
		// Pre-touch so selection sees the same arm set every step.
		for _, arm := range arms {
			stateFor(key, arm)
		}
		sel, err := eng.Select(it.Context, arms, states[key])
		if err != nil {
			return Result{}, err
		}
		if sel.ArmID != it.ArmID {
			continue
		}
		res.Matched++
		res.MatchedReward += it.Reward
		cumRegret += bestMean - it.Reward
		res.Regret = append(res.Regret, cumRegret)
		if err := eng.Update(stateFor(key, it.ArmID), reward.ClampForUpdate(it.Reward), it.At); err != nil {
			return Result{}, err
		}
	}
	if res.Matched > 0 {
		res.MeanReward = res.MatchedReward / float64(res.Matched)
	}

	// Off-policy estimates use the final learned state, mirroring the
	// decision engine's target construction.
	probCache := make(map[string]map[string]float64)
	target := func(contextKey string) map[string]float64 {
		if !p.Params.Contextual {
			contextKey = ""
		}
		probs, ok := probCache[contextKey]
		if !ok {
			var err error
			probs, err = eng.Probabilities(nil, arms, states[contextKey])
			if err != nil || probs == nil {
				probs = map[string]float64{}
			}
			probCache[contextKey] = probs
		}
		return probs
	}
	est := decision.Evaluate(pool, target, qhat, cfg.PropensityMin)
	res.IPS = est.IPS
	res.DR = est.DR
	return res, nil
}

// loggedPool converts interactions into the estimator's event view.
func loggedPool(interactions []Interaction) ([]decision.LoggedEvent, error) {
	pool := make([]decision.LoggedEvent, 0, len(interactions))
	for _, it := range interactions {
		key, err := contracts.ContextKey(it.Context)
		if err != nil {
			return nil, err
		}
		pool = append(pool, decision.LoggedEvent{
			ArmID:      it.ArmID,
			ContextKey: key,
			Propensity: it.Propensity,
			Reward:     it.Reward,
		})
	}
	return pool, nil
}

func bestArmMean(qhat map[string]float64) float64 {
	var best float64
	for _, m := range qhat {
		if m > best {
			best = m
		}
	}
	return best
}
