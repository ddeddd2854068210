// Package bandit implements the policy engine: a uniform contract over
// Thompson sampling, ε-greedy, UCB1, and a deterministic control policy.
//
// Policies are pure over the sufficient statistics handed to them; the
// same code path serves online traffic and offline replay. State rows are
// owned by the storage layer; a policy never caches them.
package bandit

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// SelectResult is the outcome of one arm selection.
type SelectResult struct {
	ArmID      string
	Propensity float64 // probability the policy emits ArmID at this state
	Score      float64 // policy-specific confidence for logging
}

// Policy is the uniform contract all bandit algorithms implement.
//
// Select picks an arm from the candidate set given the per-arm states for
// the request's context. Propensity semantics: the returned value is the
// probability over the candidate set, at exactly this state, that the
// policy would return that arm; Probabilities exposes the full
// distribution for off-policy estimators and always sums to 1.
//
// Update folds an observed reward into one state row. It mutates only the
// row it is given; persistence and per-key serialization are the caller's
// concern.
type Policy interface {
	Kind() contracts.PolicyKind
	Select(ctx contracts.Context, arms []string, states map[string]*contracts.ArmState) (SelectResult, error)
	Probabilities(ctx contracts.Context, arms []string, states map[string]*contracts.ArmState) (map[string]float64, error)
	Update(state *contracts.ArmState, reward float64, at time.Time) error
}

// New constructs the policy for cfg. The rng seeds all stochastic choices;
// replay passes a fixed seed for bit-reproducible runs.
func New(cfg contracts.Policy, rng *rand.Rand) (Policy, error) {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	lr := &lockedRand{rng: rng}
	switch cfg.Kind {
	case contracts.KindThompson:
		return newThompson(cfg.Params, lr), nil
	case contracts.KindEGreedy:
		return newEGreedy(cfg.Params, lr), nil
	case contracts.KindUCB:
		return newUCB1(cfg.Params), nil
	case contracts.KindControl:
		return &Control{fixedArmID: cfg.Params.FixedArmID}, nil
	default:
		return nil, fmt.Errorf("%w: %q", contracts.ErrUnknownPolicy, cfg.Kind)
	}
}

// SeededRand builds the generator for a deterministic policy instance.
// Replay and tests pass fixed seeds; online callers usually let New pick
// a time-based one.
func SeededRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// lockedRand guards a rand.Rand for use from concurrent serves.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Intn(n)
}

func (l *lockedRand) NormFloat64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.NormFloat64()
}

// stateFor returns the row for armID, or a fresh prior row when the store
// has never seen the key. Never returns nil.
func stateFor(states map[string]*contracts.ArmState, armID string) *contracts.ArmState {
	if s, ok := states[armID]; ok && s != nil {
		return s
	}
	return &contracts.ArmState{ArmID: armID, Alpha: 1, Beta: 1}
}

// sortedArms returns a sorted copy so tie-breaks and cold-start order are
// deterministic regardless of candidate order.
func sortedArms(arms []string) []string {
	out := make([]string, len(arms))
	copy(out, arms)
	sort.Strings(out)
	return out
}

// Snapshot serializes a state set for persistence and replay. JSON object
// keys are emitted sorted, so identical states produce identical bytes.
func Snapshot(states map[string]*contracts.ArmState) ([]byte, error) {
	return json.Marshal(states)
}

// Restore is the inverse of Snapshot: Restore(Snapshot(s)) == s for every
// reachable state s.
func Restore(data []byte) (map[string]*contracts.ArmState, error) {
	states := make(map[string]*contracts.ArmState)
	if err := json.Unmarshal(data, &states); err != nil {
		return nil, fmt.Errorf("restore policy state: %w", err)
	}
	return states, nil
}
