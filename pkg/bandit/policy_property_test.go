//go:build property
// +build property

package bandit

import (
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

func genStates(armCount int) gopter.Gen {
	return gen.SliceOfN(armCount, gen.Float64Range(0, 1)).Map(func(means []float64) map[string]*contracts.ArmState {
		states := make(map[string]*contracts.ArmState, len(means))
		for i, mean := range means {
			armID := string(rune('a' + i))
			states[armID] = &contracts.ArmState{
				ArmID:     armID,
				Pulls:     50,
				SumReward: mean * 50,
				Alpha:     1 + mean*50,
				Beta:      1 + (1-mean)*50,
			}
		}
		return states
	})
}

func armIDs(states map[string]*contracts.ArmState) []string {
	ids := make([]string, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	return ids
}

// Propensities over the exact candidate set always sum to 1 ± 1e-6.
func TestPropensitiesSumToOne(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	for _, kind := range []contracts.PolicyKind{contracts.KindThompson, contracts.KindEGreedy, contracts.KindUCB, contracts.KindControl} {
		kind := kind
		properties.Property(string(kind)+" propensities sum to 1", prop.ForAll(
			func(states map[string]*contracts.ArmState, eps float64) bool {
				p, err := New(contracts.Policy{ID: "p", Kind: kind, Params: contracts.PolicyParams{Epsilon: eps, PropensityDraws: 500}}, rand.New(rand.NewSource(1)))
				if err != nil {
					return false
				}
				probs, err := p.Probabilities(nil, armIDs(states), states)
				if err != nil {
					return false
				}
				var sum float64
				for _, v := range probs {
					if v < 0 || v > 1 {
						return false
					}
					sum += v
				}
				return math.Abs(sum-1) <= 1e-6
			},
			genStates(4),
			gen.Float64Range(0, 1),
		))
	}

	properties.TestingRun(t)
}

// Restore(Snapshot(s)) == s for every reachable state set.
func TestSnapshotRestoreRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("snapshot/restore round-trips", prop.ForAll(
		func(states map[string]*contracts.ArmState) bool {
			data, err := Snapshot(states)
			if err != nil {
				return false
			}
			restored, err := Restore(data)
			if err != nil {
				return false
			}
			if len(restored) != len(states) {
				return false
			}
			for k, v := range states {
				got, ok := restored[k]
				if !ok || !reflect.DeepEqual(*got, *v) {
					return false
				}
			}
			return true
		},
		genStates(3),
	))

	properties.TestingRun(t)
}
