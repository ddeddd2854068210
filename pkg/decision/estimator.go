// Package decision computes periodic ship/iterate/kill verdicts from
// off-policy estimates (clipped IPS and doubly-robust) with bootstrap
// confidence intervals and a Welch t-test against control.
package decision

import (
	"math/rand"

	"github.com/Teamial/CineaMate/pkg/stats"
)

// DefaultPropensityMin clips logged propensities to bound IPS variance.
const DefaultPropensityMin = 0.01

// LoggedEvent is the estimator's view of one attributed serve.
type LoggedEvent struct {
	ArmID      string
	ContextKey string
	Propensity float64
	Reward     float64
}

// TargetProbs returns π(·|x) for the evaluated policy: its full arm
// distribution under the logged context at its current state.
type TargetProbs func(contextKey string) map[string]float64

// Estimate holds the per-policy off-policy estimates over one window.
type Estimate struct {
	IPS    float64
	DR     float64
	Terms  []float64 // per-event DR terms, for bootstrap
	Events int
}

// Evaluate computes clipped IPS and doubly-robust estimates for a target
// policy over logged events. qhat is the reward model q̂(a); per-arm
// empirical means serve when no external model exists. Each DR term is
// Σ_a π(a|x)q̂(a) + w·(r − q̂(a_logged)) with w = π(a_logged|x)/p.
func Evaluate(events []LoggedEvent, target TargetProbs, qhat map[string]float64, pMin float64) Estimate {
	if pMin <= 0 {
		pMin = DefaultPropensityMin
	}
	est := Estimate{Events: len(events)}
	if len(events) == 0 {
		return est
	}
	var ipsSum, drSum float64
	est.Terms = make([]float64, 0, len(events))
	for _, e := range events {
		p := e.Propensity
		if p < pMin {
			p = pMin
		}
		probs := target(e.ContextKey)
		w := probs[e.ArmID] / p
		ipsSum += e.Reward * w

		var baseline float64
		for arm, prob := range probs {
			baseline += prob * qhat[arm]
		}
		term := baseline + w*(e.Reward-qhat[e.ArmID])
		drSum += term
		est.Terms = append(est.Terms, term)
	}
	n := float64(len(events))
	est.IPS = ipsSum / n
	est.DR = drSum / n
	return est
}

// ArmMeans builds the per-arm empirical reward model from logged events.
func ArmMeans(events []LoggedEvent) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]float64)
	for _, e := range events {
		sums[e.ArmID] += e.Reward
		counts[e.ArmID]++
	}
	means := make(map[string]float64, len(sums))
	for arm, sum := range sums {
		means[arm] = sum / counts[arm]
	}
	return means
}

// ConfidenceInterval bootstraps the estimate's CI at the given level. The
// caller owns the RNG so replay runs stay reproducible.
func (e Estimate) ConfidenceInterval(confidence float64, resamples int, rng *rand.Rand) (float64, float64) {
	return stats.BootstrapCI(e.Terms, confidence, resamples, rng)
}
