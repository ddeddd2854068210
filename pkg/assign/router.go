// Package assign maps (user, experiment) to a policy bucket with stable
// hashing. The hash is the source of truth; stored assignment rows are an
// audit cache, never consulted for routing.
package assign

import (
	"hash/fnv"
	"math"
	"time"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// Result is the routing outcome for one (user, experiment) pair.
type Result struct {
	InExperiment bool
	PolicyID     string
	Bucket       float64 // [0,1)
}

// Bucket hashes salt || ":" || userID with FNV-1a 64 and scales to [0,1).
// Deterministic in (salt, user): the same pair always lands on the same
// bucket across processes and restarts.
func Bucket(salt, userID string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(salt))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(userID))
	return float64(h.Sum64()) / math.Exp2(64)
}

// Route assigns userID under exp's salt, traffic fraction, and plan.
//
// Users with bucket ≥ traffic_fraction are out of experiment; because the
// gate is a prefix of [0,1), growing traffic_fraction only ever adds users
// (stickiness under ramp). In-experiment users walk the ordered plan
// cumulatively over the renormalized bucket.
func Route(exp *contracts.Experiment, userID string) Result {
	// Anonymous traffic bypasses experiments entirely.
	if userID == "" {
		return Result{InExperiment: false, PolicyID: exp.DefaultPolicyID}
	}

	bucket := Bucket(exp.Salt, userID)
	if bucket >= exp.TrafficFraction {
		return Result{InExperiment: false, PolicyID: exp.DefaultPolicyID, Bucket: bucket}
	}

	scaled := bucket / exp.TrafficFraction
	var cum float64
	plan := exp.TrafficPlan.Normalized()
	for _, entry := range plan {
		cum += entry.Share
		if cum > scaled {
			return Result{InExperiment: true, PolicyID: entry.PolicyID, Bucket: bucket}
		}
	}
	// Floating-point shortfall on the last cumulative share.
	return Result{InExperiment: true, PolicyID: plan[len(plan)-1].PolicyID, Bucket: bucket}
}

// Record materializes the audit row for a routing decision.
func Record(exp *contracts.Experiment, userID string, res Result, at time.Time) contracts.Assignment {
	return contracts.Assignment{
		UserID:       userID,
		ExperimentID: exp.ID,
		PolicyID:     res.PolicyID,
		Bucket:       res.Bucket,
		AssignedAt:   at,
		Sticky:       res.InExperiment,
	}
}
