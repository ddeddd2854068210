// Package selector specializes the bandit runtime into an
// algorithm-of-algorithms: one contextual Thompson experiment whose arms are
// the recommender algorithms themselves. Context features bucket the request
// so each (time, day, user) regime learns its own algorithm ranking.
package selector

import (
	"time"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// Algorithm arms. These are the recommender backends the selector arbitrates
// between.
const (
	AlgSVD         = "svd"
	AlgEmbeddings  = "embeddings"
	AlgGraph       = "graph"
	AlgItemCF      = "item_cf"
	AlgLongTail    = "long_tail"
	AlgSerendipity = "serendipity"
)

// Algorithms lists every arm in catalog order.
func Algorithms() []contracts.Arm {
	return []contracts.Arm{
		{ArmID: AlgEmbeddings},
		{ArmID: AlgGraph},
		{ArmID: AlgItemCF},
		{ArmID: AlgLongTail},
		{ArmID: AlgSerendipity},
		{ArmID: AlgSVD},
	}
}

// User activity tiers. Boundaries count historical interactions.
const (
	UserColdStart = "cold_start" // < 3 interactions
	UserRegular   = "regular"    // < 20
	UserPower     = "power_user"
)

// Time-of-day buckets.
const (
	PeriodMorning   = "morning"   // 06:00–11:59
	PeriodAfternoon = "afternoon" // 12:00–17:59
	PeriodEvening   = "evening"   // 18:00–22:59
	PeriodNight     = "night"     // 23:00–05:59
)

// TimePeriod buckets the local hour.
func TimePeriod(at time.Time) string {
	switch h := at.Hour(); {
	case h >= 6 && h < 12:
		return PeriodMorning
	case h >= 12 && h < 18:
		return PeriodAfternoon
	case h >= 18 && h < 23:
		return PeriodEvening
	default:
		return PeriodNight
	}
}

// DayOfWeek buckets into weekend/weekday.
func DayOfWeek(at time.Time) string {
	switch at.Weekday() {
	case time.Saturday, time.Sunday:
		return "weekend"
	default:
		return "weekday"
	}
}

// UserType tiers a user by historical interaction count.
func UserType(interactions int) string {
	switch {
	case interactions < 3:
		return UserColdStart
	case interactions < 20:
		return UserRegular
	default:
		return UserPower
	}
}

// ExtractContext builds the recognized request context for the selector
// experiment. The keys match RecognizedContextKeys, so equal feature
// combinations always share policy state.
func ExtractContext(at time.Time, interactions int) contracts.Context {
	return contracts.Context{
		"time_period": TimePeriod(at),
		"day_of_week": DayOfWeek(at),
		"user_type":   UserType(interactions),
	}
}

// Experiment returns the canonical algorithm-selector experiment and its
// lanes: a contextual Thompson treatment against the incumbent SVD ranker.
// Callers adjust traffic and thresholds before creating it.
func Experiment(id, salt string) (*contracts.Experiment, []*contracts.Policy, *contracts.Catalog) {
	exp := &contracts.Experiment{
		ID:              id,
		Name:            "algorithm selector",
		Surface:         "home",
		Salt:            salt,
		TrafficFraction: 0.1,
		TrafficPlan:     contracts.TrafficPlan{{PolicyID: "selector", Share: 1.0}},
		DefaultPolicyID: "baseline",
		CatalogVersion:  1,
		RewardMapping:   contracts.RewardBinaryClick,
	}
	policies := []*contracts.Policy{
		{
			ID:           "selector",
			ExperimentID: id,
			Kind:         contracts.KindThompson,
			Params:       contracts.PolicyParams{Contextual: true},
		},
		{
			ID:           "baseline",
			ExperimentID: id,
			Kind:         contracts.KindControl,
			Params:       contracts.PolicyParams{FixedArmID: AlgSVD},
		},
	}
	catalog := &contracts.Catalog{ExperimentID: id, Version: 1, Arms: Algorithms()}
	return exp, policies, catalog
}
