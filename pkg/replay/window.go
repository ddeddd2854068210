package replay

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/Teamial/CineaMate/pkg/stats"
)

// MinWindowDays is the shortest span a replay window may cover.
const MinWindowDays = 14

// Window is a scored candidate span of the interaction log.
type Window struct {
	From        time.Time
	To          time.Time
	Events      int
	ArmCoverage float64 // distinct arms in window / distinct arms in log
	Consistency float64 // 1 - coefficient of variation of daily counts
	Score       float64
}

// Score weights, from densest-signal-first window selection: density and
// coverage dominate, day-to-day consistency breaks ties.
const (
	densityWeight     = 0.4
	coverageWeight    = 0.4
	consistencyWeight = 0.2
)

// SelectWindow scans every minDays-long daily-aligned span of the log and
// returns the best-scoring one. The log must cover at least minDays days.
func SelectWindow(interactions []Interaction, minDays int) (Window, error) {
	if minDays <= 0 {
		minDays = MinWindowDays
	}
	if len(interactions) == 0 {
		return Window{}, fmt.Errorf("empty interaction log")
	}

	// Bucket events and arm sets per UTC day.
	counts := make(map[string]int)
	dayArms := make(map[string]map[string]bool)
	allArms := make(map[string]bool)
	for _, it := range interactions {
		day := it.At.UTC().Format("2006-01-02")
		counts[day]++
		if dayArms[day] == nil {
			dayArms[day] = make(map[string]bool)
		}
		dayArms[day][it.ArmID] = true
		allArms[it.ArmID] = true
	}
	days := make([]string, 0, len(counts))
	for day := range counts {
		days = append(days, day)
	}
	sort.Strings(days)

	first, _ := time.Parse("2006-01-02", days[0])
	last, _ := time.Parse("2006-01-02", days[len(days)-1])
	span := int(last.Sub(first).Hours()/24) + 1
	if span < minDays {
		return Window{}, fmt.Errorf("log covers %d days, need at least %d", span, minDays)
	}

	// Dense daily series over the full span, including empty days.
	daily := make([]float64, span)
	armsByDay := make([]map[string]bool, span)
	for i := 0; i < span; i++ {
		day := first.AddDate(0, 0, i).Format("2006-01-02")
		daily[i] = float64(counts[day])
		armsByDay[i] = dayArms[day]
	}

	// Pass 1: the densest window normalizes the density term.
	var maxEvents float64
	for start := 0; start+minDays <= span; start++ {
		var total float64
		for i := start; i < start+minDays; i++ {
			total += daily[i]
		}
		if total > maxEvents {
			maxEvents = total
		}
	}
	if maxEvents == 0 {
		return Window{}, fmt.Errorf("no events inside any %d-day window", minDays)
	}

	var best Window
	for start := 0; start+minDays <= span; start++ {
		slice := daily[start : start+minDays]
		var total float64
		armSet := make(map[string]bool)
		for i, c := range slice {
			total += c
			for arm := range armsByDay[start+i] {
				armSet[arm] = true
			}
		}
		if total == 0 {
			continue
		}
		coverage := float64(len(armSet)) / float64(len(allArms))
		mean := stats.Mean(slice)
		consistency := 0.0
		if mean > 0 {
			cv := math.Sqrt(stats.Variance(slice)) / mean
			consistency = math.Max(0, 1-cv)
		}
		score := densityWeight*(total/maxEvents) +
			coverageWeight*coverage +
			consistencyWeight*consistency
		if score > best.Score {
			from := first.AddDate(0, 0, start)
			best = Window{
				From:        from,
				To:          from.AddDate(0, 0, minDays),
				Events:      int(total),
				ArmCoverage: coverage,
				Consistency: consistency,
				Score:       score,
			}
		}
	}
	return best, nil
}

// Clip returns the interactions inside the window, preserving order.
func Clip(interactions []Interaction, w Window) []Interaction {
	var out []Interaction
	for _, it := range interactions {
		at := it.At.UTC()
		if !at.Before(w.From) && at.Before(w.To) {
			out = append(out, it)
		}
	}
	return out
}
