// Package reward turns downstream user signals into numeric rewards on
// prior serves: windowed, idempotent attribution plus the updater lane
// that folds attributed rewards into policy state.
package reward

import (
	"fmt"
	"math"

	"github.com/google/cel-go/cel"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

// Mapper composes an event's signals into one reward value according to
// the experiment's configured mode. Signal priority within a window:
// explicit rating > thumbs > click > custom.
type Mapper struct {
	mode contracts.RewardMappingMode
	prg  cel.Program
}

// NewMapper builds the mapper for an experiment. Composite mode compiles
// the experiment's CEL expression once.
func NewMapper(exp *contracts.Experiment) (*Mapper, error) {
	m := &Mapper{mode: exp.RewardMapping}
	if m.mode == "" {
		m.mode = contracts.RewardBinaryClick
	}
	if m.mode != contracts.RewardComposite {
		return m, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("clicked", cel.BoolType),
		cel.Variable("rating", cel.DoubleType),
		cel.Variable("has_rating", cel.BoolType),
		cel.Variable("thumbs", cel.DoubleType),
		cel.Variable("has_thumbs", cel.BoolType),
		cel.Variable("custom", cel.DoubleType),
		cel.Variable("has_custom", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("reward cel env: %w", err)
	}
	ast, issues := env.Compile(exp.RewardExpr)
	if issues != nil && issues.Err() != nil {
		return nil, contracts.NewError(contracts.ErrorKindConfiguration, "compile reward_expr", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, contracts.NewError(contracts.ErrorKindConfiguration, "program reward_expr", err)
	}
	m.prg = prg
	return m, nil
}

// signalSet is the window's worth of signals collapsed by kind.
type signalSet struct {
	clicked   bool
	rating    float64
	hasRating bool
	thumbs    float64 // +1 up, -1 down
	hasThumbs bool
	custom    float64
	hasCustom bool
}

func collapse(signals []contracts.RewardEvent) signalSet {
	var s signalSet
	for _, sig := range signals {
		switch sig.Kind {
		case contracts.SignalClick:
			if sig.Value != 0 {
				s.clicked = true
			}
		case contracts.SignalRating:
			// Latest rating in the window wins; signals arrive ordered by at.
			s.rating, s.hasRating = sig.Value, true
		case contracts.SignalThumbsUp:
			s.thumbs, s.hasThumbs = 1, true
		case contracts.SignalThumbsDown:
			s.thumbs, s.hasThumbs = -1, true
		case contracts.SignalCustom:
			if !s.hasCustom || sig.Value > s.custom {
				s.custom, s.hasCustom = sig.Value, true
			}
		}
	}
	return s
}

// ScaleRating maps a 1–5 rating onto [-1,1] centered at 2.5.
func ScaleRating(rating float64) float64 {
	return clip((rating-2.5)/2.5, -1, 1)
}

// Compose returns the reward for the collapsed signals and whether any
// qualifying signal existed. Callers finalize to 0 at window close when
// none did.
func (m *Mapper) Compose(signals []contracts.RewardEvent) (float64, bool, error) {
	s := collapse(signals)
	switch m.mode {
	case contracts.RewardBinaryClick:
		return m.composeBinary(s)
	case contracts.RewardScaledRating:
		return m.composeScaled(s)
	case contracts.RewardComposite:
		return m.composeCEL(s)
	default:
		return 0, false, fmt.Errorf("unknown reward mapping %q", m.mode)
	}
}

// composeBinary: rating beats thumbs beats click; watchlist-style custom
// signals act as a weak positive when nothing stronger arrived.
func (m *Mapper) composeBinary(s signalSet) (float64, bool, error) {
	if s.hasRating {
		return ScaleRating(s.rating), true, nil
	}
	if s.hasThumbs {
		if s.thumbs > 0 {
			return 1, true, nil
		}
		return 0, true, nil
	}
	if s.clicked {
		return 1, true, nil
	}
	if s.hasCustom {
		return clip(s.custom, -1, 1), true, nil
	}
	return 0, false, nil
}

// composeScaled only credits explicit ratings; everything else waits for
// the window to close at 0.
func (m *Mapper) composeScaled(s signalSet) (float64, bool, error) {
	if !s.hasRating {
		return 0, false, nil
	}
	return ScaleRating(s.rating), true, nil
}

func (m *Mapper) composeCEL(s signalSet) (float64, bool, error) {
	if !s.clicked && !s.hasRating && !s.hasThumbs && !s.hasCustom {
		return 0, false, nil
	}
	out, _, err := m.prg.Eval(map[string]any{
		"clicked":    s.clicked,
		"rating":     s.rating,
		"has_rating": s.hasRating,
		"thumbs":     s.thumbs,
		"has_thumbs": s.hasThumbs,
		"custom":     s.custom,
		"has_custom": s.hasCustom,
	})
	if err != nil {
		return 0, false, fmt.Errorf("eval reward_expr: %w", err)
	}
	switch v := out.Value().(type) {
	case float64:
		return clip(v, -1, 1), true, nil
	case int64:
		return clip(float64(v), -1, 1), true, nil
	default:
		return 0, false, fmt.Errorf("reward_expr returned %T, want number", out.Value())
	}
}

func clip(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// ClampForUpdate maps a composed reward onto the [0,1] range policy
// updates accept; negative rewards count fully against the arm.
func ClampForUpdate(r float64) float64 {
	return clip(r, 0, 1)
}
