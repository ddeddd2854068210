package reward

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Teamial/CineaMate/pkg/contracts"
)

func binaryMapper(t *testing.T) *Mapper {
	t.Helper()
	m, err := NewMapper(&contracts.Experiment{RewardMapping: contracts.RewardBinaryClick})
	require.NoError(t, err)
	return m
}

func sig(kind contracts.RewardKind, value float64) contracts.RewardEvent {
	return contracts.RewardEvent{Kind: kind, Value: value, At: time.Now()}
}

func TestScaleRatingBoundaries(t *testing.T) {
	require.Equal(t, 0.0, ScaleRating(2.5))
	require.Equal(t, 1.0, ScaleRating(5))
	require.Equal(t, -1.0, ScaleRating(1)) // clipped at -1
	require.InDelta(t, 0.6, ScaleRating(4), 1e-9)
}

func TestBinaryMapping(t *testing.T) {
	m := binaryMapper(t)

	cases := []struct {
		name      string
		signals   []contracts.RewardEvent
		want      float64
		qualified bool
	}{
		{"no signals", nil, 0, false},
		{"click", []contracts.RewardEvent{sig(contracts.SignalClick, 1)}, 1, true},
		{"thumbs up", []contracts.RewardEvent{sig(contracts.SignalThumbsUp, 1)}, 1, true},
		{"thumbs down", []contracts.RewardEvent{sig(contracts.SignalThumbsDown, -1)}, 0, true},
		{"rating five", []contracts.RewardEvent{sig(contracts.SignalRating, 5)}, 1, true},
		{"rating neutral", []contracts.RewardEvent{sig(contracts.SignalRating, 2.5)}, 0, true},
		{"watchlist custom", []contracts.RewardEvent{sig(contracts.SignalCustom, 0.7)}, 0.7, true},
		// Priority: explicit rating beats thumbs beats click.
		{"rating beats thumbs", []contracts.RewardEvent{
			sig(contracts.SignalThumbsUp, 1), sig(contracts.SignalRating, 1),
		}, -1, true},
		{"thumbs beats click", []contracts.RewardEvent{
			sig(contracts.SignalClick, 1), sig(contracts.SignalThumbsDown, -1),
		}, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, qualified, err := m.Compose(tc.signals)
			require.NoError(t, err)
			require.Equal(t, tc.qualified, qualified)
			require.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestScaledRatingMappingIgnoresClicks(t *testing.T) {
	m, err := NewMapper(&contracts.Experiment{RewardMapping: contracts.RewardScaledRating})
	require.NoError(t, err)

	_, qualified, err := m.Compose([]contracts.RewardEvent{sig(contracts.SignalClick, 1)})
	require.NoError(t, err)
	require.False(t, qualified)

	got, qualified, err := m.Compose([]contracts.RewardEvent{sig(contracts.SignalRating, 4)})
	require.NoError(t, err)
	require.True(t, qualified)
	require.InDelta(t, 0.6, got, 1e-9)
}

func TestCompositeMappingCEL(t *testing.T) {
	m, err := NewMapper(&contracts.Experiment{
		RewardMapping: contracts.RewardComposite,
		RewardExpr:    `has_rating ? (rating - 2.5) / 2.5 : (clicked ? 0.5 : 0.0)`,
	})
	require.NoError(t, err)

	got, qualified, err := m.Compose([]contracts.RewardEvent{sig(contracts.SignalClick, 1)})
	require.NoError(t, err)
	require.True(t, qualified)
	require.Equal(t, 0.5, got)

	got, _, err = m.Compose([]contracts.RewardEvent{sig(contracts.SignalRating, 5)})
	require.NoError(t, err)
	require.Equal(t, 1.0, got)
}

func TestCompositeMappingRejectsBadExpr(t *testing.T) {
	_, err := NewMapper(&contracts.Experiment{
		RewardMapping: contracts.RewardComposite,
		RewardExpr:    `rating +`,
	})
	require.Error(t, err)
	require.Equal(t, contracts.ErrorKindConfiguration, contracts.KindOf(err))
}

func TestClampForUpdate(t *testing.T) {
	require.Equal(t, 0.0, ClampForUpdate(-1))
	require.Equal(t, 1.0, ClampForUpdate(1))
	require.Equal(t, 0.3, ClampForUpdate(0.3))
}
