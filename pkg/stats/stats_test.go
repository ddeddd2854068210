package stats

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	values := []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	require.Equal(t, 50.0, Percentile(values, 50))
	require.Equal(t, 100.0, Percentile(values, 100))
	require.Equal(t, 10.0, Percentile(values, 1))
	require.Equal(t, 0.0, Percentile(nil, 95))
	// p95 over a latency-like distribution
	require.Equal(t, 100.0, Percentile(values, 95))
}

func TestChiSquareP(t *testing.T) {
	// Known quantiles: chi2(df=1) 3.841 → p ≈ 0.05; 6.635 → p ≈ 0.01.
	require.InDelta(t, 0.05, ChiSquareP(3.841, 1), 1e-3)
	require.InDelta(t, 0.01, ChiSquareP(6.635, 1), 1e-3)
	require.Equal(t, 1.0, ChiSquareP(0, 3))
}

func TestChiSquareGoodnessOfFit(t *testing.T) {
	// Perfectly matched split: p near 1.
	_, p := ChiSquareGoodnessOfFit([]float64{500, 500}, []float64{500, 500})
	require.Greater(t, p, 0.99)

	// Badly skewed split: p far below any sane alpha.
	_, p = ChiSquareGoodnessOfFit([]float64{900, 100}, []float64{500, 500})
	require.Less(t, p, 1e-6)
}

func TestWelchT(t *testing.T) {
	a := make([]float64, 200)
	b := make([]float64, 200)
	rng := rand.New(rand.NewSource(7))
	for i := range a {
		a[i] = 0.5 + 0.1*rng.NormFloat64()
		b[i] = 0.3 + 0.1*rng.NormFloat64()
	}
	tStat, p := WelchT(a, b)
	require.Greater(t, tStat, 2.0)
	require.Less(t, p, 0.01)

	// Identical samples: no evidence either way.
	_, p = WelchT(b, b)
	require.Greater(t, p, 0.4)
}

func TestBootstrapCIDeterministic(t *testing.T) {
	values := make([]float64, 500)
	rng := rand.New(rand.NewSource(11))
	for i := range values {
		values[i] = rng.Float64()
	}
	lo1, hi1 := BootstrapCI(values, 0.95, 1000, rand.New(rand.NewSource(42)))
	lo2, hi2 := BootstrapCI(values, 0.95, 1000, rand.New(rand.NewSource(42)))
	require.Equal(t, lo1, lo2, "fixed seed must reproduce bit-identical CIs")
	require.Equal(t, hi1, hi2)
	require.Less(t, lo1, 0.5)
	require.Greater(t, hi1, 0.5)
}
