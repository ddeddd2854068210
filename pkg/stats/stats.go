// Package stats holds the few statistical primitives the guardrail
// monitor and decision engine need: chi-square and Welch t-test p-values,
// percentiles, and bootstrap confidence intervals.
package stats

import (
	"math"
	"math/rand"
	"sort"
)

// Percentile returns the p-th percentile (0..100) of values using nearest
// rank on a sorted copy. Empty input yields 0.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Mean returns the arithmetic mean, 0 for empty input.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Variance returns the sample variance (n-1 denominator).
func Variance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := Mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return ss / float64(len(values)-1)
}

// ChiSquareP returns the upper-tail p-value of a chi-square statistic with
// df degrees of freedom.
func ChiSquareP(stat float64, df int) float64 {
	if stat <= 0 || df <= 0 {
		return 1
	}
	return 1 - gammaIncLower(float64(df)/2, stat/2)
}

// ChiSquareGoodnessOfFit computes the statistic and p-value for observed
// counts against expected counts. Categories with zero expectation are
// skipped.
func ChiSquareGoodnessOfFit(observed, expected []float64) (float64, float64) {
	var stat float64
	df := -1
	for i := range observed {
		if i >= len(expected) || expected[i] <= 0 {
			continue
		}
		d := observed[i] - expected[i]
		stat += d * d / expected[i]
		df++
	}
	if df <= 0 {
		return stat, 1
	}
	return stat, ChiSquareP(stat, df)
}

// WelchT runs a one-sided Welch t-test for mean(a) > mean(b) and returns
// the t statistic and p-value. Too-small samples return p = 1.
func WelchT(a, b []float64) (float64, float64) {
	na, nb := float64(len(a)), float64(len(b))
	if na < 2 || nb < 2 {
		return 0, 1
	}
	va, vb := Variance(a), Variance(b)
	se := math.Sqrt(va/na + vb/nb)
	if se == 0 {
		if Mean(a) > Mean(b) {
			return math.Inf(1), 0
		}
		return 0, 1
	}
	t := (Mean(a) - Mean(b)) / se
	// Welch–Satterthwaite degrees of freedom.
	num := math.Pow(va/na+vb/nb, 2)
	den := math.Pow(va/na, 2)/(na-1) + math.Pow(vb/nb, 2)/(nb-1)
	df := num / den
	return t, 1 - studentTCDF(t, df)
}

// BootstrapCI returns the (lo, hi) percentile bootstrap interval of the
// mean at the given confidence level, resampling with the caller's RNG so
// replay runs are reproducible.
func BootstrapCI(values []float64, confidence float64, resamples int, rng *rand.Rand) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	if resamples <= 0 {
		resamples = 1000
	}
	means := make([]float64, resamples)
	for i := 0; i < resamples; i++ {
		var sum float64
		for j := 0; j < len(values); j++ {
			sum += values[rng.Intn(len(values))]
		}
		means[i] = sum / float64(len(values))
	}
	alpha := (1 - confidence) / 2
	return Percentile(means, alpha*100), Percentile(means, (1-alpha)*100)
}

// studentTCDF is the CDF of Student's t with df degrees of freedom.
func studentTCDF(t, df float64) float64 {
	if df <= 0 {
		return 0.5
	}
	x := df / (df + t*t)
	p := 0.5 * betaInc(df/2, 0.5, x)
	if t > 0 {
		return 1 - p
	}
	return p
}

// gammaIncLower is the regularized lower incomplete gamma P(a, x), by
// series expansion for x < a+1 and continued fraction otherwise.
func gammaIncLower(a, x float64) float64 {
	if x < 0 || a <= 0 {
		return 0
	}
	if x == 0 {
		return 0
	}
	if x < a+1 {
		// Series representation.
		ap := a
		sum := 1.0 / a
		del := sum
		for i := 0; i < 200; i++ {
			ap++
			del *= x / ap
			sum += del
			if math.Abs(del) < math.Abs(sum)*1e-12 {
				break
			}
		}
		lg, _ := math.Lgamma(a)
		return sum * math.Exp(-x+a*math.Log(x)-lg)
	}
	// Continued fraction for Q(a, x), then P = 1 - Q.
	lg, _ := math.Lgamma(a)
	b := x + 1 - a
	c := 1 / 1e-300
	d := 1 / b
	h := d
	for i := 1; i < 200; i++ {
		an := -float64(i) * (float64(i) - a)
		b += 2
		d = an*d + b
		if math.Abs(d) < 1e-300 {
			d = 1e-300
		}
		c = b + an/c
		if math.Abs(c) < 1e-300 {
			c = 1e-300
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < 1e-12 {
			break
		}
	}
	q := math.Exp(-x+a*math.Log(x)-lg) * h
	return 1 - q
}

// betaInc is the regularized incomplete beta function I_x(a, b).
func betaInc(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	lga, _ := math.Lgamma(a)
	lgb, _ := math.Lgamma(b)
	lgab, _ := math.Lgamma(a + b)
	front := math.Exp(lgab - lga - lgb + a*math.Log(x) + b*math.Log(1-x))
	if x < (a+1)/(a+b+2) {
		return front * betaCF(a, b, x) / a
	}
	return 1 - front*betaCF(b, a, 1-x)/b
}

// betaCF is the continued fraction for betaInc (Lentz's method).
func betaCF(a, b, x float64) float64 {
	const eps = 1e-12
	qab, qap, qam := a+b, a+1, a-1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < 1e-300 {
		d = 1e-300
	}
	d = 1 / d
	h := d
	for m := 1; m <= 200; m++ {
		fm := float64(m)
		aa := fm * (b - fm) * x / ((qam + 2*fm) * (a + 2*fm))
		d = 1 + aa*d
		if math.Abs(d) < 1e-300 {
			d = 1e-300
		}
		c = 1 + aa/c
		if math.Abs(c) < 1e-300 {
			c = 1e-300
		}
		d = 1 / d
		h *= d * c
		aa = -(a + fm) * (qab + fm) * x / ((a + 2*fm) * (qap + 2*fm))
		d = 1 + aa*d
		if math.Abs(d) < 1e-300 {
			d = 1e-300
		}
		c = 1 + aa/c
		if math.Abs(c) < 1e-300 {
			c = 1e-300
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < eps {
			break
		}
	}
	return h
}
