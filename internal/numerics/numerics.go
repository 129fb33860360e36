// Package numerics holds the pure arithmetic shared by the derivation engine
// and the scan pipeline. Everything here is deterministic and side-effect
// free.
package numerics

import (
	"math"
	"sort"
)

const epsilon = 1e-10

// IsPositive reports whether v is a finite number strictly greater than zero.
func IsPositive(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// IsFinite reports whether v is a usable number.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// SafeDiv divides a by b, returning def when the denominator is zero,
// sub-epsilon, or not finite, or when the result would not be finite.
func SafeDiv(a, b, def float64) float64 {
	if !IsFinite(a) || !IsFinite(b) || math.Abs(b) < epsilon {
		return def
	}
	q := a / b
	if !IsFinite(q) {
		return def
	}
	return q
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PercentChange returns (curr-prev)/|prev|, or def when prev is unusable.
func PercentChange(prev, curr, def float64) float64 {
	if !IsFinite(prev) || !IsFinite(curr) || math.Abs(prev) < epsilon {
		return def
	}
	return (curr - prev) / math.Abs(prev)
}

// Mean returns the arithmetic mean, 0 for an empty slice.
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

// TrimmedMean drops fraction frac of observations from each tail before
// averaging. frac 0.2 on five values drops the single min and max.
func TrimmedMean(values []float64, frac float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	drop := int(math.Floor(float64(len(sorted)) * frac))
	trimmed := sorted[drop : len(sorted)-drop]
	if len(trimmed) == 0 {
		trimmed = sorted
	}
	return Mean(trimmed)
}

// StdDev returns the population standard deviation, 0 for fewer than two
// values.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

// CoefficientOfVariation returns stddev/|mean|, or def when the mean is
// sub-epsilon.
func CoefficientOfVariation(values []float64, def float64) float64 {
	mean := Mean(values)
	if math.Abs(mean) < epsilon {
		return def
	}
	return StdDev(values) / math.Abs(mean)
}

// GeometricMean averages strictly positive values multiplicatively,
// ignoring non-positive entries. Returns 0 when nothing qualifies.
func GeometricMean(values []float64) float64 {
	var logSum float64
	var n int
	for _, v := range values {
		if !IsPositive(v) {
			continue
		}
		logSum += math.Log(v)
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Exp(logSum / float64(n))
}

// Quartiles holds the quartile summary of a sample.
type Quartiles struct {
	Q1, Median, Q3, IQR float64
}

// ComputeQuartiles returns the quartile summary using linear interpolation
// between closest ranks. Empty input yields the zero value.
func ComputeQuartiles(values []float64) Quartiles {
	if len(values) == 0 {
		return Quartiles{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	q := Quartiles{
		Q1:     quantile(sorted, 0.25),
		Median: quantile(sorted, 0.5),
		Q3:     quantile(sorted, 0.75),
	}
	q.IQR = q.Q3 - q.Q1
	return q
}

func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// MarkOutliers returns, per value, whether it falls outside
// [Q1 - 1.5*IQR, Q3 + 1.5*IQR].
func MarkOutliers(values []float64) []bool {
	marks := make([]bool, len(values))
	if len(values) < 4 {
		return marks
	}
	q := ComputeQuartiles(values)
	lo := q.Q1 - 1.5*q.IQR
	hi := q.Q3 + 1.5*q.IQR
	for i, v := range values {
		marks[i] = v < lo || v > hi
	}
	return marks
}

// Percentile returns the cross-sectional percentile rank of v within sample,
// in [0, 1]. An empty sample yields 0.
func Percentile(sample []float64, v float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	var below int
	for _, s := range sample {
		if s <= v {
			below++
		}
	}
	return float64(below) / float64(len(sample))
}
