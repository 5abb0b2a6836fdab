package mathutil

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// StdDev returns the sample standard deviation, or 0 with fewer than two values.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	return stat.StdDev(values, nil)
}

// PopVariance returns the population variance (divides by n).
func PopVariance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := Mean(values)
	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(values))
}

// Correlation returns the Pearson correlation clamped to [-1, 1]. Empty, mismatched
// or zero-variance inputs yield 0.
func Correlation(x []float64, y []float64) float64 {
	n := len(x)
	if n == 0 || len(y) != n {
		return 0
	}
	meanX := Mean(x)
	meanY := Mean(y)

	var numerator float64
	var denomX float64
	var denomY float64

	for i := 0; i < n; i++ {
		dx := x[i] - meanX
		dy := y[i] - meanY
		numerator += dx * dy
		denomX += dx * dx
		denomY += dy * dy
	}

	denom := math.Sqrt(denomX * denomY)
	if denom == 0 {
		return 0
	}
	return Clamp(numerator/denom, -1, 1)
}

// Quantile returns the empirical p-quantile of values without modifying them.
func Quantile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return stat.Quantile(Clamp(p, 0, 1), stat.Empirical, sorted, nil)
}

// Median returns the empirical median.
func Median(values []float64) float64 {
	return Quantile(values, 0.5)
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// WeightedMeanStd returns the weighted mean and weighted population standard deviation.
func WeightedMeanStd(values, weights []float64) (float64, float64) {
	if len(values) == 0 || len(values) != len(weights) {
		return 0, 0
	}
	wsum := floats.Sum(weights)
	if wsum <= 0 {
		return 0, 0
	}
	mean := stat.Mean(values, weights)
	var acc float64
	for i, v := range values {
		d := v - mean
		acc += weights[i] * d * d
	}
	return mean, math.Sqrt(acc / wsum)
}

// ZNormalize returns (x-mean)/std; a constant slice maps to zeros.
func ZNormalize(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	mean := Mean(values)
	std := math.Sqrt(PopVariance(values))
	if std < 1e-12 {
		return out
	}
	for i, v := range values {
		out[i] = (v - mean) / std
	}
	return out
}
