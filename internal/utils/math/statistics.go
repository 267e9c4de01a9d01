package math

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// Median calculates the median of a slice of float64 values.
// Even-length inputs average the two middle values.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// Variance calculates the unbiased sample variance
func Variance(values []float64) float64 {
	if len(values) <= 1 {
		return 0
	}
	return stat.Variance(values, nil)
}

// StandardDeviation calculates the sample standard deviation
func StandardDeviation(values []float64) float64 {
	return math.Sqrt(Variance(values))
}

// Abs returns the element-wise absolute values of values.
func Abs(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.Abs(v)
	}
	return out
}

// MaxAbs returns the largest absolute value, or 0 for an empty slice.
func MaxAbs(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return floats.Max(Abs(values))
}

// MinAbs returns the smallest absolute value, or 0 for an empty slice.
func MinAbs(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return floats.Min(Abs(values))
}

// MedianAbs returns the median of the absolute values.
func MedianAbs(values []float64) float64 {
	return Median(Abs(values))
}

// FirstNonFinite returns the index of the first NaN or infinite value, or -1.
func FirstNonFinite(values []float64) int {
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}
