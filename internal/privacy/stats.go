package privacy

import (
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"

	fmath "github.com/inferloop/fldp/internal/utils/math"
)

// UpdateStats summarizes the magnitude of a normalized update vector.
type UpdateStats struct {
	MaxAbs    float64 `json:"max_abs"`
	MinAbs    float64 `json:"min_abs"`
	MedianAbs float64 `json:"median_abs"`
}

// ComputeStats returns the max, min and median of |x| over vector.
// All values are zero for an empty vector.
func ComputeStats(vector []float64) UpdateStats {
	return UpdateStats{
		MaxAbs:    fmath.MaxAbs(vector),
		MinAbs:    fmath.MinAbs(vector),
		MedianAbs: fmath.MedianAbs(vector),
	}
}

// Fields returns the statistics as log fields.
func (s UpdateStats) Fields() logrus.Fields {
	return logrus.Fields{
		"max_abs":    s.MaxAbs,
		"min_abs":    s.MinAbs,
		"median_abs": s.MedianAbs,
	}
}

// RMSE is the root-mean-square difference between two equal-length vectors.
// It returns 0 when the lengths differ or both are empty.
func RMSE(original, privatized []float64) float64 {
	if len(original) != len(privatized) || len(original) == 0 {
		return 0
	}
	return floats.Distance(original, privatized, 2) / math.Sqrt(float64(len(original)))
}
