package privacy

import (
	"fmt"

	"github.com/inferloop/fldp/pkg/errors"
)

// Calibration reports how a configuration will perturb an update without
// touching any data.
type Calibration struct {
	Technique  Technique `json:"technique"`
	NoiseScale float64   `json:"noise_scale"`
	// Variance of the per-coordinate noise; zero for adaptive clipping.
	Variance  float64   `json:"variance"`
	ClipBound float64   `json:"clip_bound,omitempty"`
	Guarantee Guarantee `json:"guarantee"`
	Statement string    `json:"statement"`
	// ApproxEpsilon is the (ε, δ) equivalent of a Rényi guarantee at TargetDelta.
	ApproxEpsilon float64 `json:"approx_epsilon,omitempty"`
	TargetDelta   float64 `json:"target_delta,omitempty"`
}

// Calibrate describes config. targetDelta is only used to convert a Rényi
// guarantee and is ignored by the other techniques.
func Calibrate(config *PrivacyConfig, targetDelta float64) (*Calibration, error) {
	if config == nil || config.mechanism == nil {
		return nil, errors.NewInvalidConfigError(fmt.Errorf("configuration is required"))
	}

	c := &Calibration{
		Technique:  config.Technique(),
		NoiseScale: config.NoiseScale(),
		Guarantee:  config.Guarantee(),
	}
	c.Statement = c.Guarantee.String()

	switch m := config.mechanism.(type) {
	case LaplaceParams:
		c.ClipBound = m.Gamma
		c.Variance = 2 * c.NoiseScale * c.NoiseScale
	case GaussianParams:
		c.ClipBound = m.Gamma
		c.Variance = c.NoiseScale * c.NoiseScale
	case RDPGaussianParams:
		c.Variance = c.NoiseScale * c.NoiseScale
		if targetDelta > 0 {
			eps, err := m.ToApproximateDP(targetDelta)
			if err != nil {
				return nil, errors.NewInvalidConfigError(err).WithContext("target_delta", targetDelta)
			}
			c.ApproxEpsilon = eps
			c.TargetDelta = targetDelta
		}
	case ExponentialParams:
		c.ClipBound = m.Gamma
		// symmetric exponential with rate ε/(2Δ) is Laplace with scale 2Δ/ε
		c.Variance = 2 * c.NoiseScale * c.NoiseScale
	case AdaptiveClippingParams:
		c.Variance = 0
	}

	return c, nil
}
