package privacy

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/inferloop/fldp/pkg/errors"
)

// DefaultClipQuantile is the quantile of |x| used as the adaptive clipping bound.
const DefaultClipQuantile = 0.95

// Mechanism is the closed set of noise mechanisms. Each implementation
// carries only the parameters it needs.
type Mechanism interface {
	Technique() Technique
	// NoiseScale returns the scale parameter of the noise distribution
	// (Laplace b, Gaussian σ, or the exponential mechanism's 2Δ/ε).
	NoiseScale() float64
	Guarantee() Guarantee
	validate() error
}

// LaplaceParams configures the Laplace mechanism.
type LaplaceParams struct {
	Sensitivity float64 `json:"sensitivity"`
	Epsilon     float64 `json:"epsilon"`
	Gamma       float64 `json:"gamma"`
}

// GaussianParams configures the (ε, δ) Gaussian mechanism. The clipping
// bound γ stands in for the sensitivity.
type GaussianParams struct {
	Delta   float64 `json:"delta"`
	Epsilon float64 `json:"epsilon"`
	Gamma   float64 `json:"gamma"`
}

// RDPGaussianParams configures the Rényi-DP Gaussian mechanism.
type RDPGaussianParams struct {
	Sensitivity float64 `json:"sensitivity"`
	Alpha       float64 `json:"alpha"`
	EpsilonBar  float64 `json:"epsilon_bar"`
}

// ExponentialParams configures the coordinate-wise continuous exponential mechanism.
type ExponentialParams struct {
	Sensitivity float64 `json:"sensitivity"`
	Epsilon     float64 `json:"epsilon"`
	Gamma       float64 `json:"gamma"`
}

// AdaptiveClippingParams configures data-dependent clipping. It adds no noise.
type AdaptiveClippingParams struct {
	Quantile float64 `json:"quantile"`
}

func (LaplaceParams) Technique() Technique          { return TechniqueLaplace }
func (GaussianParams) Technique() Technique         { return TechniqueGaussian }
func (RDPGaussianParams) Technique() Technique      { return TechniqueRDPGaussian }
func (ExponentialParams) Technique() Technique      { return TechniqueExponential }
func (AdaptiveClippingParams) Technique() Technique { return TechniqueAdaptiveClipping }

// NoiseScale returns b = Δ/ε.
func (p LaplaceParams) NoiseScale() float64 {
	return p.Sensitivity / p.Epsilon
}

// NoiseScale returns σ = γ·sqrt(2 ln(1.25/δ)) / ε.
func (p GaussianParams) NoiseScale() float64 {
	return p.Gamma * math.Sqrt(2*math.Log(1.25/p.Delta)) / p.Epsilon
}

// NoiseScale returns σ = Δ·sqrt(α / (2ε̄)).
func (p RDPGaussianParams) NoiseScale() float64 {
	return p.Sensitivity * math.Sqrt(p.Alpha/(2*p.EpsilonBar))
}

// NoiseScale returns 2Δ/ε, the scale of the noise density exp(-ε|v-x|/(2Δ)).
func (p ExponentialParams) NoiseScale() float64 {
	return 2 * p.Sensitivity / p.Epsilon
}

// NoiseScale is zero: adaptive clipping is deterministic.
func (p AdaptiveClippingParams) NoiseScale() float64 {
	return 0
}

// ToApproximateDP converts the RDP guarantee into (ε, δ)-DP using
// ε = ε̄ + ln(1/δ)/(α-1).
func (p RDPGaussianParams) ToApproximateDP(delta float64) (float64, error) {
	if delta <= 0 || delta >= 1 || math.IsNaN(delta) {
		return 0, fmt.Errorf("delta must be in (0, 1), got %g", delta)
	}
	return p.EpsilonBar + math.Log(1/delta)/(p.Alpha-1), nil
}

// Apply runs the configured mechanism over vector and returns a new vector of
// the same length. The input is not modified.
func Apply(vector []float64, config *PrivacyConfig, sampler NoiseSampler) ([]float64, error) {
	if config == nil {
		return nil, errors.NewUnsupportedTechniqueError("<nil config>")
	}

	switch m := config.mechanism.(type) {
	case LaplaceParams:
		return ApplyLaplace(vector, m, sampler), nil
	case GaussianParams:
		return ApplyGaussian(vector, m, sampler), nil
	case RDPGaussianParams:
		return ApplyRDPGaussian(vector, m, sampler), nil
	case ExponentialParams:
		return ApplyExponential(vector, m, sampler), nil
	case AdaptiveClippingParams:
		return ApplyAdaptiveClipping(vector, m), nil
	default:
		return nil, errors.NewUnsupportedTechniqueError(fmt.Sprintf("%T", config.mechanism))
	}
}

// ApplyLaplace clips to [-γ, γ] and adds Laplace(0, Δ/ε) noise to each coordinate.
func ApplyLaplace(vector []float64, p LaplaceParams, sampler NoiseSampler) []float64 {
	result := Clip(vector, p.Gamma)
	scale := p.NoiseScale()
	for i := range result {
		result[i] += sampler.Laplace(scale)
	}
	return result
}

// ApplyGaussian clips to [-γ, γ] and adds N(0, σ²) noise to each coordinate.
func ApplyGaussian(vector []float64, p GaussianParams, sampler NoiseSampler) []float64 {
	result := Clip(vector, p.Gamma)
	sigma := p.NoiseScale()
	for i := range result {
		result[i] += sampler.Gaussian(sigma)
	}
	return result
}

// ApplyRDPGaussian adds N(0, σ²) noise without clipping; the caller is
// responsible for bounding the sensitivity.
func ApplyRDPGaussian(vector []float64, p RDPGaussianParams, sampler NoiseSampler) []float64 {
	result := make([]float64, len(vector))
	sigma := p.NoiseScale()
	for i, v := range vector {
		result[i] = v + sampler.Gaussian(sigma)
	}
	return result
}

// ApplyExponential clips to [-γ, γ] and reports each coordinate v with
// density proportional to exp(-ε|v-x| / (2Δ)): a symmetric exponential
// offset with rate ε/(2Δ).
func ApplyExponential(vector []float64, p ExponentialParams, sampler NoiseSampler) []float64 {
	result := Clip(vector, p.Gamma)
	rate := p.Epsilon / (2 * p.Sensitivity)
	for i := range result {
		result[i] += sampler.Sign() * sampler.Exponential(rate)
	}
	return result
}

// ApplyAdaptiveClipping clips every coordinate to [-b, b] where b is the
// empirical quantile of |x|. It bounds magnitudes only.
func ApplyAdaptiveClipping(vector []float64, p AdaptiveClippingParams) []float64 {
	if len(vector) == 0 {
		return []float64{}
	}
	return Clip(vector, AdaptiveBound(vector, p.Quantile))
}

// AdaptiveBound returns the q-quantile of the absolute values of vector.
func AdaptiveBound(vector []float64, q float64) float64 {
	if len(vector) == 0 {
		return 0
	}
	if q <= 0 || q > 1 {
		q = DefaultClipQuantile
	}
	abs := make([]float64, len(vector))
	for i, v := range vector {
		abs[i] = math.Abs(v)
	}
	sort.Float64s(abs)
	return stat.Quantile(q, stat.Empirical, abs, nil)
}

// Clip returns a copy of vector with every element bounded to [-bound, bound].
func Clip(vector []float64, bound float64) []float64 {
	result := make([]float64, len(vector))
	for i, v := range vector {
		switch {
		case v > bound:
			result[i] = bound
		case v < -bound:
			result[i] = -bound
		default:
			result[i] = v
		}
	}
	return result
}
