package privacy

import (
	"fmt"
	"math"

	"github.com/google/differential-privacy/go/v3/checks"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fldp/pkg/errors"
)

// Options is the flat, user-facing form of a privacy configuration as it
// appears in config files and flags. Only the fields used by the selected
// technique are validated.
type Options struct {
	Technique    string  `json:"technique" mapstructure:"technique"`
	Epsilon      float64 `json:"epsilon" mapstructure:"epsilon"`
	Delta        float64 `json:"delta" mapstructure:"delta"`
	Gamma        float64 `json:"gamma" mapstructure:"gamma"`
	Sensitivity  float64 `json:"sensitivity" mapstructure:"sensitivity"`
	Alpha        float64 `json:"alpha" mapstructure:"alpha"`
	EpsilonBar   float64 `json:"epsilon_bar" mapstructure:"epsilon_bar"`
	ClipQuantile float64 `json:"clip_quantile" mapstructure:"clip_quantile"`
}

// DefaultOptions returns the defaults used by the federated filter.
func DefaultOptions() Options {
	return Options{
		Technique:    TechniqueLaplace.String(),
		Epsilon:      1.0,
		Delta:        1e-4,
		Gamma:        1e-4,
		Sensitivity:  1.0,
		Alpha:        10.0,
		EpsilonBar:   1.0,
		ClipQuantile: DefaultClipQuantile,
	}
}

// PrivacyConfig is an immutable, validated privacy configuration. It is
// safe for concurrent read-only use.
type PrivacyConfig struct {
	mechanism Mechanism
}

// NewPrivacyConfig validates opts and builds the configuration. Every
// out-of-range value, including an unknown technique, fails here with
// errors.ErrInvalidConfig.
func NewPrivacyConfig(opts Options) (*PrivacyConfig, error) {
	technique, err := ParseTechnique(opts.Technique)
	if err != nil {
		return nil, errors.NewInvalidConfigError(err).WithContext("technique", opts.Technique)
	}

	var mechanism Mechanism
	switch technique {
	case TechniqueLaplace:
		mechanism = LaplaceParams{Sensitivity: opts.Sensitivity, Epsilon: opts.Epsilon, Gamma: opts.Gamma}
	case TechniqueGaussian:
		mechanism = GaussianParams{Delta: opts.Delta, Epsilon: opts.Epsilon, Gamma: opts.Gamma}
	case TechniqueRDPGaussian:
		mechanism = RDPGaussianParams{Sensitivity: opts.Sensitivity, Alpha: opts.Alpha, EpsilonBar: opts.EpsilonBar}
	case TechniqueExponential:
		mechanism = ExponentialParams{Sensitivity: opts.Sensitivity, Epsilon: opts.Epsilon, Gamma: opts.Gamma}
	case TechniqueAdaptiveClipping:
		quantile := opts.ClipQuantile
		if quantile == 0 {
			quantile = DefaultClipQuantile
		}
		mechanism = AdaptiveClippingParams{Quantile: quantile}
	}

	return NewPrivacyConfigFromMechanism(mechanism)
}

// NewPrivacyConfigFromMechanism validates an explicitly constructed mechanism.
func NewPrivacyConfigFromMechanism(mechanism Mechanism) (*PrivacyConfig, error) {
	if mechanism == nil {
		return nil, errors.NewInvalidConfigError(fmt.Errorf("mechanism is required"))
	}
	if err := mechanism.validate(); err != nil {
		return nil, errors.NewInvalidConfigError(err).WithContext("technique", mechanism.Technique().String())
	}
	return &PrivacyConfig{mechanism: mechanism}, nil
}

// Technique returns the selected technique.
func (c *PrivacyConfig) Technique() Technique {
	if c.mechanism == nil {
		return 0
	}
	return c.mechanism.Technique()
}

// Mechanism returns a copy of the mechanism parameters.
func (c *PrivacyConfig) Mechanism() Mechanism {
	return c.mechanism
}

// NoiseScale returns the calibrated noise scale of the mechanism.
func (c *PrivacyConfig) NoiseScale() float64 {
	if c.mechanism == nil {
		return 0
	}
	return c.mechanism.NoiseScale()
}

// Guarantee describes the privacy provided by one application.
func (c *PrivacyConfig) Guarantee() Guarantee {
	if c.mechanism == nil {
		return Guarantee{Model: GuaranteeNone}
	}
	return c.mechanism.Guarantee()
}

// Fields returns the configuration as log fields.
func (c *PrivacyConfig) Fields() logrus.Fields {
	fields := logrus.Fields{
		"technique":   c.Technique().String(),
		"noise_scale": c.NoiseScale(),
	}
	switch m := c.mechanism.(type) {
	case LaplaceParams:
		fields["sensitivity"] = m.Sensitivity
		fields["epsilon"] = m.Epsilon
		fields["gamma"] = m.Gamma
	case GaussianParams:
		fields["delta"] = m.Delta
		fields["epsilon"] = m.Epsilon
		fields["gamma"] = m.Gamma
	case RDPGaussianParams:
		fields["sensitivity"] = m.Sensitivity
		fields["alpha"] = m.Alpha
		fields["epsilon_bar"] = m.EpsilonBar
	case ExponentialParams:
		fields["sensitivity"] = m.Sensitivity
		fields["epsilon"] = m.Epsilon
		fields["gamma"] = m.Gamma
	case AdaptiveClippingParams:
		fields["clip_quantile"] = m.Quantile
	}
	return fields
}

func (p LaplaceParams) validate() error {
	ve := errors.NewValidationErrors()
	checkEpsilon(ve, p.Epsilon)
	checkPositive(ve, "sensitivity", p.Sensitivity)
	checkPositive(ve, "gamma", p.Gamma)
	return validationResult(ve)
}

func (p GaussianParams) validate() error {
	ve := errors.NewValidationErrors()
	checkEpsilon(ve, p.Epsilon)
	if err := checks.CheckDeltaStrict(p.Delta, "delta"); err != nil {
		ve.Add("delta", errors.CodeOutOfRange, "must be in (0, 1)", p.Delta)
	}
	checkPositive(ve, "gamma", p.Gamma)
	return validationResult(ve)
}

func (p RDPGaussianParams) validate() error {
	ve := errors.NewValidationErrors()
	checkPositive(ve, "sensitivity", p.Sensitivity)
	if math.IsNaN(p.Alpha) || math.IsInf(p.Alpha, 0) || p.Alpha <= 1 {
		ve.Add("alpha", errors.CodeOutOfRange, "must be a finite value greater than 1", p.Alpha)
	}
	checkPositive(ve, "epsilon_bar", p.EpsilonBar)
	return validationResult(ve)
}

func (p ExponentialParams) validate() error {
	ve := errors.NewValidationErrors()
	checkEpsilon(ve, p.Epsilon)
	checkPositive(ve, "sensitivity", p.Sensitivity)
	checkPositive(ve, "gamma", p.Gamma)
	return validationResult(ve)
}

func (p AdaptiveClippingParams) validate() error {
	ve := errors.NewValidationErrors()
	if math.IsNaN(p.Quantile) || p.Quantile <= 0 || p.Quantile > 1 {
		ve.Add("clip_quantile", errors.CodeOutOfRange, "must be in (0, 1]", p.Quantile)
	}
	return validationResult(ve)
}

func checkEpsilon(ve *errors.ValidationErrors, epsilon float64) {
	if err := checks.CheckEpsilonStrict(epsilon, "epsilon"); err != nil {
		ve.Add("epsilon", errors.CodeOutOfRange, "must be a finite value greater than 0", epsilon)
	}
}

func checkPositive(ve *errors.ValidationErrors, field string, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
		ve.Add(field, errors.CodeOutOfRange, "must be a finite value greater than 0", value)
	}
}

func validationResult(ve *errors.ValidationErrors) error {
	if ve.HasErrors() {
		return ve
	}
	return nil
}
