package privacy

import (
	"fmt"
)

// GuaranteeModel names the privacy notion a mechanism provides.
type GuaranteeModel string

const (
	GuaranteePureDP        GuaranteeModel = "pure-dp"
	GuaranteeApproximateDP GuaranteeModel = "approximate-dp"
	GuaranteeRenyiDP       GuaranteeModel = "renyi-dp"
	GuaranteeNone          GuaranteeModel = "none"
)

// Guarantee describes what a single application of a mechanism provides.
// It covers one update only; composition across rounds is not tracked.
type Guarantee struct {
	Model      GuaranteeModel `json:"model"`
	FormalDP   bool           `json:"formal_dp"`
	Epsilon    float64        `json:"epsilon,omitempty"`
	Delta      float64        `json:"delta,omitempty"`
	Alpha      float64        `json:"alpha,omitempty"`
	EpsilonBar float64        `json:"epsilon_bar,omitempty"`
}

// String renders the guarantee for logs and reports.
func (g Guarantee) String() string {
	switch g.Model {
	case GuaranteePureDP:
		return fmt.Sprintf("(%g)-differential privacy", g.Epsilon)
	case GuaranteeApproximateDP:
		return fmt.Sprintf("(%g, %g)-differential privacy", g.Epsilon, g.Delta)
	case GuaranteeRenyiDP:
		return fmt.Sprintf("(%g, %g)-Rényi differential privacy", g.Alpha, g.EpsilonBar)
	default:
		return "no differential-privacy guarantee (magnitude clipping only)"
	}
}

// Guarantee returns ε-DP.
func (p LaplaceParams) Guarantee() Guarantee {
	return Guarantee{Model: GuaranteePureDP, FormalDP: true, Epsilon: p.Epsilon}
}

// Guarantee returns (ε, δ)-DP.
func (p GaussianParams) Guarantee() Guarantee {
	return Guarantee{Model: GuaranteeApproximateDP, FormalDP: true, Epsilon: p.Epsilon, Delta: p.Delta}
}

// Guarantee returns (α, ε̄)-RDP.
func (p RDPGaussianParams) Guarantee() Guarantee {
	return Guarantee{Model: GuaranteeRenyiDP, FormalDP: true, Alpha: p.Alpha, EpsilonBar: p.EpsilonBar}
}

// Guarantee returns ε-DP.
func (p ExponentialParams) Guarantee() Guarantee {
	return Guarantee{Model: GuaranteePureDP, FormalDP: true, Epsilon: p.Epsilon}
}

// Guarantee reports that adaptive clipping is not a DP mechanism. The bound
// is computed from the data itself, so it must be composed with a noise
// mechanism before any formal claim can be made.
func (p AdaptiveClippingParams) Guarantee() Guarantee {
	return Guarantee{Model: GuaranteeNone, FormalDP: false}
}
