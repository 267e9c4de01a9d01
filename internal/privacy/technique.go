package privacy

import (
	"fmt"
	"strings"
)

// Technique selects one of the supported noise mechanisms.
type Technique int

const (
	TechniqueLaplace Technique = iota + 1
	TechniqueGaussian
	TechniqueRDPGaussian
	TechniqueExponential
	TechniqueAdaptiveClipping
)

var techniqueNames = map[Technique]string{
	TechniqueLaplace:          "laplace",
	TechniqueGaussian:         "gaussian",
	TechniqueRDPGaussian:      "rdp_gaussian",
	TechniqueExponential:      "exponential",
	TechniqueAdaptiveClipping: "adaptive_clipping",
}

// Older job configurations spell the Rényi technique this way.
const legacyRDPGaussianName = "rdpgaussian"

// String returns the configuration name of the technique.
func (t Technique) String() string {
	if name, ok := techniqueNames[t]; ok {
		return name
	}
	return fmt.Sprintf("technique(%d)", int(t))
}

// Valid reports whether t is one of the supported techniques.
func (t Technique) Valid() bool {
	_, ok := techniqueNames[t]
	return ok
}

// ParseTechnique converts a configuration name into a Technique.
func ParseTechnique(name string) (Technique, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == legacyRDPGaussianName {
		return TechniqueRDPGaussian, nil
	}
	for technique, techniqueName := range techniqueNames {
		if techniqueName == normalized {
			return technique, nil
		}
	}
	return 0, fmt.Errorf("unknown privacy technique %q (supported: %s)", name, strings.Join(TechniqueNames(), ", "))
}

// Techniques lists the supported techniques in declaration order.
func Techniques() []Technique {
	return []Technique{
		TechniqueLaplace,
		TechniqueGaussian,
		TechniqueRDPGaussian,
		TechniqueExponential,
		TechniqueAdaptiveClipping,
	}
}

// TechniqueNames lists the configuration names of the supported techniques.
func TechniqueNames() []string {
	techniques := Techniques()
	names := make([]string, len(techniques))
	for i, technique := range techniques {
		names[i] = technique.String()
	}
	return names
}

// MarshalText encodes the technique by name.
func (t Technique) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid technique %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText decodes a technique name.
func (t *Technique) UnmarshalText(text []byte) error {
	parsed, err := ParseTechnique(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
