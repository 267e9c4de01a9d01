package commands

import (
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inferloop/fldp/cmd/cli/config"
	"github.com/inferloop/fldp/internal/privacy"
)

// ConfigLoader returns the configuration for the current invocation.
type ConfigLoader func() (*config.CLIConfig, error)

// PrivacyFlags overrides privacy settings from the command line. Only flags
// set explicitly replace configured values.
type PrivacyFlags struct {
	Technique    string
	Epsilon      float64
	Delta        float64
	Gamma        float64
	Sensitivity  float64
	Alpha        float64
	EpsilonBar   float64
	ClipQuantile float64
	Seed         uint64
}

func (f *PrivacyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.Technique, "technique", "t", "", "Privacy technique ("+joinTechniques()+")")
	cmd.Flags().Float64Var(&f.Epsilon, "epsilon", 0, "Privacy budget epsilon")
	cmd.Flags().Float64Var(&f.Delta, "delta", 0, "Failure probability delta (gaussian)")
	cmd.Flags().Float64Var(&f.Gamma, "gamma", 0, "Clipping bound")
	cmd.Flags().Float64Var(&f.Sensitivity, "sensitivity", 0, "L1/L2 sensitivity")
	cmd.Flags().Float64Var(&f.Alpha, "alpha", 0, "Rényi order (rdp_gaussian)")
	cmd.Flags().Float64Var(&f.EpsilonBar, "epsilon-bar", 0, "Rényi epsilon (rdp_gaussian)")
	cmd.Flags().Float64Var(&f.ClipQuantile, "clip-quantile", 0, "Quantile of |x| used as bound (adaptive_clipping)")
	cmd.Flags().Uint64Var(&f.Seed, "seed", 0, "Seed for reproducible noise (0 uses the secure source)")
}

func (f *PrivacyFlags) apply(cmd *cobra.Command, section *config.PrivacySection) {
	flags := cmd.Flags()
	if flags.Changed("technique") {
		section.Technique = f.Technique
	}
	if flags.Changed("epsilon") {
		section.Epsilon = f.Epsilon
	}
	if flags.Changed("delta") {
		section.Delta = f.Delta
	}
	if flags.Changed("gamma") {
		section.Gamma = f.Gamma
	}
	if flags.Changed("sensitivity") {
		section.Sensitivity = f.Sensitivity
	}
	if flags.Changed("alpha") {
		section.Alpha = f.Alpha
	}
	if flags.Changed("epsilon-bar") {
		section.EpsilonBar = f.EpsilonBar
	}
	if flags.Changed("clip-quantile") {
		section.ClipQuantile = f.ClipQuantile
	}
	if flags.Changed("seed") {
		section.Seed = f.Seed
	}
}

// NewLogger builds a logger from the log section writing to out.
func NewLogger(section config.LogSection, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)

	level, err := logrus.ParseLevel(section.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if section.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}

func joinTechniques() string {
	return strings.Join(privacy.TechniqueNames(), ", ")
}
