package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inferloop/fldp/internal/privacy"
	"github.com/inferloop/fldp/pkg/constants"
)

type CalibrateOptions struct {
	TargetDelta float64
	Format      string
	Privacy     PrivacyFlags
}

func NewCalibrateCmd(load ConfigLoader) *cobra.Command {
	opts := &CalibrateOptions{}

	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Show the noise scale and guarantee of a privacy configuration",
		Example: `  # Calibration of the configured technique
  fldp calibrate

  # Rényi Gaussian converted to (ε, δ) at δ = 1e-5
  fldp calibrate -t rdp_gaussian --alpha 10 --epsilon-bar 0.5 --target-delta 1e-5 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalibrate(cmd, load, opts)
		},
	}

	cmd.Flags().Float64Var(&opts.TargetDelta, "target-delta", constants.DefaultTargetDelta, "Delta for converting Rényi guarantees to (ε, δ)")
	cmd.Flags().StringVar(&opts.Format, "format", "text", "Output format (text, json)")
	opts.Privacy.register(cmd)

	return cmd
}

func runCalibrate(cmd *cobra.Command, load ConfigLoader, opts *CalibrateOptions) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	opts.Privacy.apply(cmd, &cfg.Privacy)

	privacyConfig, err := privacy.NewPrivacyConfig(cfg.Privacy.Options())
	if err != nil {
		return fmt.Errorf("invalid privacy configuration: %w", err)
	}

	calibration, err := privacy.Calibrate(privacyConfig, opts.TargetDelta)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch opts.Format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(calibration)
	case "text":
		fmt.Fprintf(out, "Technique: %s\n", calibration.Technique)
		fmt.Fprintf(out, "Noise Scale: %g\n", calibration.NoiseScale)
		fmt.Fprintf(out, "Noise Variance: %g\n", calibration.Variance)
		if calibration.ClipBound > 0 {
			fmt.Fprintf(out, "Clip Bound: %g\n", calibration.ClipBound)
		}
		fmt.Fprintf(out, "Guarantee: %s\n", calibration.Statement)
		if calibration.ApproxEpsilon > 0 {
			fmt.Fprintf(out, "Equivalent: (%g, %g)-differential privacy\n", calibration.ApproxEpsilon, calibration.TargetDelta)
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", opts.Format)
	}
}
