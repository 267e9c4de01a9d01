package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inferloop/fldp/internal/audit"
	"github.com/inferloop/fldp/internal/privacy"
	"github.com/inferloop/fldp/internal/utils/encoding"
	"github.com/inferloop/fldp/pkg/constants"
	"github.com/inferloop/fldp/pkg/errors"
	"github.com/inferloop/fldp/pkg/models"
)

type PrivatizeOptions struct {
	InputFile  string
	OutputFile string
	StepCount  int
	Compress   bool
	NoAudit    bool
	Privacy    PrivacyFlags
}

func NewPrivatizeCmd(load ConfigLoader) *cobra.Command {
	opts := &PrivatizeOptions{}

	cmd := &cobra.Command{
		Use:   "privatize",
		Short: "Add calibrated noise to a model update",
		Long: `Read a model update envelope, clip and perturb its parameters with the
configured privacy technique and write the privatized envelope.`,
		Example: `  # Privatize with the configured technique
  fldp privatize --input update.json --output private.json

  # Gaussian noise for an update aggregated over 4 local steps
  fldp privatize -i update.json.gz -o private.json.gz -t gaussian --epsilon 2 --delta 1e-5 --step-count 4

  # Reproducible noise
  fldp privatize -i update.json --seed 42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrivatize(cmd, load, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.InputFile, "input", "i", "", "Input envelope file (- for stdin, required)")
	cmd.Flags().StringVarP(&opts.OutputFile, "output", "o", "-", "Output envelope file (- for stdout)")
	cmd.Flags().IntVar(&opts.StepCount, "step-count", 0, "Local steps aggregated in the update (overrides the envelope)")
	cmd.Flags().BoolVar(&opts.Compress, "compress", false, "Gzip the output (implied by a .gz output name)")
	cmd.Flags().BoolVar(&opts.NoAudit, "no-audit", false, "Do not write audit records")
	opts.Privacy.register(cmd)

	cmd.MarkFlagRequired("input")

	return cmd
}

func runPrivatize(cmd *cobra.Command, load ConfigLoader, opts *PrivatizeOptions) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	opts.Privacy.apply(cmd, &cfg.Privacy)
	logger := NewLogger(cfg.Log, cmd.ErrOrStderr())

	privacyConfig, err := privacy.NewPrivacyConfig(cfg.Privacy.Options())
	if err != nil {
		return fmt.Errorf("invalid privacy configuration: %w", err)
	}
	kinds, err := cfg.Privacy.SupportedDataKinds()
	if err != nil {
		return err
	}

	filter, err := privacy.NewFilter(privacyConfig,
		privacy.WithLogger(logger),
		privacy.WithNoiseSource(cfg.Privacy.NoiseSource()),
		privacy.WithDataKinds(kinds...),
	)
	if err != nil {
		return err
	}

	env, err := readEnvelope(cmd, opts.InputFile)
	if err != nil {
		return fmt.Errorf("failed to load update: %w", err)
	}
	if cmd.Flags().Changed("step-count") {
		if opts.StepCount < 1 {
			return errors.NewInvalidStepCountError(opts.StepCount)
		}
		env.StepCount = opts.StepCount
	}

	ctx := context.Background()
	var sink audit.Sink
	if !opts.NoAudit {
		multi, err := audit.Open(ctx, &cfg.Audit, logger)
		if err != nil {
			return fmt.Errorf("failed to open audit sinks: %w", err)
		}
		defer multi.Close()
		sink = multi
	}

	out, result, err := filter.ProcessEnvelope(env)
	if err != nil {
		if sink != nil {
			record := audit.NewFailureRecord(env, privacyConfig.Technique(), err)
			record.Worker = constants.WorkerIDCLI
			if werr := sink.Write(ctx, record); werr != nil {
				logger.WithError(werr).Warn("Failed to write audit record")
			}
		}
		return fmt.Errorf("privatization failed: %w", err)
	}

	if sink != nil {
		record := audit.NewRecord(result, env)
		record.Worker = constants.WorkerIDCLI
		if err := sink.Write(ctx, record); err != nil {
			return fmt.Errorf("failed to write audit record: %w", err)
		}
	}

	compress := opts.Compress || strings.HasSuffix(opts.OutputFile, ".gz")
	if err := writeEnvelope(cmd, opts.OutputFile, out, compress); err != nil {
		return fmt.Errorf("failed to write update: %w", err)
	}

	report := cmd.OutOrStdout()
	if opts.OutputFile == "-" {
		report = cmd.ErrOrStderr()
	}
	fmt.Fprintf(report, "Privatized update %s\n", result.ID)
	fmt.Fprintf(report, "Technique: %s\n", result.Technique)
	fmt.Fprintf(report, "Noise Scale: %g\n", result.NoiseScale)
	fmt.Fprintf(report, "Guarantee: %s\n", result.Guarantee)
	fmt.Fprintf(report, "Elements: %d (%d scalars passed through)\n", result.Elements, result.Scalars)
	fmt.Fprintf(report, "Utility Loss (RMSE): %g\n", result.UtilityLoss)

	return nil
}

func readEnvelope(cmd *cobra.Command, path string) (*models.UpdateEnvelope, error) {
	var data []byte
	var err error

	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	env, err := encoding.DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.ID == "" && path != "-" {
		env.ID = encoding.TrimExtension(baseName(path))
	}
	return env, nil
}

func writeEnvelope(cmd *cobra.Command, path string, env *models.UpdateEnvelope, compress bool) error {
	data, err := encoding.EncodeEnvelope(env, compress)
	if err != nil {
		return err
	}

	if path == "-" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
