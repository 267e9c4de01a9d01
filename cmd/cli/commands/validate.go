package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewValidateConfigCmd(load ConfigLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Check the privacy, store and audit configuration",
		Long: `Validate the loaded configuration without touching any update or
connecting to a store or audit sink.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration is invalid: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid\n")
			fmt.Fprintf(out, "Technique: %s\n", cfg.Privacy.Technique)
			fmt.Fprintf(out, "Store: %s\n", cfg.Store.Type)
			fmt.Fprintf(out, "Audit Sinks: %v\n", cfg.Audit.Sinks)
			return nil
		},
	}
}
