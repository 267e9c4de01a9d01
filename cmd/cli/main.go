package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/inferloop/fldp/cmd/cli/commands"
	"github.com/inferloop/fldp/cmd/cli/config"
)

func main() {
	if err := createRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func createRootCommand() *cobra.Command {
	var (
		cfgFile string
		verbose bool
	)

	rootCmd := &cobra.Command{
		Use:   "fldp",
		Short: "Differential privacy for federated learning updates",
		Long: `A command-line interface for privatizing federated-learning model updates
with Laplace, Gaussian, Rényi Gaussian, exponential or adaptive-clipping noise.`,
		Version:       commands.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fldp/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	load := func() (*config.CLIConfig, error) {
		cfg, err := config.LoadConfig(cfgFile)
		if err != nil {
			return nil, err
		}
		if verbose {
			cfg.Log.Level = "debug"
		}
		return cfg, nil
	}

	rootCmd.AddCommand(commands.NewPrivatizeCmd(load))
	rootCmd.AddCommand(commands.NewCalibrateCmd(load))
	rootCmd.AddCommand(commands.NewValidateConfigCmd(load))
	rootCmd.AddCommand(commands.NewVersionCmd())

	return rootCmd
}
