// Package cmd implements the command-line interface for the QVF scoring
// engine. It provides the root command and subcommands for running the
// engine, one-shot scoring, and operational introspection.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quantvalue/qvf/cmd/score"
	"github.com/quantvalue/qvf/cmd/serve"
	"github.com/quantvalue/qvf/cmd/status"
	"github.com/quantvalue/qvf/internal/config"
)

var (
	// cfgFile holds the path to the configuration file.
	cfgFile string

	// debug enables debug logging for all commands.
	debug bool

	rootCmd = &cobra.Command{
		Use:   "qvf",
		Short: "QVF portfolio scoring engine",
		Long: `Orchestration and scheduling engine for QVF portfolio prioritization.
It admits scoring requests, sequences them as multi-stage workflows, queues
and throttles competing work, retries failures, and records operational
health.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	// Parse flags early so --config and --debug are visible before viper
	// reads anything.
	_ = rootCmd.ParseFlags(os.Args[1:])

	if err := initConfig(); err != nil {
		return fmt.Errorf("initialize configuration: %w", err)
	}

	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"",
		"config file (default is ./config.yaml or ./config/config.yaml)",
	)
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("qvf version %s\n", viper.GetString("app.version"))
		},
	})

	rootCmd.AddCommand(serve.Command())
	rootCmd.AddCommand(score.Command())
	rootCmd.AddCommand(status.Command())
}

// initConfig points viper at the requested config file and loads defaults,
// file values, and environment variables.
func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := config.InitializeViper(); err != nil {
		return err
	}

	if err := viper.BindPFlag("app.debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("bind debug flag: %w", err)
	}
	if debug {
		viper.Set("logging.level", "debug")
	}
	return nil
}
