// Package main is the entry point for the careassist CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/careassist/internal/config"
	"github.com/szaher/careassist/internal/runtime"
	"github.com/szaher/careassist/internal/telemetry"
)

// Version information set at build time.
var version = "0.1.0"

// Global flags.
var (
	configPath string
	envFiles   []string
	logLevel   string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "careassist",
		Short: "Healthcare assistant chat backend",
		Long: `careassist serves a retrieval-augmented healthcare chat assistant
with persistent conversation threads, a patient registry and clinical
screening endpoints backed by TensorFlow Serving.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			runtime.Version = version
			return config.LoadDotEnv(envFiles...)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Dotenv files loaded before the environment is read")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newAskCmd())
	root.AddCommand(newThreadsCmd())

	return root
}

// loadConfig resolves the configuration and the logger it selects.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	level, err := telemetry.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, telemetry.NewLogger(os.Stderr, level, cfg.Secrets(os.LookupEnv)...), nil
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
