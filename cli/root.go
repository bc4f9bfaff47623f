// Package cli provides the command-line interface of the Caliper engine.
// This package orchestrates the complete application lifecycle including
// configuration management, service initialization, HTTP server setup, and
// graceful shutdown handling.
//
// The binary exposes one command per operational concern:
//
//	caliper serve    → run the API server, worker pool and reconciler
//	caliper migrate  → apply pending SQL migrations and exit
//	caliper init     → create the schema once (--force recreates)
//	caliper cleanup  → purge terminal tasks past the retention window
//
// Configuration Precedence (highest to lowest):
//  1. Environment variables with the CALIPER_ prefix
//  2. .env file
//  3. Configuration file values (--config, or config.yaml in the standard
//     search paths)
//  4. Default values
//
// Example Usage:
//
//	# Start the engine with a configuration file
//	caliper serve --config /etc/caliper/config.yaml
//
//	# Start the engine with environment variables
//	export CALIPER_DATABASE_URL=postgres://caliper:caliper@db:5432/caliper
//	export CALIPER_SERVER_PORT=8090
//	caliper serve
package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/caliperml/caliper/common"
	"github.com/caliperml/caliper/config"
)

// cfgFile holds the path to the configuration file specified via the
// --config flag. Empty means the standard search paths are used.
var cfgFile string

// RootCmd is the entry point of the caliper binary.
var RootCmd = &cobra.Command{
	Use:   "caliper",
	Short: "workflow orchestration backend for multi-model evaluation campaigns",
	Long: `Caliper Evaluation Engine

A workflow orchestration backend for running evaluation campaigns across
candidate models. The engine tracks every use case and model evaluation as
a persistent state machine, validates uploaded configurations and datasets,
runs quality checks and metric evaluations through a durable task queue,
and notifies the owning team of outcomes.

The server provides REST endpoints for:
- Creating use cases and registering candidate models
- Uploading configurations, datasets and predictions
- Querying state machines, summaries and activity history
- Inspecting and cancelling background tasks

Configuration can be provided via environment variables with the CALIPER_
prefix, a .env file, or YAML configuration files.`,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ./configs, $HOME/.caliper, /etc/caliper)")

	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(initCmd)
	RootCmd.AddCommand(cleanupCmd)
}

// loadConfig loads the engine configuration and builds the base logger
// every command logs through.
func loadConfig() (*config.Config, *logrus.Entry, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := common.NewLogger(common.LoggerConfig{
		Level:  common.LogLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
	})
	return cfg, common.ServiceEntry(logger, "caliper"), nil
}
