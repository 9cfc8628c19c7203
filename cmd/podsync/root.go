package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yairfalse/podsync/internal/config"
	"github.com/yairfalse/podsync/telemetry"
)

var (
	version    = "0.1.0"
	configPath string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "podsync",
		Short: "Dual-scope podman inventory synchronizer",
		Long: `podsync - Dual-scope podman inventory synchronizer

podsync follows the system podman service and the rootless service of the
current user at the same time. Both daemons report containers and images
with ids that are only unique per daemon, so every entity is tracked under
its scope. The inventory is kept current from each daemon's event stream
and exposed as metrics, JSON and tables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`podsync {{.Version}} - Dual-scope podman inventory synchronizer
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}

// loadConfig reads --config, or the defaults when it is unset.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}
	if debug {
		cfg.Log.Level = zerolog.LevelDebugValue
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger. Interactive commands log to stderr
// in console format so stdout stays clean for tables and JSON.
func newLogger(cfg *config.Config, interactive bool) *telemetry.Logger {
	opts := telemetry.LogOptions{Level: cfg.Log.Level, Format: cfg.Log.Format}
	if interactive {
		opts.Format = "console"
		opts.Out = os.Stderr
		if !debug {
			opts.Level = zerolog.LevelWarnValue
		}
	}
	return telemetry.NewLoggerWithOptions(cfg.OTEL.ServiceName, opts)
}
