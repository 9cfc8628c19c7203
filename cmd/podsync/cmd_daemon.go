package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/podsync/internal/daemon"
)

var (
	daemonMetricsAddr string
	daemonNoWatch     bool
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep the inventory of both scopes in sync",
	Long: `Run podsync as a long-lived service.

Both scopes are probed at startup. A reachable scope is loaded in full and
then followed through its event stream; an unreachable one stays
unavailable until its socket appears or an operator probes it.

Endpoints:
- /metrics        Prometheus metrics
- /health         liveness and per-scope state
- /-/ready        ready once every scope is loaded or known unavailable
- /inventory      JSON inventory (?scope=, ?running=, ?filter=)
- POST /probe/{scope}  retry a scope`,
	Example: `  podsync daemon                          # Run with defaults
  podsync daemon -c /etc/podsync.yaml      # Use a config file
  podsync daemon --metrics-addr :9090      # Custom listen address`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonMetricsAddr, "metrics-addr", "", "HTTP listen address (overrides metrics.addr)")
	daemonCmd.Flags().BoolVar(&daemonNoWatch, "no-watch", false, "Do not watch daemon sockets")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Metrics.Enabled = true
	if daemonMetricsAddr != "" {
		cfg.Metrics.Addr = daemonMetricsAddr
	}
	if daemonNoWatch {
		cfg.WatchSockets = false
	}

	logger := newLogger(cfg, false)

	d, err := daemon.New(cmd.Context(), cfg, daemon.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	defer func() { _ = d.Close() }()

	if err := d.Run(cmd.Context()); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	return nil
}
