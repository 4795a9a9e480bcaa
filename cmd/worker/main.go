// Command worker runs the job-processing backbone: the queue topology, the
// worker fleet, the cron scheduler, the autoscaler, and the worker-health
// monitor, all wired together by pkg/runtime.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxworks/conveyor/internal/config"
	"github.com/fluxworks/conveyor/pkg/log"
	"github.com/fluxworks/conveyor/pkg/runtime"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the conveyor job-processing backbone",
	RunE:  run,
}

func init() {
	rootCmd.Flags().Duration("shutdown-timeout", 0, "Override SHUTDOWN_DEADLINE_SECONDS for this process")
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if override, _ := cmd.Flags().GetDuration("shutdown-timeout"); override > 0 {
		cfg.ShutdownDeadline = override
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backbone, err := runtime.Start(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start backbone: %w", err)
	}

	logger := log.WithComponent("cmd-worker")
	logger.Info().Str("redis", cfg.RedisURL).Msg("worker process ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("received shutdown signal, draining in-flight jobs")
	deadline := cfg.ShutdownDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	if err := backbone.Shutdown(deadline); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
