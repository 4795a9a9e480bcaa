// Command conveyorctl is the operator CLI for the job-processing backbone:
// it inspects and drives the scheduler, the dead-letter recovery pipeline,
// the autoscaler, and worker health, all against the same backbone a
// running worker process builds.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxworks/conveyor/internal/config"
	"github.com/fluxworks/conveyor/pkg/runtime"
	"github.com/fluxworks/conveyor/pkg/workerhealth"
)

// Exit codes follow the convention: 0 healthy/success, 1 degraded/partial,
// 2 critical/usage error.
const (
	exitOK       = 0
	exitDegraded = 1
	exitCritical = 2
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCritical)
	}
}

var rootCmd = &cobra.Command{
	Use:   "conveyorctl",
	Short: "Operate the conveyor job-processing backbone",
}

func init() {
	schedulerCmd.AddCommand(schedulerStatusCmd, schedulerRunNowCmd, schedulerEnableCmd, schedulerDisableCmd)
	dlqCmd.AddCommand(dlqRecoverCmd, dlqCleanupCmd)
	workersCmd.AddCommand(workersHealthCmd)
	workersHealthCmd.Flags().Bool("json", false, "emit machine-readable JSON")

	rootCmd.AddCommand(schedulerCmd, dlqCmd, autoscalerCmd, workersCmd)
}

// withBackbone loads configuration, starts a backbone against it, runs fn,
// and tears the backbone down — every subcommand is a single short-lived
// invocation of the same process that the long-running worker builds.
func withBackbone(fn func(ctx context.Context, b *runtime.Backbone) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	b, err := runtime.Start(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start backbone: %w", err)
	}
	defer b.Shutdown(10 * time.Second)

	return fn(ctx, b)
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Inspect and control the cron scheduler",
}

var schedulerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List registered tasks, their schedule, and next run",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackbone(func(ctx context.Context, b *runtime.Backbone) error {
			for _, t := range b.Scheduler().Tasks() {
				state := "enabled"
				if !t.Enabled() {
					state = "disabled"
				}
				fmt.Printf("%-24s %-16s %-10s next=%s\n", t.Name, t.Schedule, state, t.NextRun().Format(time.RFC3339))
			}
			return nil
		})
	},
}

var schedulerRunNowCmd = &cobra.Command{
	Use:   "run-now <task>",
	Short: "Run a registered task immediately, bypassing its schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackbone(func(ctx context.Context, b *runtime.Backbone) error {
			task := b.Scheduler().FindTask(args[0])
			if task == nil {
				os.Exit(exitCritical)
			}
			b.Scheduler().RunTaskNow(ctx, task)
			return nil
		})
	},
}

var schedulerEnableCmd = &cobra.Command{
	Use:   "enable <task>",
	Short: "Resume a disabled task's schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackbone(func(ctx context.Context, b *runtime.Backbone) error {
			return b.Scheduler().SetEnabled(args[0], true)
		})
	},
}

var schedulerDisableCmd = &cobra.Command{
	Use:   "disable <task>",
	Short: "Pause a task so its schedule is no longer evaluated",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackbone(func(ctx context.Context, b *runtime.Backbone) error {
			return b.Scheduler().SetEnabled(args[0], false)
		})
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and drive dead-letter recovery",
}

// dlqRecoverCmd implements both `dlq recover batch <n>` (process up to n
// eligible entries) and `dlq recover <id>` (process exactly one), since
// cobra's Use string is documentation only — the literal "batch" keyword is
// distinguished at runtime.
var dlqRecoverCmd = &cobra.Command{
	Use:   "recover batch <n> | recover <id>",
	Short: "Process dead-letter entries, either a batch or a single id",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 2 && args[0] == "batch" {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid batch size %q: %w", args[1], err)
			}
			return withBackbone(func(ctx context.Context, b *runtime.Backbone) error {
				result, err := b.DLQRecovery().ProcessBatch(ctx, n)
				if err != nil {
					os.Exit(exitCritical)
				}
				fmt.Printf("retried=%d notified=%d skipped=%d\n", len(result.Retried), len(result.Notified), len(result.Skipped))
				if len(result.Notified) > 0 {
					os.Exit(exitDegraded)
				}
				return nil
			})
		}
		if len(args) != 1 {
			return fmt.Errorf("usage: dlq recover batch <n> | dlq recover <id>")
		}
		return withBackbone(func(ctx context.Context, b *runtime.Backbone) error {
			outcome, err := b.DLQRecovery().ProcessSingle(ctx, args[0])
			if err != nil {
				os.Exit(exitCritical)
			}
			fmt.Println(outcome)
			return nil
		})
	},
}

var dlqCleanupCmd = &cobra.Command{
	Use:   "cleanup <age-hours>",
	Short: "Remove dead-letter entries older than age-hours",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid age %q: %w", args[0], err)
		}
		return withBackbone(func(ctx context.Context, b *runtime.Backbone) error {
			n, err := b.DLQRecovery().Cleanup(ctx, time.Duration(hours)*time.Hour)
			if err != nil {
				os.Exit(exitCritical)
			}
			fmt.Printf("removed=%d\n", n)
			return nil
		})
	},
}

var autoscalerCmd = &cobra.Command{
	Use:   "autoscaler",
	Short: "Inspect the autoscaler",
}

var autoscalerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Evaluate and print the current scaling decision for every queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBackbone(func(ctx context.Context, b *runtime.Backbone) error {
			decisions := b.Autoscaler().Evaluate(ctx)
			for _, d := range decisions {
				fmt.Printf("%-24s depth=%-6d current=%-3d target=%-3d %s %s\n",
					d.Queue, d.Depth, d.Current, d.Target, d.Direction, d.Reason)
			}
			return nil
		})
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect worker health",
}

type workerHealthRow struct {
	Worker        string    `json:"worker"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitempty"`
}

var workersHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report each worker's derived health status",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withBackbone(func(ctx context.Context, b *runtime.Backbone) error {
			var rows []workerHealthRow
			allHealthy := true
			for _, name := range b.HealthMonitor().Workers() {
				report, err := b.HealthMonitor().Evaluate(ctx, name)
				if err != nil {
					os.Exit(exitCritical)
				}
				if report.Status != workerhealth.StatusHealthy {
					allHealthy = false
				}
				rows = append(rows, workerHealthRow{
					Worker: report.Worker, Status: string(report.Status), LastHeartbeat: report.LastHeartbeat,
				})
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rows); err != nil {
					return err
				}
			} else {
				for _, r := range rows {
					fmt.Printf("%-24s %-10s last=%s\n", r.Worker, r.Status, r.LastHeartbeat.Format(time.RFC3339))
				}
			}

			if !allHealthy {
				os.Exit(exitDegraded)
			}
			return nil
		})
	},
}

func init() {
	autoscalerCmd.AddCommand(autoscalerShowCmd)
}
