package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/internal/coordinator"
	"github.com/ajitpratap0/tablemirror/internal/scheduler"
	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/metrics"
	"github.com/ajitpratap0/tablemirror/pkg/observability"
)

func newRunCommand(v *viper.Viper, load func() (*config.Settings, error)) *cobra.Command {
	var (
		once    bool
		tableID string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Mirror the enabled tables",
		Long: `Mirror every enabled table of every replication file.

Without a schedule each table runs once and the command exits non-zero when any
table failed. With --schedule the cycle repeats on the cron expression until the
process receives SIGINT or SIGTERM; a running cycle is allowed to finish.

Examples:
  tablemirror run --once
  tablemirror run --schedule "*/15 * * * *" --max-workers 4
  tablemirror run --table shop.public.orders`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := load()
			if err != nil {
				return err
			}
			if once {
				settings.Schedule = ""
			}
			return runTables(cmd.Context(), settings, tableID)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run every table once and exit, ignoring any configured schedule")
	cmd.Flags().String("schedule", "", `Cron expression to repeat runs on, e.g. "0 * * * *" or "@every 30m"`)
	cmd.Flags().StringVar(&tableID, "table", "", "Run only this table id (<database>.<schema>.<table>)")
	cmd.Flags().Int("max-workers", 10, "Maximum number of tables replicated concurrently")
	cmd.Flags().Duration("run-timeout", 0, "Abort a single table run after this long (0 disables)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	cmd.Flags().Bool("trace", false, "Export OpenTelemetry spans to stdout")

	bindFlag(v, cmd, "schedule", "schedule")
	bindFlag(v, cmd, "max_workers", "max-workers")
	bindFlag(v, cmd, "run_timeout", "run-timeout")
	bindFlag(v, cmd, "metrics_addr", "metrics-addr")
	bindFlag(v, cmd, "trace", "trace")
	return cmd
}

func runTables(parent context.Context, settings *config.Settings, tableID string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, settings)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.logger

	if settings.Trace {
		shutdown, err := observability.Init(observability.DefaultTracingConfig(version))
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Warn("failed to flush traces", zap.Error(err))
			}
		}()
	}
	if settings.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, settings.MetricsAddr, log); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	provider, err := config.NewProvider(settings.ConfigsPath)
	if err != nil {
		return err
	}
	for _, p := range provider.Problems() {
		log.Error("configuration problem, affected tables will not run", zap.Error(p))
	}

	runners := a.runners(ctx, provider)
	sched := scheduler.New(tables{Provider: provider, missing: a.missing}, runners, scheduler.Options{
		MaxWorkers: settings.MaxWorkers,
		RunTimeout: settings.RunTimeout,
	}, log)

	if tableID != "" {
		res, err := sched.RunTable(ctx, tableID)
		if err != nil {
			return err
		}
		return summarize([]coordinator.RunResult{res})
	}
	if settings.Schedule != "" {
		return sched.Start(ctx, settings.Schedule)
	}
	return summarize(sched.RunOnce(ctx))
}

// summarize prints one line per run and fails when any run failed.
func summarize(results []coordinator.RunResult) error {
	var failed int
	for _, r := range results {
		wm := "-"
		if r.Watermark != nil {
			wm = r.Watermark.String()
		}
		line := fmt.Sprintf("%-40s %-10s rows=%-8d files=%-4d watermark=%s", r.TableID, r.State, r.Rows, r.Files, wm)
		if r.Err != nil {
			line += fmt.Sprintf(" stage=%s error=%v", r.Stage, r.Err)
		}
		fmt.Println(line)
		if r.State == coordinator.StateFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tables failed", failed, len(results))
	}
	return nil
}
