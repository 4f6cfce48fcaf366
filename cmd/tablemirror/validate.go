package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/internal/scheduler"
	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/logger"
	"github.com/ajitpratap0/tablemirror/pkg/registry"
)

func newValidateCommand(load func() (*config.Settings, error)) *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the settings and replication files",
		Long: `Load every replication file and report configuration problems. Unless
--offline is set, each source database is also contacted to report configured
tables it does not have.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := load()
			if err != nil {
				return err
			}
			if err := logger.Init(logger.Config{Level: settings.LogLevel, Encoding: "console", Development: true}); err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return validate(ctx, settings, offline)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Do not connect to the source databases")
	return cmd
}

func validate(ctx context.Context, settings *config.Settings, offline bool) error {
	var problems int
	report := func(format string, args ...interface{}) {
		problems++
		fmt.Printf("  ✗ "+format+"\n", args...)
	}

	if settings.Schedule != "" {
		if _, err := scheduler.ParseSchedule(settings.Schedule); err != nil {
			report("%v", err)
		}
	}

	provider, err := config.NewProvider(settings.ConfigsPath)
	if err != nil {
		return err
	}
	for _, p := range provider.Problems() {
		report("%v", p)
	}

	for _, r := range provider.Replications() {
		status := "enabled"
		if !r.Enabled {
			status = "disabled"
		}
		fmt.Printf("%s (%s, %s): %d tables\n", r.Name, r.Path, status, len(r.Tables))
		for _, t := range r.Tables {
			line := fmt.Sprintf("  ✓ %s [%s, %s]", t.ID, t.Mode, t.FileFormat)
			if !t.Replicate {
				line += " replicate=false"
			}
			fmt.Println(line)
		}
		if offline || !r.Enabled {
			continue
		}

		reader, err := registry.Global().OpenSource(ctx, r.Database, logger.Get().With(zap.String("replication", r.Name)))
		if err != nil {
			report("%s: %v", r.Name, err)
			continue
		}
		missing, err := missingTables(ctx, reader, r.Tables)
		_ = reader.Close()
		if err != nil {
			report("%s: cannot list source tables: %v", r.Name, err)
			continue
		}
		for _, t := range missing {
			fmt.Printf("  ! %s: table %s not found in source, it will be skipped\n", t.ID, t.Name)
		}
	}

	if problems > 0 {
		return fmt.Errorf("%d configuration problems found", problems)
	}
	fmt.Println("configuration is valid")
	return nil
}
