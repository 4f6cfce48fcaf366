package main

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/internal/coordinator"
	"github.com/ajitpratap0/tablemirror/internal/scheduler"
	"github.com/ajitpratap0/tablemirror/internal/state"
	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/filesink"
	"github.com/ajitpratap0/tablemirror/pkg/logger"
	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/registry"
	"github.com/ajitpratap0/tablemirror/pkg/retry"
	"github.com/ajitpratap0/tablemirror/pkg/source"
)

// app holds the process-wide resources shared by the commands.
type app struct {
	settings *config.Settings
	logger   *zap.Logger
	store    *state.Store

	closers []func() error
	// missing holds the configured tables the source does not have
	missing map[string]bool
}

func newApp(ctx context.Context, settings *config.Settings) (*app, error) {
	if err := logger.Init(logger.Config{
		Level:       settings.LogLevel,
		Encoding:    settings.LogFormat,
		Development: settings.LogFormat == "console",
	}); err != nil {
		return nil, err
	}
	log := logger.Get()

	store, err := state.Open(ctx, settings.StatePath, log)
	if err != nil {
		return nil, err
	}
	return &app{settings: settings, logger: log, store: store, missing: make(map[string]bool)}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to close resource", zap.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close state store", zap.Error(err))
	}
	_ = logger.Sync()
}

func (a *app) retryPolicy() *retry.Policy {
	p := retry.NewPolicy(a.settings.Retry.MaxAttempts, a.settings.Retry.InitialDelay)
	p.MaxDelay = a.settings.Retry.MaxDelay
	p.Multiplier = a.settings.Retry.Multiplier
	return p
}

// runners opens the connections of every replication and returns one
// coordinator per replication. A replication whose connections cannot be
// opened is logged and left out, so its tables do not run this process.
func (a *app) runners(ctx context.Context, provider *config.Provider) map[string]scheduler.Runner {
	out := make(map[string]scheduler.Runner)
	for _, r := range provider.Replications() {
		if !r.Enabled {
			a.logger.Info("replication disabled, skipping", zap.String("replication", r.Name))
			continue
		}
		c, err := a.coordinator(ctx, r)
		if err != nil {
			a.logger.Error("failed to open replication",
				zap.String("replication", r.Name),
				zap.String("path", r.Path),
				zap.Error(err))
			continue
		}
		out[r.Name] = c
	}
	return out
}

func (a *app) coordinator(ctx context.Context, r *config.Replication) (*coordinator.Coordinator, error) {
	log := a.logger.With(zap.String("replication", r.Name))
	reg := registry.Global()

	reader, err := reg.OpenSource(ctx, r.Database, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, reader.Close)
	a.warnMissingTables(ctx, reader, r, log)

	var dest coordinator.Destination
	if r.Cloud != nil {
		store, err := reg.OpenObjectStore(ctx, *r.Cloud, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		dest.ObjectStore = store
		dest.Prefix = r.Cloud.Prefix
	}
	if r.Warehouse != nil {
		wh, err := reg.OpenWarehouse(ctx, *r.Warehouse, r.Cloud, log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, wh.Close)
		dest.Warehouse = wh
	}

	extraction := r.Extraction
	sinks := func(format models.FileFormat) (filesink.Sink, error) {
		return filesink.New(extraction.LocalStorageDirectory, format, extraction.Compression, log)
	}

	opts := coordinator.Options{
		Retry:                a.retryPolicy(),
		LeaseTTL:             a.settings.LockTTL,
		DeleteAfterUpload:    extraction.DeleteAfterUpload,
		UploadRemainingFiles: extraction.UploadRemainingFiles,
		OnFailure: func(e coordinator.FailureEvent) {
			log.Warn("table run failed",
				zap.String("table_id", e.TableID),
				zap.String("run_id", e.RunID),
				zap.String("stage", string(e.Stage)),
				zap.Error(e.Cause))
		},
	}
	return coordinator.New(a.store, reader, sinks, dest, opts, log), nil
}

// warnMissingTables logs and records the configured tables the source does
// not have.
func (a *app) warnMissingTables(ctx context.Context, reader source.Reader, r *config.Replication, log *zap.Logger) {
	missing, err := missingTables(ctx, reader, r.Tables)
	if err != nil {
		log.Warn("cannot list source tables", zap.Error(err))
		return
	}
	for _, t := range missing {
		log.Warn("table not found in source, it will be skipped", zap.String("table_id", t.ID))
		a.missing[t.ID] = true
	}
}

func missingTables(ctx context.Context, reader source.Reader, tables []config.TableConfig) ([]config.TableConfig, error) {
	names, err := reader.Tables(ctx)
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[strings.ToLower(n)] = true
	}
	var missing []config.TableConfig
	for _, t := range tables {
		if !have[strings.ToLower(t.Name)] {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// tables hides the tables missing from their source from the scheduler.
type tables struct {
	*config.Provider
	missing map[string]bool
}

func (t tables) Enabled(tableID string) bool {
	return !t.missing[tableID] && t.Provider.Enabled(tableID)
}
