package coordinator

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/internal/planner"
	"github.com/ajitpratap0/tablemirror/internal/state"
	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/metrics"
	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/objectstore"
	"github.com/ajitpratap0/tablemirror/pkg/observability"
	"github.com/ajitpratap0/tablemirror/pkg/retry"
	"github.com/ajitpratap0/tablemirror/pkg/schema"
	"github.com/ajitpratap0/tablemirror/pkg/warehouse"
)

// run is the working set of one Coordinator.Run call.
type run struct {
	c      *Coordinator
	tc     config.TableConfig
	id     string
	ctx    context.Context
	result *RunResult
	logger *zap.Logger

	// state is the working copy of the table state; it only reaches the
	// store through commit
	state *models.TableState

	span       *observability.Span
	stageTimer *metrics.Timer
	lease      *lease
}

func (r *run) execute(ctx context.Context) error {
	r.enter(StateExtracting)

	column := ""
	if r.tc.Mode == models.ModeIncremental {
		column = r.tc.IncrementalColumn
	}
	st, err := r.c.store.LoadOrInit(ctx, r.tc.ID, r.tc.Mode, column)
	if err != nil {
		return err
	}
	r.state = st.Clone()
	r.c.catalogs.Invalidate(r.tc.ID)

	if err := r.reconcile(ctx); err != nil {
		return err
	}
	backfill := r.pendingBatches()

	plan, err := r.extract(ctx)
	if err != nil {
		return err
	}
	r.result.Rows = plan.Rows
	metrics.RowsExtracted.WithLabelValues(r.tc.ID).Add(float64(plan.Rows))

	if !r.c.dest.Configured() {
		return r.retain(ctx, plan)
	}
	if r.tc.Mode == models.ModeFullLoad {
		if err := r.archive(ctx, backfill); err != nil {
			return err
		}
		return r.deliverFull(ctx, plan.Batches)
	}

	batches := append(backfill, plan.Batches...)
	for _, b := range batches {
		if err := r.deliverIncremental(ctx, b); err != nil {
			return err
		}
	}
	return r.commit(ctx, nil, true)
}

// enter moves the run to stage s.
func (r *run) enter(s State) {
	r.finishStage(nil)
	r.result.Stage = s
	r.c.setState(r.tc.ID, s)
	r.stageTimer = metrics.NewTimer()
	_, r.span = observability.StartStage(r.ctx, strings.ToLower(string(s)))
	r.logger.Debug("stage entered", zap.String("stage", string(s)))
}

func (r *run) finishStage(err error) {
	if r.span == nil {
		return
	}
	metrics.ObserveStage(strings.ToLower(string(r.result.Stage)), r.stageTimer.Stop(), err)
	r.span.End(err)
	r.span = nil
}

// policy returns the retry policy of the current stage.
func (r *run) policy() *retry.Policy {
	p := *r.c.opts.Retry
	stage := string(r.result.Stage)
	p.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.Retries.WithLabelValues(strings.ToLower(stage)).Inc()
		r.logger.Warn("retrying after transient error",
			zap.String("stage", stage),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}
	return &p
}

func (r *run) extract(ctx context.Context) (*planner.Plan, error) {
	var plan *planner.Plan
	err := r.policy().Do(ctx, func(ctx context.Context) error {
		var err error
		plan, err = r.c.planner.Extract(ctx, r.id, r.tc, r.state)
		return err
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// reconcile folds the warehouse's newest manifest row into the working
// state. A run that died between the warehouse commit and the local commit
// left local state behind the target; the retry resumes from the target's
// watermark, so rows that arrived meanwhile cannot repeat committed ones.
func (r *run) reconcile(ctx context.Context) error {
	wh := r.c.dest.Warehouse
	if wh == nil || r.tc.Mode != models.ModeIncremental {
		return nil
	}
	var cp *warehouse.Checkpoint
	err := r.policy().Do(ctx, func(ctx context.Context) error {
		var err error
		cp, err = wh.LastCommitted(ctx, r.tc.ID)
		return err
	})
	if err != nil || cp == nil {
		return err
	}

	behind := cp.Sequence > r.state.LastSequence
	if behind {
		r.state.LastSequence = cp.Sequence
	}
	if cp.Watermark != nil && strings.EqualFold(cp.WatermarkColumn, r.state.WatermarkColumn) {
		wm, err := models.MaxWatermark(r.state.WatermarkValue, cp.Watermark)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeStateCorruption, "warehouse watermark kind differs from local state")
		}
		if wm != r.state.WatermarkValue {
			r.state.WatermarkValue = wm
			behind = true
		}
	}
	var settled []models.PendingFile
	kept := make([]models.PendingFile, 0, len(r.state.PendingFiles))
	for _, p := range r.state.PendingFiles {
		if p.Sequence <= cp.Sequence {
			settled = append(settled, p)
			continue
		}
		kept = append(kept, p)
	}
	if !behind && len(settled) == 0 {
		return nil
	}
	if len(kept) == 0 {
		kept = nil
	}
	r.state.PendingFiles = kept

	r.logger.Warn("local state was behind the warehouse manifest, reconciled",
		zap.Int64("committed_sequence", cp.Sequence),
		zap.Stringer("watermark", watermarkStringer{r.state.WatermarkValue}),
		zap.Int("settled_pending_files", len(settled)))
	if err := r.commit(ctx, []models.ManifestEntry{cp.ManifestEntry(r.tc.ID)}, false); err != nil {
		return err
	}
	for _, p := range settled {
		r.cleanup(p.Batch(r.tc.ID))
	}
	return nil
}

// pendingBatches returns the retained files to replay before this run's
// own batches, in extraction order.
func (r *run) pendingBatches() []models.ExtractionBatch {
	if len(r.state.PendingFiles) == 0 || !r.c.dest.Configured() {
		return nil
	}
	if !r.c.opts.UploadRemainingFiles {
		r.logger.Warn("pending files are kept locally because upload_remaining_files is off",
			zap.Int("pending_files", len(r.state.PendingFiles)))
		return nil
	}
	pending := append([]models.PendingFile(nil), r.state.PendingFiles...)
	sort.Slice(pending, func(i, j int) bool { return pending[i].Sequence < pending[j].Sequence })
	out := make([]models.ExtractionBatch, len(pending))
	for i, p := range pending {
		out[i] = p.Batch(r.tc.ID)
	}
	r.logger.Info("replaying pending files", zap.Int("files", len(out)))
	return out
}

// retain keeps the extracted files locally until a destination exists.
// The watermark still advances: the files are the record of the rows.
func (r *run) retain(ctx context.Context, plan *planner.Plan) error {
	entries := make([]models.ManifestEntry, 0, len(plan.Batches))
	for _, b := range plan.Batches {
		r.state.PendingFiles = append(r.state.PendingFiles, models.PendingFromBatch(b))
		if err := r.advance(b); err != nil {
			return err
		}
		entries = append(entries, b.ManifestEntry())
	}
	if err := r.commit(ctx, entries, true); err != nil {
		return err
	}
	r.result.Files += len(plan.Batches)
	metrics.FilesCommitted.WithLabelValues(r.tc.ID, "local").Add(float64(len(plan.Batches)))
	return nil
}

// deliverIncremental stages, loads and commits one batch.
func (r *run) deliverIncremental(ctx context.Context, b models.ExtractionBatch) error {
	r.enter(StateStaging)
	staged, err := r.stage(ctx, b)
	if err != nil {
		return err
	}

	if wh := r.c.dest.Warehouse; wh != nil {
		r.enter(StateSchemaCheck)
		if err := r.ensureSchema(ctx, b.Schema); err != nil {
			return err
		}

		r.enter(StateLoading)
		target := r.target()
		err := r.policy().Do(ctx, func(ctx context.Context) error {
			if err := r.lease.Err(); err != nil {
				return err
			}
			cp, err := wh.LastCommitted(ctx, b.TableID)
			if err != nil {
				return err
			}
			if cp != nil && cp.Sequence >= b.Sequence {
				r.logger.Info("batch already committed in warehouse, reconciling local state",
					zap.Int64("sequence", b.Sequence), zap.Int64("committed_sequence", cp.Sequence))
				return nil
			}
			return wh.LoadIncremental(ctx, target, staged)
		})
		if err != nil {
			r.c.catalogs.Invalidate(r.tc.ID)
			return err
		}
	}

	if err := r.advance(b); err != nil {
		return err
	}
	if err := r.commit(ctx, []models.ManifestEntry{r.committedEntry(b)}, false); err != nil {
		return err
	}
	r.result.Files++
	metrics.FilesCommitted.WithLabelValues(r.tc.ID, r.c.dest.label()).Inc()
	r.cleanup(b)
	return nil
}

// deliverFull stages every batch and replaces the target with them.
func (r *run) deliverFull(ctx context.Context, batches []models.ExtractionBatch) error {
	r.enter(StateStaging)
	staged := make([]warehouse.Staged, 0, len(batches))
	for _, b := range batches {
		s, err := r.stage(ctx, b)
		if err != nil {
			return err
		}
		staged = append(staged, s)
	}

	if wh := r.c.dest.Warehouse; wh != nil {
		r.enter(StateSchemaCheck)
		exists := true
		if len(batches) > 0 {
			merged, err := r.mergedSchema(batches)
			if err != nil {
				return err
			}
			if err := r.ensureSchema(ctx, merged); err != nil {
				return err
			}
		} else {
			catalog, err := r.catalog(ctx)
			if err != nil {
				return err
			}
			exists = catalog != nil
		}

		r.enter(StateLoading)
		if exists {
			target := r.target()
			err := r.policy().Do(ctx, func(ctx context.Context) error {
				return wh.LoadFull(ctx, target, staged)
			})
			if err != nil {
				r.c.catalogs.Invalidate(r.tc.ID)
				return err
			}
		}
	}

	entries := make([]models.ManifestEntry, 0, len(batches))
	for _, b := range batches {
		if err := r.advance(b); err != nil {
			return err
		}
		entries = append(entries, r.committedEntry(b))
	}
	if err := r.commit(ctx, entries, true); err != nil {
		return err
	}
	r.result.Files += len(batches)
	metrics.FilesCommitted.WithLabelValues(r.tc.ID, r.c.dest.label()).Add(float64(len(batches)))
	for _, b := range batches {
		r.cleanup(b)
	}
	return nil
}

// archive settles pending files of a full-load table. They are superseded
// by this run's snapshot, so they go to object storage but not to the
// warehouse.
func (r *run) archive(ctx context.Context, pending []models.ExtractionBatch) error {
	if len(pending) == 0 {
		return nil
	}
	r.enter(StateStaging)
	entries := make([]models.ManifestEntry, 0, len(pending))
	for _, b := range pending {
		if r.c.dest.ObjectStore != nil {
			if err := r.upload(ctx, b); err != nil {
				return err
			}
		}
		if err := r.advance(b); err != nil {
			return err
		}
		entries = append(entries, r.committedEntry(b))
	}
	if err := r.commit(ctx, entries, false); err != nil {
		return err
	}
	for _, b := range pending {
		r.cleanup(b)
	}
	r.logger.Info("pending snapshots archived", zap.Int("files", len(pending)))
	return nil
}

// stage uploads the batch file when object storage is configured and makes
// it loadable by the warehouse.
func (r *run) stage(ctx context.Context, b models.ExtractionBatch) (warehouse.Staged, error) {
	var key string
	if r.c.dest.ObjectStore != nil {
		key = objectstore.Key(r.c.dest.Prefix, r.tc.ID, b.File)
		if err := r.upload(ctx, b); err != nil {
			return warehouse.Staged{}, err
		}
	}

	wh := r.c.dest.Warehouse
	if wh == nil {
		return warehouse.Staged{Batch: b, Location: r.c.dest.ObjectStore.URL(key)}, nil
	}
	var staged warehouse.Staged
	err := r.policy().Do(ctx, func(ctx context.Context) error {
		var err error
		staged, err = wh.Stage(ctx, b, key)
		return err
	})
	if err != nil {
		return warehouse.Staged{}, errors.Propagate(err, "stage "+b.File.Name)
	}
	return staged, nil
}

func (r *run) upload(ctx context.Context, b models.ExtractionBatch) error {
	key := objectstore.Key(r.c.dest.Prefix, r.tc.ID, b.File)
	err := r.policy().Do(ctx, func(ctx context.Context) error {
		return r.c.dest.ObjectStore.Upload(ctx, b.File, key)
	})
	if err != nil {
		return errors.Propagate(err, "upload "+b.File.Name)
	}
	r.logger.Debug("file uploaded", zap.String("key", key), zap.Int64("sequence", b.Sequence))
	return nil
}

// target is the warehouse table name in the warehouse's case.
func (r *run) target() string {
	return r.c.dest.Warehouse.Convention().Fold(r.tc.Target())
}

// catalog returns the target's columns, nil when the table does not exist.
func (r *run) catalog(ctx context.Context) ([]models.ColumnDescriptor, error) {
	if v, ok := r.c.catalogs.Get(r.tc.ID); ok {
		return v.Columns, nil
	}
	var cols []models.ColumnDescriptor
	err := r.policy().Do(ctx, func(ctx context.Context) error {
		var err error
		cols, err = r.c.dest.Warehouse.Describe(ctx, r.target())
		return err
	})
	if err != nil {
		return nil, err
	}
	if cols != nil {
		r.c.catalogs.Observe(r.tc.ID, cols)
	}
	return cols, nil
}

// ensureSchema reconciles the target with a batch schema. Nothing is
// loaded until the warehouse has accepted every change.
func (r *run) ensureSchema(ctx context.Context, cols []models.ColumnDescriptor) error {
	wh := r.c.dest.Warehouse
	conv := wh.Convention()
	folded := models.FoldColumns(cols, conv)

	catalog, err := r.catalog(ctx)
	if err != nil {
		return err
	}
	diff, err := r.c.resolver.Resolve(folded, catalog, conv)
	if err != nil {
		return err
	}
	if catalog != nil && diff.Empty() {
		return nil
	}

	target := r.target()
	err = r.policy().Do(ctx, func(ctx context.Context) error {
		return wh.EnsureColumns(ctx, target, folded, diff)
	})
	if err != nil {
		r.c.catalogs.Invalidate(r.tc.ID)
		return err
	}
	r.c.catalogs.ApplyDiff(r.tc.ID, diff, conv)

	if catalog == nil {
		r.logger.Info("target table created", zap.String("table", target), zap.Int("columns", len(folded)))
		return nil
	}
	metrics.SchemaChanges.WithLabelValues(r.tc.ID, "added").Add(float64(len(diff.Added)))
	metrics.SchemaChanges.WithLabelValues(r.tc.ID, "widened").Add(float64(len(diff.Widened)))
	r.logger.Info("target schema evolved",
		zap.String("table", target),
		zap.Strings("added", models.ColumnNames(diff.Added)),
		zap.Int("widened", len(diff.Widened)))
	return nil
}

func (r *run) mergedSchema(batches []models.ExtractionBatch) ([]models.ColumnDescriptor, error) {
	conv := r.c.dest.Warehouse.Convention()
	merged := batches[0].Schema
	for _, b := range batches[1:] {
		var err error
		if merged, err = schema.Merge(merged, b.Schema, conv); err != nil {
			return nil, err
		}
	}
	return merged, nil
}

// advance folds a committed batch into the working state.
func (r *run) advance(b models.ExtractionBatch) error {
	wm, err := models.MaxWatermark(r.state.WatermarkValue, b.MaxWatermark)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateCorruption, "watermark kind changed")
	}
	r.state.WatermarkValue = wm
	if b.Sequence > r.state.LastSequence {
		r.state.LastSequence = b.Sequence
	}
	for i, p := range r.state.PendingFiles {
		if p.Sequence == b.Sequence && p.File.ContentKey == b.File.ContentKey {
			if r.c.dest.Configured() {
				r.state.PendingFiles = append(r.state.PendingFiles[:i:i], r.state.PendingFiles[i+1:]...)
			}
			break
		}
	}
	return nil
}

func (r *run) committedEntry(b models.ExtractionBatch) models.ManifestEntry {
	e := b.ManifestEntry()
	now := r.c.now().UTC()
	e.Committed = true
	e.CommittedAt = &now
	return e
}

// commit persists the working state with entries in one transaction.
func (r *run) commit(ctx context.Context, entries []models.ManifestEntry, final bool) error {
	if err := r.lease.Err(); err != nil {
		return err
	}
	if final {
		now := r.c.now().UTC()
		r.state.LastSuccessAt = &now
	}
	return r.c.store.CommitBatch(ctx, state.Commit{State: r.state.Clone(), Entries: entries})
}

// cleanup removes a committed batch file when configured to.
func (r *run) cleanup(b models.ExtractionBatch) {
	if !r.c.opts.DeleteAfterUpload {
		return
	}
	sink, err := r.c.sinks(b.File.Format)
	if err == nil {
		err = sink.Remove(b.File)
	}
	if err != nil {
		r.logger.Warn("failed to remove local file", zap.String("path", b.File.Path), zap.Error(err))
	}
}
