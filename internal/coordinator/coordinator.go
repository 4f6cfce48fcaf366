// Package coordinator drives one table through a replication run.
//
// A run moves through IDLE → EXTRACTING → STAGING → SCHEMA_CHECK → LOADING →
// COMMITTED, or to FAILED from any stage, and then back to IDLE. Incremental
// batches are committed one at a time: the warehouse records the batch in
// its manifest table in the same transaction as the rows, and local state
// follows in one SQLite transaction. Full loads stage every file, replace
// the target atomically and then commit local state once. Nothing durable
// changes for a batch that did not commit.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/internal/planner"
	"github.com/ajitpratap0/tablemirror/internal/state"
	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/logger"
	"github.com/ajitpratap0/tablemirror/pkg/metrics"
	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/objectstore"
	"github.com/ajitpratap0/tablemirror/pkg/observability"
	"github.com/ajitpratap0/tablemirror/pkg/retry"
	"github.com/ajitpratap0/tablemirror/pkg/schema"
	"github.com/ajitpratap0/tablemirror/pkg/source"
	"github.com/ajitpratap0/tablemirror/pkg/warehouse"
)

// State is the pipeline state of a table.
type State string

const (
	StateIdle        State = "IDLE"
	StateExtracting  State = "EXTRACTING"
	StateStaging     State = "STAGING"
	StateSchemaCheck State = "SCHEMA_CHECK"
	StateLoading     State = "LOADING"
	StateCommitted   State = "COMMITTED"
	StateFailed      State = "FAILED"
)

// DefaultLeaseTTL bounds how long a crashed process keeps a table locked.
const DefaultLeaseTTL = 2 * time.Hour

// StateStore is the durable state the coordinator needs.
type StateStore interface {
	LoadOrInit(ctx context.Context, tableID string, mode models.IngestionMode, column string) (*models.TableState, error)
	CommitBatch(ctx context.Context, c state.Commit) error
	AcquireLock(ctx context.Context, tableID, owner string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, tableID, owner string) error
}

// Destination is where committed files go. Both fields may be nil, in
// which case extracted files are kept locally as pending files.
type Destination struct {
	ObjectStore objectstore.Gateway
	// Prefix is prepended to every object key
	Prefix    string
	Warehouse warehouse.Client
}

// Configured reports whether files leave the local disk.
func (d Destination) Configured() bool {
	return d.ObjectStore != nil || d.Warehouse != nil
}

func (d Destination) label() string {
	switch {
	case d.Warehouse != nil:
		return "warehouse"
	case d.ObjectStore != nil:
		return "object_store"
	}
	return "local"
}

// Options tune a coordinator.
type Options struct {
	// Retry is applied to every blocking call. Defaults to retry.DefaultPolicy.
	Retry    *retry.Policy
	LeaseTTL time.Duration
	// DeleteAfterUpload removes local files once their batch commits
	DeleteAfterUpload bool
	// UploadRemainingFiles replays pending files once a destination exists
	UploadRemainingFiles bool
	// OnFailure receives a FailureEvent for every failed run
	OnFailure func(FailureEvent)
}

// RunResult summarises one run.
type RunResult struct {
	TableID string
	RunID   string
	// State is COMMITTED or FAILED, or IDLE when the run never started
	State State
	// Stage is the last stage entered
	Stage     State
	Rows      int
	Files     int
	Watermark *models.Watermark
	Duration  time.Duration
	Err       error
}

// FailureEvent reports a failed run.
type FailureEvent struct {
	TableID string
	RunID   string
	Stage   State
	Cause   error
	At      time.Time
}

// Coordinator runs the tables of one replication config.
type Coordinator struct {
	store    StateStore
	planner  *planner.Planner
	sinks    planner.SinkFactory
	dest     Destination
	catalogs *schema.Registry
	resolver *schema.Resolver
	opts     Options
	logger   *zap.Logger

	now      func() time.Time
	newRunID func() string

	mu     sync.Mutex
	states map[string]State
}

// New creates a coordinator reading from reader and delivering to dest.
func New(store StateStore, reader source.Reader, sinks planner.SinkFactory, dest Destination, opts Options, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Retry == nil {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	return &Coordinator{
		store:    store,
		planner:  planner.New(reader, sinks, log),
		sinks:    sinks,
		dest:     dest,
		catalogs: schema.NewRegistry(log),
		resolver: schema.NewResolver(log),
		opts:     opts,
		logger:   log.With(zap.String("component", "coordinator")),
		now:      time.Now,
		newRunID: uuid.NewString,
		states:   make(map[string]State),
	}
}

// State returns the current pipeline state of a table.
func (c *Coordinator) State(tableID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[tableID]; ok {
		return s
	}
	return StateIdle
}

func (c *Coordinator) setState(tableID string, s State) {
	c.mu.Lock()
	c.states[tableID] = s
	c.mu.Unlock()
}

// Run executes one replication run of a table. It never panics on
// pipeline errors; the outcome is reported in the result.
func (c *Coordinator) Run(ctx context.Context, tc config.TableConfig) RunResult {
	runID := c.newRunID()
	started := c.now()
	res := RunResult{TableID: tc.ID, RunID: runID, State: StateIdle, Stage: StateIdle}

	ctx = logger.ContextWithTable(ctx, tc.ID, runID)
	log := logger.FromContext(ctx, c.logger)

	if err := c.store.AcquireLock(ctx, tc.ID, runID, c.opts.LeaseTTL); err != nil {
		res.Err = err
		if errors.IsType(err, errors.ErrorTypeLocked) {
			log.Info("table is locked by another run, skipping", zap.Error(err))
			metrics.RunsTotal.WithLabelValues(tc.ID, "skipped").Inc()
			return res
		}
		c.fail(&res, err, log)
		return res
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.store.ReleaseLock(releaseCtx, tc.ID, runID); err != nil {
			log.Warn("failed to release table lease", zap.Error(err))
		}
	}()

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	l := c.keepLease(ctx, cancel, tc.ID, runID, log)

	ctx, span := observability.StartRun(ctx, tc.ID, runID)
	r := &run{c: c, tc: tc, id: runID, ctx: ctx, result: &res, logger: log, lease: l}
	err := r.execute(ctx)
	l.stop()
	if lost := l.Err(); lost != nil {
		err = lost
	}
	r.finishStage(err)
	span.End(err)

	res.Duration = c.now().Sub(started)
	if r.state != nil {
		res.Watermark = r.state.WatermarkValue
		metrics.PendingFiles.WithLabelValues(tc.ID).Set(float64(len(r.state.PendingFiles)))
	}
	if err != nil {
		c.fail(&res, err, log)
	} else {
		res.State = StateCommitted
		c.setState(tc.ID, StateCommitted)
		metrics.RunsTotal.WithLabelValues(tc.ID, "committed").Inc()
		log.Info("run committed",
			zap.Int("rows", res.Rows),
			zap.Int("files", res.Files),
			zap.Stringer("watermark", watermarkStringer{res.Watermark}),
			zap.Duration("duration", res.Duration))
	}
	c.setState(tc.ID, StateIdle)
	return res
}

func (c *Coordinator) fail(res *RunResult, err error, log *zap.Logger) {
	res.State = StateFailed
	res.Err = err
	c.setState(res.TableID, StateFailed)
	metrics.RunsTotal.WithLabelValues(res.TableID, "failed").Inc()
	log.Error("run failed",
		zap.String("stage", string(res.Stage)),
		zap.String("error_type", string(errors.TypeOf(err))),
		zap.Error(err))
	if c.opts.OnFailure != nil {
		c.opts.OnFailure(FailureEvent{
			TableID: res.TableID,
			RunID:   res.RunID,
			Stage:   res.Stage,
			Cause:   err,
			At:      c.now().UTC(),
		})
	}
}

// lease renews a run's table lease until the run ends. Losing it cancels
// the run; nothing is committed afterwards.
type lease struct {
	mu   sync.Mutex
	lost error
	done chan struct{}
	quit chan struct{}
}

func (c *Coordinator) keepLease(ctx context.Context, cancel context.CancelCauseFunc, tableID, owner string, log *zap.Logger) *lease {
	l := &lease{done: make(chan struct{}), quit: make(chan struct{})}
	interval := c.opts.LeaseTTL / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.quit:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := c.store.AcquireLock(ctx, tableID, owner, c.opts.LeaseTTL)
			if err == nil {
				continue
			}
			if !errors.IsType(err, errors.ErrorTypeLocked) {
				log.Warn("failed to renew table lease", zap.Error(err))
				continue
			}
			lost := errors.Wrap(err, errors.ErrorTypeLocked, "table lease lost during run")
			l.mu.Lock()
			l.lost = lost
			l.mu.Unlock()
			log.Error("table lease lost, aborting run", zap.Error(err))
			cancel(lost)
			return
		}
	}()
	return l
}

// Err returns the error that ended the lease, if it was lost.
func (l *lease) Err() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

func (l *lease) stop() {
	close(l.quit)
	<-l.done
}

type watermarkStringer struct{ w *models.Watermark }

func (s watermarkStringer) String() string {
	if s.w == nil {
		return "none"
	}
	return s.w.String()
}
