// Package scheduler runs the enabled tables of every replication config on
// a bounded worker pool, once or on a cron schedule.
package scheduler

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/tablemirror/internal/coordinator"
	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
)

// DefaultMaxWorkers is used when Options.MaxWorkers is not set.
const DefaultMaxWorkers = 10

// Runner replicates one table. *coordinator.Coordinator implements it.
type Runner interface {
	Run(ctx context.Context, tc config.TableConfig) coordinator.RunResult
}

// Tables is the table catalogue the scheduler walks every cycle.
// *config.Provider implements it.
type Tables interface {
	Replications() []*config.Replication
	Enabled(tableID string) bool
	Refresh() error
}

// Options tune a scheduler.
type Options struct {
	MaxWorkers int
	// RunTimeout bounds a single table run; zero means no limit
	RunTimeout time.Duration
}

type job struct {
	tc     config.TableConfig
	path   string
	runner Runner
}

type disabledTable struct {
	path    string
	modTime time.Time
	cause   error
}

// Scheduler fans table runs out to a worker pool. A table never runs twice
// at the same time in one process; concurrent requests for a table join the
// run already in flight.
type Scheduler struct {
	tables  Tables
	runners map[string]Runner
	opts    Options
	logger  *zap.Logger

	flight singleflight.Group

	mu       sync.Mutex
	disabled map[string]disabledTable

	// modTime reports when a config file last changed
	modTime func(path string) (time.Time, error)
}

// New creates a scheduler. runners is keyed by replication name.
func New(tables Tables, runners map[string]Runner, opts Options, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = DefaultMaxWorkers
	}
	return &Scheduler{
		tables:   tables,
		runners:  runners,
		opts:     opts,
		logger:   logger.With(zap.String("component", "scheduler")),
		disabled: make(map[string]disabledTable),
		modTime:  fileModTime,
	}
}

func fileModTime(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}

// RunOnce runs every due table once and waits for all of them. Results are
// ordered by table id. A failing table never stops the others.
func (s *Scheduler) RunOnce(ctx context.Context) []coordinator.RunResult {
	if err := s.tables.Refresh(); err != nil {
		s.logger.Warn("failed to refresh enabled flags, keeping previous values", zap.Error(err))
	}

	jobs := s.due()
	if len(jobs) == 0 {
		s.logger.Info("no tables due")
		return nil
	}
	s.logger.Info("cycle started", zap.Int("tables", len(jobs)), zap.Int("max_workers", s.opts.MaxWorkers))

	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make([]coordinator.RunResult, 0, len(jobs))
	)
	g.SetLimit(s.opts.MaxWorkers)
	for _, j := range jobs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := s.runTable(ctx, j)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, k int) bool { return results[i].TableID < results[k].TableID })

	var failed int
	for _, r := range results {
		if r.State == coordinator.StateFailed {
			failed++
		}
	}
	s.logger.Info("cycle finished", zap.Int("runs", len(results)), zap.Int("failed", failed))
	return results
}

// RunTable runs one table by id, joining the run in flight if there is one.
func (s *Scheduler) RunTable(ctx context.Context, tableID string) (coordinator.RunResult, error) {
	for _, r := range s.tables.Replications() {
		for _, tc := range r.Tables {
			if tc.ID != tableID {
				continue
			}
			runner, ok := s.runners[r.Name]
			if !ok {
				return coordinator.RunResult{}, errors.Newf(errors.ErrorTypeConfig,
					"replication %s has no runner", r.Name)
			}
			return s.runTable(ctx, job{tc: tc, path: r.Path, runner: runner}), nil
		}
	}
	return coordinator.RunResult{}, errors.Newf(errors.ErrorTypeNotFound, "table %s is not configured", tableID)
}

func (s *Scheduler) runTable(ctx context.Context, j job) coordinator.RunResult {
	v, _, shared := s.flight.Do(j.tc.ID, func() (interface{}, error) {
		runCtx := ctx
		if s.opts.RunTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
			defer cancel()
		}
		return j.runner.Run(runCtx, j.tc), nil
	})
	res := v.(coordinator.RunResult)
	if shared {
		s.logger.Debug("joined run in flight", zap.String("table_id", j.tc.ID), zap.String("run_id", res.RunID))
	}
	if res.Err != nil && errors.DisablesPipeline(res.Err) {
		s.disable(j, res.Err)
	}
	return res
}

// due lists the enabled tables that are not disabled by an earlier error.
func (s *Scheduler) due() []job {
	var jobs []job
	for _, r := range s.tables.Replications() {
		runner, ok := s.runners[r.Name]
		if !ok {
			s.logger.Warn("replication has no runner, skipping", zap.String("replication", r.Name))
			continue
		}
		for _, tc := range r.Tables {
			if !s.tables.Enabled(tc.ID) || s.isDisabled(tc.ID) {
				continue
			}
			jobs = append(jobs, job{tc: tc, path: r.Path, runner: runner})
		}
	}
	return jobs
}

func (s *Scheduler) disable(j job, cause error) {
	mod, err := s.modTime(j.path)
	if err != nil {
		s.logger.Warn("cannot stat config file", zap.String("path", j.path), zap.Error(err))
	}
	s.mu.Lock()
	s.disabled[j.tc.ID] = disabledTable{path: j.path, modTime: mod, cause: cause}
	s.mu.Unlock()
	s.logger.Error("table disabled until its config file changes",
		zap.String("table_id", j.tc.ID),
		zap.String("config", j.path),
		zap.String("error_type", string(errors.TypeOf(cause))),
		zap.Error(cause))
}

// isDisabled reports whether a table is disabled, re-enabling it when its
// config file changed since it was disabled.
func (s *Scheduler) isDisabled(tableID string) bool {
	s.mu.Lock()
	d, ok := s.disabled[tableID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	mod, err := s.modTime(d.path)
	if err != nil || mod.Equal(d.modTime) {
		return true
	}
	s.mu.Lock()
	delete(s.disabled, tableID)
	s.mu.Unlock()
	s.logger.Info("config file changed, table re-enabled", zap.String("table_id", tableID))
	return false
}

// Disabled returns the tables disabled by configuration or state errors
// with the error that disabled them.
func (s *Scheduler) Disabled() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]error, len(s.disabled))
	for id, d := range s.disabled {
		out[id] = d.cause
	}
	return out
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron expression. Standard five-field
// expressions, an optional leading seconds field and descriptors such as
// "@hourly" or "@every 15m" are accepted.
func ParseSchedule(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid schedule "+spec)
	}
	return sched, nil
}

// Start runs a cycle on every tick of spec until ctx is cancelled. A tick
// that fires while the previous cycle is still running is skipped. Start
// returns once the last cycle has finished.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return err
	}

	log := cronLogger{s.logger.Sugar()}
	c := cron.New(cron.WithParser(parser), cron.WithLogger(log), cron.WithChain(cron.SkipIfStillRunning(log)))
	c.Schedule(sched, cron.FuncJob(func() { s.RunOnce(ctx) }))

	c.Start()
	s.logger.Info("scheduler started", zap.String("schedule", spec), zap.Time("next", sched.Next(time.Now())))

	<-ctx.Done()
	s.logger.Info("scheduler stopping, waiting for running cycle")
	<-c.Stop().Done()
	return nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
