package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tablemirror/internal/coordinator"
	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/testutil"
)

type fakeTables struct {
	reps       []*config.Replication
	mu         sync.Mutex
	enabled    map[string]bool
	refreshErr error
	refreshes  int
}

func (f *fakeTables) Replications() []*config.Replication { return f.reps }

func (f *fakeTables) Enabled(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	on, ok := f.enabled[id]
	return !ok || on
}

func (f *fakeTables) Refresh() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeTables) set(id string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[id] = on
}

func replication(name string, tables ...string) *config.Replication {
	r := &config.Replication{Name: name, Path: name + ".yaml", Enabled: true}
	for _, t := range tables {
		r.Tables = append(r.Tables, config.TableConfig{ID: t, Name: t, Replicate: true})
	}
	return r
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   map[string]int
	errs    map[string]error
	delay   time.Duration
	release chan struct{}
	started chan string

	active    int32
	maxActive int32
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(map[string]int), errs: make(map[string]error)}
}

func (r *fakeRunner) Run(ctx context.Context, tc config.TableConfig) coordinator.RunResult {
	n := atomic.AddInt32(&r.active, 1)
	defer atomic.AddInt32(&r.active, -1)
	for {
		m := atomic.LoadInt32(&r.maxActive)
		if n <= m || atomic.CompareAndSwapInt32(&r.maxActive, m, n) {
			break
		}
	}

	r.mu.Lock()
	r.calls[tc.ID]++
	err := r.errs[tc.ID]
	r.mu.Unlock()

	if r.started != nil {
		r.started <- tc.ID
	}
	if r.release != nil {
		<-r.release
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	res := coordinator.RunResult{TableID: tc.ID, RunID: "run-" + tc.ID, State: coordinator.StateCommitted}
	if err != nil {
		res.State = coordinator.StateFailed
		res.Err = err
	}
	return res
}

func (r *fakeRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func newScheduler(t *testing.T, tables *fakeTables, runner Runner, opts Options) *Scheduler {
	runners := make(map[string]Runner)
	for _, r := range tables.reps {
		runners[r.Name] = runner
	}
	return New(tables, runners, opts, testutil.TestLogger(t))
}

func TestRunOnceRunsEnabledTables(t *testing.T) {
	tables := &fakeTables{
		reps:    []*config.Replication{replication("shop", "shop.public.orders", "shop.public.users"), replication("crm", "crm.crm.leads")},
		enabled: map[string]bool{"shop.public.users": false},
	}
	runner := newFakeRunner()
	s := newScheduler(t, tables, runner, Options{})

	results := s.RunOnce(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, "crm.crm.leads", results[0].TableID)
	assert.Equal(t, "shop.public.orders", results[1].TableID)
	assert.Equal(t, 0, runner.count("shop.public.users"))
	assert.Equal(t, 1, tables.refreshes)
}

func TestEnabledFlagsAreReadEveryCycle(t *testing.T) {
	tables := &fakeTables{reps: []*config.Replication{replication("shop", "shop.public.orders")}, enabled: map[string]bool{}}
	runner := newFakeRunner()
	s := newScheduler(t, tables, runner, Options{})

	s.RunOnce(context.Background())
	tables.set("shop.public.orders", false)
	s.RunOnce(context.Background())
	tables.set("shop.public.orders", true)
	s.RunOnce(context.Background())

	assert.Equal(t, 2, runner.count("shop.public.orders"))
	assert.Equal(t, 3, tables.refreshes)
}

func TestRefreshFailureKeepsRunning(t *testing.T) {
	tables := &fakeTables{
		reps:       []*config.Replication{replication("shop", "shop.public.orders")},
		enabled:    map[string]bool{},
		refreshErr: errors.New(errors.ErrorTypeConfig, "refresh: bad yaml"),
	}
	runner := newFakeRunner()
	results := newScheduler(t, tables, runner, Options{}).RunOnce(context.Background())
	assert.Len(t, results, 1)
}

func TestWorkerPoolIsBounded(t *testing.T) {
	ids := []string{"db.s.a", "db.s.b", "db.s.c", "db.s.d", "db.s.e", "db.s.f"}
	tables := &fakeTables{reps: []*config.Replication{replication("db", ids...)}, enabled: map[string]bool{}}
	runner := newFakeRunner()
	runner.delay = 20 * time.Millisecond

	results := newScheduler(t, tables, runner, Options{MaxWorkers: 2}).RunOnce(context.Background())
	assert.Len(t, results, len(ids))
	assert.LessOrEqual(t, atomic.LoadInt32(&runner.maxActive), int32(2))
}

func TestConcurrentRequestsForATableShareOneRun(t *testing.T) {
	tables := &fakeTables{reps: []*config.Replication{replication("shop", "shop.public.orders")}, enabled: map[string]bool{}}
	runner := newFakeRunner()
	runner.started = make(chan string, 1)
	runner.release = make(chan struct{})
	s := newScheduler(t, tables, runner, Options{})

	var wg sync.WaitGroup
	results := make([]coordinator.RunResult, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = s.RunTable(context.Background(), "shop.public.orders")
	}()
	<-runner.started

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = s.RunTable(context.Background(), "shop.public.orders")
	}()
	time.Sleep(50 * time.Millisecond)
	close(runner.release)
	wg.Wait()

	assert.Equal(t, 1, runner.count("shop.public.orders"))
	assert.Equal(t, results[0].RunID, results[1].RunID)
}

func TestRunTableUnknownTable(t *testing.T) {
	tables := &fakeTables{reps: []*config.Replication{replication("shop", "shop.public.orders")}, enabled: map[string]bool{}}
	_, err := newScheduler(t, tables, newFakeRunner(), Options{}).RunTable(context.Background(), "shop.public.nope")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestConfigErrorDisablesTableUntilFileChanges(t *testing.T) {
	tables := &fakeTables{reps: []*config.Replication{replication("shop", "shop.public.orders", "shop.public.users")}, enabled: map[string]bool{}}
	runner := newFakeRunner()
	runner.errs["shop.public.orders"] = errors.New(errors.ErrorTypeConfig, "incremental column missing")
	s := newScheduler(t, tables, runner, Options{})

	mod := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.modTime = func(string) (time.Time, error) { return mod, nil }

	s.RunOnce(context.Background())
	s.RunOnce(context.Background())
	assert.Equal(t, 1, runner.count("shop.public.orders"))
	assert.Equal(t, 2, runner.count("shop.public.users"))
	assert.Contains(t, s.Disabled(), "shop.public.orders")

	mod = mod.Add(time.Minute)
	delete(runner.errs, "shop.public.orders")
	s.RunOnce(context.Background())
	assert.Equal(t, 2, runner.count("shop.public.orders"))
	assert.Empty(t, s.Disabled())
}

func TestTransientFailuresDoNotDisable(t *testing.T) {
	tables := &fakeTables{reps: []*config.Replication{replication("shop", "shop.public.orders")}, enabled: map[string]bool{}}
	runner := newFakeRunner()
	runner.errs["shop.public.orders"] = errors.New(errors.ErrorTypeConnection, "connection refused")
	s := newScheduler(t, tables, runner, Options{})

	s.RunOnce(context.Background())
	s.RunOnce(context.Background())
	assert.Equal(t, 2, runner.count("shop.public.orders"))
	assert.Empty(t, s.Disabled())
}

func TestReplicationWithoutRunnerIsSkipped(t *testing.T) {
	tables := &fakeTables{reps: []*config.Replication{replication("shop", "shop.public.orders"), replication("crm", "crm.crm.leads")}, enabled: map[string]bool{}}
	runner := newFakeRunner()
	s := New(tables, map[string]Runner{"shop": runner}, Options{}, testutil.TestLogger(t))

	results := s.RunOnce(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, "shop.public.orders", results[0].TableID)
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		spec  string
		valid bool
	}{
		{"*/5 * * * *", true},
		{"0 */5 * * * *", true},
		{"@hourly", true},
		{"@every 15m", true},
		{"every five minutes", false},
		{"61 * * * *", false},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			_, err := ParseSchedule(tt.spec)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
			}
		})
	}
}

func TestStartRunsCyclesUntilCancelled(t *testing.T) {
	tables := &fakeTables{reps: []*config.Replication{replication("shop", "shop.public.orders")}, enabled: map[string]bool{}}
	runner := newFakeRunner()
	s := newScheduler(t, tables, runner, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, "@every 1s") }()

	testutil.AssertEventually(t, func() bool { return runner.count("shop.public.orders") >= 1 }, 5*time.Second, "no cycle ran")
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	tables := &fakeTables{enabled: map[string]bool{}}
	err := newScheduler(t, tables, newFakeRunner(), Options{}).Start(context.Background(), "nonsense")
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
