package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ak3tsm7/training-job-queue/internal/launcher"
	"github.com/ak3tsm7/training-job-queue/internal/models"
	"github.com/ak3tsm7/training-job-queue/internal/objstore"
	"github.com/ak3tsm7/training-job-queue/internal/queue"
)

var t0 = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

type clockEvent struct {
	at time.Time
	fn func()
}

// fakeClock only moves when the orchestrator sleeps. Events scheduled with
// at fire once the clock has passed them.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	events []clockEvent
	sleeps []time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	var due []func()
	rest := c.events[:0]
	for _, e := range c.events {
		if !e.at.After(c.now) {
			due = append(due, e.fn)
			continue
		}
		rest = append(rest, e)
	}
	c.events = rest
	c.mu.Unlock()

	for _, fn := range due {
		fn()
	}
	return ctx.Err()
}

// at schedules fn at t0+offset.
func (c *fakeClock) at(offset time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, clockEvent{at: t0.Add(offset), fn: fn})
	sort.SliceStable(c.events, func(a, b int) bool { return c.events[a].at.Before(c.events[b].at) })
}

type fakeExec struct {
	req        launcher.Request
	launchedAt time.Time
}

type fakeLauncher struct {
	mu         sync.Mutex
	clock      *fakeClock
	execs      map[launcher.Handle]*fakeExec
	calls      []launcher.Request
	created    []launcher.Handle
	stopped    []launcher.Handle
	polls      int
	statusErrs int

	launchErr func(launcher.Request) error
	onLaunch  func(launcher.Request)
	phase     func(req launcher.Request, elapsed time.Duration) launcher.Status
}

var _ launcher.Stopper = (*fakeLauncher)(nil)

func newFakeLauncher(clock *fakeClock) *fakeLauncher {
	return &fakeLauncher{clock: clock, execs: make(map[launcher.Handle]*fakeExec)}
}

func (f *fakeLauncher) Launch(_ context.Context, req launcher.Request) (launcher.Handle, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	if f.launchErr != nil {
		if err := f.launchErr(req); err != nil {
			f.mu.Unlock()
			return "", err
		}
	}
	h := launcher.Handle("fake/" + launcher.ExecutionName(req.JobID, req.Attempt))
	if _, ok := f.execs[h]; ok {
		f.mu.Unlock()
		return h, nil
	}
	f.execs[h] = &fakeExec{req: req, launchedAt: f.clock.Now()}
	f.created = append(f.created, h)
	hook := f.onLaunch
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	return h, nil
}

func (f *fakeLauncher) Status(_ context.Context, h launcher.Handle) (launcher.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.statusErrs > 0 {
		f.statusErrs--
		return launcher.Status{Phase: launcher.PhaseUnknown}, errors.New("describe: deadline exceeded")
	}
	exec, ok := f.execs[h]
	if !ok {
		return launcher.Status{Phase: launcher.PhaseFailed, Message: "execution not found"}, nil
	}
	if f.phase == nil {
		return launcher.Status{Phase: launcher.PhaseRunning}, nil
	}
	return f.phase(exec.req, f.clock.Now().Sub(exec.launchedAt)), nil
}

func (f *fakeLauncher) Stop(_ context.Context, h launcher.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, h)
	return nil
}

func (f *fakeLauncher) launchedJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.created))
	for _, h := range f.created {
		out = append(out, f.execs[h].req.JobID)
	}
	return out
}

// checkedRepo asserts on every write that at most one record is running and
// that a running record always carries its execution handle. It can also
// simulate the process dying right when a launch is about to be recorded.
type checkedRepo struct {
	*queue.Repository
	t               *testing.T
	crashOnLaunch   bool
	failLoads       error
	runningObserved int
}

func (r *checkedRepo) Load(ctx context.Context) (*models.QueueDocument, error) {
	if r.failLoads != nil {
		return nil, r.failLoads
	}
	return r.Repository.Load(ctx)
}

func (r *checkedRepo) Save(ctx context.Context, doc *models.QueueDocument) error {
	running := 0
	for _, j := range doc.Jobs {
		if j.Status == models.StatusRunning {
			running++
			assert.NotEmpty(r.t, j.ExecutionRef, "running job %s without execution handle", j.JobID)
		}
	}
	assert.LessOrEqual(r.t, running, 1, "more than one running job")
	if running > 0 {
		r.runningObserved++
		if r.crashOnLaunch {
			r.crashOnLaunch = false
			return errors.New("orchestrator killed")
		}
	}
	return r.Repository.Save(ctx, doc)
}

type testEnv struct {
	store    *objstore.Memory
	repo     *checkedRepo
	launcher *fakeLauncher
	clock    *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := objstore.NewMemory()
	clock := newFakeClock()
	return &testEnv{
		store: store,
		repo: &checkedRepo{
			Repository: queue.NewRepository(store, "mmm", queue.WithRetry(1, time.Millisecond)),
			t:          t,
		},
		launcher: newFakeLauncher(clock),
		clock:    clock,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retention = 10
	return cfg
}

func (e *testEnv) orchestrator(cfg Config, opts ...Option) *Orchestrator {
	opts = append([]Option{WithClock(e.clock)}, opts...)
	return New(cfg, e.repo, e.launcher, opts...)
}

// submit does what the producer does: write the config blob, then append a
// pending record pointing at it.
func (e *testEnv) submit(t *testing.T, id, country string, submittedAt time.Time) *models.JobRecord {
	t.Helper()
	ctx := context.Background()
	ts := submittedAt.Format("20060102T150405Z") + "-" + id
	ref := models.ConfigPath("default", country, ts)
	require.NoError(t, e.repo.SaveConfig(ctx, ref, &models.JobConfig{
		JobID:     id,
		Country:   country,
		Revision:  "default",
		Timestamp: ts,
		Goal:      "revenue",
		Workers:   8,
	}))

	doc, err := e.repo.Repository.Load(ctx)
	require.NoError(t, err)
	rec := &models.JobRecord{
		JobID:       id,
		Status:      models.StatusPending,
		SubmittedAt: submittedAt,
		Country:     country,
		Revision:    "default",
		Timestamp:   ts,
		ConfigRef:   ref,
	}
	doc.Jobs = append(doc.Jobs, rec)
	require.NoError(t, e.repo.Repository.Save(ctx, doc))
	return rec
}

func (e *testEnv) doc(t *testing.T) *models.QueueDocument {
	t.Helper()
	doc, err := e.repo.Repository.Load(context.Background())
	require.NoError(t, err)
	return doc
}

// writeMarkerOnLaunch makes every launched run produce its completion
// marker, as the runner would, at the result path found in its config.
func (e *testEnv) writeMarkerOnLaunch(t *testing.T) {
	e.launcher.onLaunch = func(req launcher.Request) {
		ctx := context.Background()
		cfg, err := e.repo.LoadConfig(ctx, req.ConfigRef)
		require.NoError(t, err)
		require.NoError(t, e.store.Put(ctx, models.MarkerPath(cfg.ResultPath), []byte(`{}`)))
	}
}

func succeedAfter(d time.Duration) func(launcher.Request, time.Duration) launcher.Status {
	return func(_ launcher.Request, elapsed time.Duration) launcher.Status {
		if elapsed >= d {
			return launcher.Status{Phase: launcher.PhaseSucceeded}
		}
		return launcher.Status{Phase: launcher.PhaseRunning}
	}
}
