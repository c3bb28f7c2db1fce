package scheduler

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/islas/sane-workflows/pkg/environment"
	"github.com/islas/sane-workflows/pkg/errs"
	"github.com/islas/sane-workflows/pkg/resource"
	"github.com/islas/sane-workflows/pkg/state"
	"github.com/islas/sane-workflows/pkg/types"
)

// fakeHost is a minimal scheduler.Host used to exercise the run loop without
// a real resource.Pool or child process.
type fakeHost struct {
	mu sync.Mutex

	name string
	env  *environment.Environment

	// acquireQueue[id] is consumed front-to-back on successive
	// AcquireResources calls for that requestor; an empty or exhausted
	// queue always grants.
	acquireQueue map[string][]bool
	releases     map[string]int

	wrap func(a *types.Action) (string, []string, error)
}

func newFakeHost(name string) *fakeHost {
	return &fakeHost{
		name:         name,
		env:          environment.New("default", nil, zerolog.Nop()),
		acquireQueue: map[string][]bool{},
		releases:     map[string]int{},
	}
}

func (h *fakeHost) HostName() string            { return h.name }
func (h *fakeHost) Match(requested string) bool { return requested == h.name }

func (h *fakeHost) HasEnvironment(requested string) (*environment.Environment, bool) {
	return h.env, true
}

func (h *fakeHost) ResourcesAvailable(request map[string]string, requestor string) (bool, error) {
	return true, nil
}

func (h *fakeHost) AcquireResources(request map[string]string, requestor string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	queue := h.acquireQueue[requestor]
	if len(queue) == 0 {
		return true, nil
	}
	next := queue[0]
	h.acquireQueue[requestor] = queue[1:]
	return next, nil
}

func (h *fakeHost) ReleaseResources(request map[string]string, requestor string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.releases[requestor]++
}

func (h *fakeHost) PreLaunch(action *types.Action) error { return nil }

func (h *fakeHost) PostLaunch(action *types.Action, exitCode int, output string) error { return nil }

func (h *fakeHost) LaunchWrapper(action *types.Action, dependencies map[string]*types.Action) (string, []string, error) {
	if h.wrap != nil {
		return h.wrap(action)
	}
	return "", nil, nil
}

func (h *fakeHost) Artifact() state.HostArtifact {
	return state.HostArtifact{Name: h.name, Type: "host"}
}

// fakeLauncher reports a configurable exit code per action id (matched
// against the artifact path argument) instead of exec'ing a real process.
type fakeLauncher struct {
	mu      sync.Mutex
	failIDs map[string]bool
	calls   []string
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{failIDs: map[string]bool{}}
}

func (l *fakeLauncher) Launch(ctx context.Context, workingDir, command string, args []string, tee io.Writer) (int, string, error) {
	l.mu.Lock()
	l.calls = append(l.calls, command)
	l.mu.Unlock()

	joined := strings.Join(args, " ")
	if tee != nil {
		_, _ = io.WriteString(tee, "ran: "+joined+"\n")
	}
	for id, fail := range l.failIDs {
		if fail && strings.Contains(joined, "action_"+id+".json") {
			return 1, "failed", nil
		}
	}
	return 0, "ok", nil
}

func newTestConfig(t *testing.T, launcher Launcher) Config {
	t.Helper()
	return Config{
		LauncherPath:         "run-action",
		WorkingDirectory:     t.TempDir(),
		SaveLocation:         t.TempDir(),
		LogLocation:          t.TempDir(),
		Launcher:             launcher,
		Logger:               zerolog.Nop(),
		BackpressureInterval: 5 * time.Millisecond,
	}
}

// Scenario 1: a linear chain runs to completion in dependency order.
func TestLinearChainRunsToCompletion(t *testing.T) {
	launcher := newFakeLauncher()
	host := newFakeHost("login01")

	s := New(newTestConfig(t, launcher))
	s.AddHost(host)

	a := types.NewAction("a")
	b := types.NewAction("b")
	b.Dependencies["a"] = types.AfterOK
	c := types.NewAction("c")
	c.Dependencies["b"] = types.AfterOK

	require.NoError(t, s.AddAction(a))
	require.NoError(t, s.AddAction(b))
	require.NoError(t, s.AddAction(c))

	require.NoError(t, s.RunActions(context.Background(), []string{"c"}, "login01"))

	for _, id := range []string{"a", "b", "c"} {
		act, ok := s.Action(id)
		require.True(t, ok)
		state_, status := act.Snapshot()
		assert.Equal(t, types.StateFinished, state_, id)
		assert.Equal(t, types.StatusSuccess, status, id)
	}
}

// Scenario 2: a diamond where one branch fails is fatal by default, and
// resuming with clear_failures reruns only what's necessary.
func TestDiamondOneFailureIsFatalThenResumes(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.failIDs["b"] = true
	host := newFakeHost("login01")
	cfg := newTestConfig(t, launcher)
	s := New(cfg)
	s.AddHost(host)

	a := types.NewAction("a")
	b := types.NewAction("b")
	b.Dependencies["a"] = types.AfterOK
	c := types.NewAction("c")
	c.Dependencies["a"] = types.AfterOK
	d := types.NewAction("d")
	d.Dependencies["b"] = types.AfterOK
	d.Dependencies["c"] = types.AfterOK

	require.NoError(t, s.AddAction(a))
	require.NoError(t, s.AddAction(b))
	require.NoError(t, s.AddAction(c))
	require.NoError(t, s.AddAction(d))

	err := s.RunActions(context.Background(), []string{"d"}, "login01")
	require.Error(t, err)
	var unmet *errs.RequirementUnmetError
	assert.ErrorAs(t, err, &unmet)

	aState, aStatus := a.Snapshot()
	assert.Equal(t, types.StateFinished, aState)
	assert.Equal(t, types.StatusSuccess, aStatus)
	bState, bStatus := b.Snapshot()
	assert.Equal(t, types.StateFinished, bState)
	assert.Equal(t, types.StatusFailure, bStatus)
	cState, cStatus := c.Snapshot()
	assert.Equal(t, types.StateFinished, cState)
	assert.Equal(t, types.StatusSuccess, cStatus)
	dState, _ := d.Snapshot()
	assert.Equal(t, types.StatePending, dState)

	// Patch b's command to succeed and re-run against the same save
	// location: clear_failures is the default, so b resumes to pending,
	// a and c (already finished/success) are not relaunched, and d finally
	// runs.
	launcher.failIDs["b"] = false
	cfg2 := cfg
	s2 := New(cfg2)
	s2.AddHost(host)
	a2 := types.NewAction("a")
	b2 := types.NewAction("b")
	b2.Dependencies["a"] = types.AfterOK
	c2 := types.NewAction("c")
	c2.Dependencies["a"] = types.AfterOK
	d2 := types.NewAction("d")
	d2.Dependencies["b"] = types.AfterOK
	d2.Dependencies["c"] = types.AfterOK
	require.NoError(t, s2.AddAction(a2))
	require.NoError(t, s2.AddAction(b2))
	require.NoError(t, s2.AddAction(c2))
	require.NoError(t, s2.AddAction(d2))

	require.NoError(t, s2.RunActions(context.Background(), []string{"d"}, "login01"))

	for id, act := range map[string]*types.Action{"a": a2, "b": b2, "c": c2, "d": d2} {
		st, status := act.Snapshot()
		assert.Equal(t, types.StateFinished, st, id)
		assert.Equal(t, types.StatusSuccess, status, id)
	}
}

// Scenario 3: a cycle is reported with both offending nodes, never run.
func TestCycleDetectionAbortsBeforeRunning(t *testing.T) {
	launcher := newFakeLauncher()
	host := newFakeHost("login01")
	s := New(newTestConfig(t, launcher))
	s.AddHost(host)

	x := types.NewAction("x")
	x.Dependencies["y"] = types.AfterOK
	y := types.NewAction("y")
	y.Dependencies["x"] = types.AfterOK
	require.NoError(t, s.AddAction(x))
	require.NoError(t, s.AddAction(y))

	err := s.RunActions(context.Background(), []string{"x"}, "login01")
	require.Error(t, err)
	var cycleErr *errs.CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"x", "y"}, cycleErr.Residual)
	assert.Empty(t, launcher.calls)
}

// Scenario 4: resource contention. A host with cpus=4 and three independent
// actions each requesting cpus=3 can never hold two at once; since each
// action runs to completion and releases before the next is admitted, every
// action completes and the pool ends fully released.
func TestResourceContentionAllCompleteAndRelease(t *testing.T) {
	launcher := newFakeLauncher()
	host := newFakeHost("login01")

	pool := resource.NewPool(zerolog.Nop())
	require.NoError(t, pool.AddResources(map[string]string{"cpus": "4"}))
	realHost := &poolBackedHost{fakeHost: host, pool: pool}

	s := New(newTestConfig(t, launcher))
	s.AddHost(realHost)

	for _, id := range []string{"p", "q", "r"} {
		act := types.NewAction(id)
		act.Resources["cpus"] = "3"
		require.NoError(t, s.AddAction(act))
	}

	require.NoError(t, s.RunActions(context.Background(), []string{"p", "q", "r"}, "login01"))

	for _, id := range []string{"p", "q", "r"} {
		act, _ := s.Action(id)
		st, status := act.Snapshot()
		assert.Equal(t, types.StateFinished, st, id)
		assert.Equal(t, types.StatusSuccess, status, id)
	}

	totals := pool.Totals()
	acquirable, ok := pool.Acquirable("cpus")
	require.True(t, ok)
	assert.True(t, acquirable.Equal(totals["cpus"]), "every acquired cpu must be released by the end of the run")
}

// poolBackedHost wraps fakeHost's environment/launch plumbing but delegates
// resource accounting to a real resource.Pool, so backpressure is exercised
// through the same AcquireTransient path a production Host uses: a request
// that exceeds currently-available capacity returns (false, nil), not an
// error, and the run loop retries it on a later pass.
type poolBackedHost struct {
	*fakeHost
	pool *resource.Pool
}

func (h *poolBackedHost) AcquireResources(request map[string]string, requestor string) (bool, error) {
	return h.pool.Acquire(request, requestor)
}

func (h *poolBackedHost) ReleaseResources(request map[string]string, requestor string) {
	h.pool.Release(request, requestor)
}

func (h *poolBackedHost) ResourcesAvailable(request map[string]string, requestor string) (bool, error) {
	return h.pool.Available(request, requestor)
}

// Scenario 5: a wrapped (HPC) launch yields submitted, not success, and the
// host's post-run phase is invoked once the loop completes.
func TestHPCWrappedLaunchYieldsSubmittedAndWaits(t *testing.T) {
	launcher := newFakeLauncher()
	host := newFakeHost("cluster01")
	host.wrap = func(a *types.Action) (string, []string, error) {
		return "qsub", []string{"-l", "select=1:ncpus=8"}, nil
	}
	waiting := &waitingHost{fakeHost: host}

	s := New(newTestConfig(t, launcher))
	s.AddHost(waiting)

	job := types.NewAction("job")
	job.Resources["select"] = "select=1:ncpus=8"
	require.NoError(t, s.AddAction(job))

	require.NoError(t, s.RunActions(context.Background(), []string{"job"}, "cluster01"))

	st, status := job.Snapshot()
	assert.Equal(t, types.StateFinished, st)
	assert.Equal(t, types.StatusSubmitted, status)
	assert.True(t, waiting.waited)
	assert.Contains(t, launcher.calls, "qsub")
}

type waitingHost struct {
	*fakeHost
	waited bool
}

func (h *waitingHost) PostRunActions(dryRun bool) error {
	h.waited = true
	return nil
}

// Scenario 6: an interrupted run (one action left running) resumes from
// where it stopped: the running action resets to pending and is re-run; a
// previously-finished action is left alone.
func TestResumeAfterInterruptionResetsRunningToPending(t *testing.T) {
	launcher := newFakeLauncher()
	host := newFakeHost("login01")
	cfg := newTestConfig(t, launcher)

	s := New(cfg)
	s.AddHost(host)
	a := types.NewAction("a")
	b := types.NewAction("b")
	b.Dependencies["a"] = types.AfterOK
	require.NoError(t, s.AddAction(a))
	require.NoError(t, s.AddAction(b))

	store, err := state.NewStore(cfg.SaveLocation)
	require.NoError(t, err)
	require.NoError(t, store.SaveSummary(state.Summary{
		Actions: map[string]state.ActionSummary{
			"a": {State: types.StateFinished, Status: types.StatusSuccess},
			"b": {State: types.StateRunning, Status: types.StatusNone},
		},
	}))

	require.NoError(t, s.RunActions(context.Background(), []string{"b"}, "login01"))

	aState, aStatus := a.Snapshot()
	assert.Equal(t, types.StateFinished, aState)
	assert.Equal(t, types.StatusSuccess, aStatus)
	bState, bStatus := b.Snapshot()
	assert.Equal(t, types.StateFinished, bState)
	assert.Equal(t, types.StatusSuccess, bStatus)
}

// A goal id that was never registered is a configuration error, not a panic.
func TestRunActionsRejectsUnknownGoal(t *testing.T) {
	s := New(newTestConfig(t, newFakeLauncher()))
	s.AddHost(newFakeHost("login01"))
	err := s.RunActions(context.Background(), []string{"nope"}, "login01")
	require.Error(t, err)
}
