// Package scheduler implements the orchestrator run loop: given a set
// of goal action ids, it builds the dependency DAG, validates it against the
// selected host's environments and resources, then repeatedly pulls ready
// nodes off the traversal, acquires their resource request, launches them
// through an external launcher process, and records their outcome durably,
// so an interrupted run can resume where it left off.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/islas/sane-workflows/pkg/dag"
	"github.com/islas/sane-workflows/pkg/environment"
	"github.com/islas/sane-workflows/pkg/errs"
	"github.com/islas/sane-workflows/pkg/metrics"
	"github.com/islas/sane-workflows/pkg/registry"
	"github.com/islas/sane-workflows/pkg/resource"
	"github.com/islas/sane-workflows/pkg/state"
	"github.com/islas/sane-workflows/pkg/types"
)

// Host is the subset of host.Host / host.HPCHost the scheduler drives. It is
// defined here, not imported from pkg/host, so the run loop depends only on
// the behavior it needs and tests can supply a fake.
type Host interface {
	HostName() string
	Match(requested string) bool
	HasEnvironment(requested string) (*environment.Environment, bool)
	ResourcesAvailable(request map[string]string, requestor string) (bool, error)
	AcquireResources(request map[string]string, requestor string) (bool, error)
	ReleaseResources(request map[string]string, requestor string)
	PreLaunch(action *types.Action) error
	PostLaunch(action *types.Action, exitCode int, output string) error
	LaunchWrapper(action *types.Action, dependencies map[string]*types.Action) (string, []string, error)
	Artifact() state.HostArtifact
}

// postRunner is implemented by hosts with a synchronous post-run phase (e.g.
// HPCHost's batch-queue drain). Checked with a type assertion since it is
// optional; a plain Host has nothing to wait for.
type postRunner interface {
	PostRunActions(dryRun bool) error
}

// Config configures a Scheduler. Zero values are usable except where noted.
type Config struct {
	// LauncherPath is the external action-launcher binary invoked as
	// "<LauncherPath> <WorkingDirectory> <action artifact path>".
	LauncherPath string

	WorkingDirectory string
	SaveLocation     string
	LogLocation      string

	// ResourceMapper rewrites action resource request keys to canonical
	// names before any host lookup. Nil behaves as an identity mapping.
	ResourceMapper resource.Mapper

	// ResumePolicy controls how a previously-saved summary's state is
	// rewritten before a run resumes. Nil defaults to
	// state.DefaultResumePolicy().
	ResumePolicy *state.ResumePolicy

	// SkipUnrunnable transitions an action whose dependencies are
	// unsatisfiable to skipped instead of aborting the whole run.
	SkipUnrunnable bool

	// Verbose is recorded into the run summary and makes the run loop echo
	// child output to its own stdout in addition to each action's logfile.
	Verbose bool

	// DryRun, when true, synthesizes a placeholder result for every action
	// instead of invoking the launcher, and tells a postRunner host to skip
	// its post-run wait (nothing was actually submitted).
	DryRun bool

	// BackpressureInterval is how long the run loop sleeps after a pass
	// that acquired no resources and resolved no action, before retrying.
	// Defaults to 2s.
	BackpressureInterval time.Duration

	// Launcher runs an action's command. Defaults to NewExecLauncher().
	Launcher Launcher

	Logger zerolog.Logger
}

// Scheduler owns the registered actions and hosts for one workflow
// definition and drives them through RunActions.
type Scheduler struct {
	cfg      Config
	registry *registry.Registry
	logger   zerolog.Logger
	launcher Launcher

	actions map[string]*types.Action
	order   []string
	hosts   []Host

	store *state.Store
}

// New returns a Scheduler configured by cfg. cfg.Logger is used as given;
// callers typically pass log.WithComponent("scheduler").
func New(cfg Config) *Scheduler {
	launcher := cfg.Launcher
	if launcher == nil {
		launcher = NewExecLauncher()
	}
	return &Scheduler{
		cfg:      cfg,
		registry: registry.New(),
		logger:   cfg.Logger,
		launcher: launcher,
		actions:  map[string]*types.Action{},
	}
}

// Register adds fn to the workflow-definition registry under priority.
// Build() later invokes every registered fn, highest
// priority first, passing this Scheduler as the target.
func (s *Scheduler) Register(fn registry.Func, priority int) {
	s.registry.Register(fn, priority)
}

// Build runs every registered workflow-definition function against this
// Scheduler, populating its actions and hosts.
func (s *Scheduler) Build() error {
	return s.registry.Process(s)
}

// AddAction registers a. Returns a *errs.ConfigError if id is a duplicate.
func (s *Scheduler) AddAction(a *types.Action) error {
	if _, exists := s.actions[a.ID]; exists {
		return &errs.ConfigError{Field: "action", Msg: fmt.Sprintf("duplicate action id %q", a.ID)}
	}
	s.actions[a.ID] = a
	s.order = append(s.order, a.ID)
	return nil
}

// AddHost registers h as a selectable target for RunActions.
func (s *Scheduler) AddHost(h Host) {
	s.hosts = append(s.hosts, h)
}

// Action looks up a previously-registered action by id.
func (s *Scheduler) Action(id string) (*types.Action, bool) {
	a, ok := s.actions[id]
	return a, ok
}

// RunActions builds the DAG over every registered action, validates it
// against asHost's environments and resources for the ancestor closure of
// goalIDs, then runs that closure to completion. See the package doc for the
// full protocol; this is the single entry point a CLI command calls for
// both a fresh run and a resume (resume falls naturally out of a save
// location that already holds a summary).
func (s *Scheduler) RunActions(ctx context.Context, goalIDs []string, asHost string) error {
	for _, id := range goalIDs {
		if _, ok := s.actions[id]; !ok {
			return &errs.ConfigError{Field: "goals", Msg: fmt.Sprintf("unknown action %q", id)}
		}
	}

	graph := dag.New()
	for _, id := range s.order {
		graph.AddNode(id)
	}
	for id, a := range s.actions {
		for depID := range a.Dependencies {
			graph.AddEdge(depID, id)
		}
	}

	if residual, valid := graph.TopologicalSort(); !valid {
		return &errs.CycleError{Residual: residual}
	}

	traversal := graph.TraversalList(goalIDs)
	metrics.ObserveDAGTraversalSize(len(traversal))

	selected := s.selectHost(asHost)
	if selected == nil {
		return &errs.ConfigError{Field: "host", Msg: fmt.Sprintf("no registered host matches %q", asHost)}
	}

	if err := s.preflight(selected, traversal); err != nil {
		return err
	}

	store, err := state.NewStore(s.cfg.SaveLocation)
	if err != nil {
		return err
	}
	s.store = store

	if err := os.MkdirAll(s.cfg.LogLocation, 0o755); err != nil {
		return fmt.Errorf("scheduler: creating log location: %w", err)
	}

	summary, err := s.loadOrInitSummary(store, selected)
	if err != nil {
		return err
	}

	if err := store.SaveHost(selected.Artifact()); err != nil {
		return err
	}

	for id := range traversal {
		a := s.actions[id]
		a.LogDir = s.cfg.LogLocation
		if s.cfg.DryRun {
			a.DryRun = true
		}
		if s.cfg.Verbose {
			a.Verbose = true
		}
		if err := store.SaveAction(actionArtifact(a)); err != nil {
			return err
		}
		if a.State() == types.StateInactive {
			a.SetPending()
		}
		s.recordAction(&summary, id)
	}
	if err := store.SaveSummary(summary); err != nil {
		return err
	}

	if err := s.runLoop(ctx, selected, graph, traversal, &summary); err != nil {
		return err
	}

	if pr, ok := selected.(postRunner); ok {
		return pr.PostRunActions(s.cfg.DryRun)
	}
	return nil
}

func (s *Scheduler) selectHost(requested string) Host {
	for _, h := range s.hosts {
		if h.Match(requested) {
			return h
		}
	}
	return nil
}

// preflight checks every action in traversal against selected's environments
// and resources before anything runs. Failures are
// accumulated and reported together rather than one at a time.
func (s *Scheduler) preflight(selected Host, traversal map[string]int) error {
	var envErrs []error
	for id := range traversal {
		a := s.actions[id]
		if _, ok := selected.HasEnvironment(a.Environment); !ok {
			envErrs = append(envErrs, &errs.EnvironmentMissingError{ActionID: id, EnvName: a.Environment})
		}
	}
	if len(envErrs) > 0 {
		return errors.Join(envErrs...)
	}

	var resErrs []error
	for id := range traversal {
		a := s.actions[id]
		mapped := s.cfg.ResourceMapper.Apply(a.Resources)
		ok, err := selected.ResourcesAvailable(mapped, id)
		if err != nil {
			resErrs = append(resErrs, &errs.ResourceOvercommitError{ActionID: id, Resource: "request", Reason: err.Error()})
		} else if !ok {
			// Nothing is running yet, so a shortfall here is not transient:
			// the host can never satisfy this request.
			resErrs = append(resErrs, &errs.ResourceOvercommitError{ActionID: id, Resource: "request", Reason: "request cannot be satisfied by this host"})
		}
	}
	if len(resErrs) > 0 {
		return errors.Join(resErrs...)
	}
	return nil
}

func (s *Scheduler) loadOrInitSummary(store *state.Store, selected Host) (state.Summary, error) {
	policy := state.DefaultResumePolicy()
	if s.cfg.ResumePolicy != nil {
		policy = *s.cfg.ResumePolicy
	}

	summary, ok, err := store.LoadSummary()
	if err != nil {
		return state.Summary{}, err
	}
	if ok {
		policy.Apply(&summary)
		for id, entry := range summary.Actions {
			if a, exists := s.actions[id]; exists {
				a.Restore(entry.State, entry.Status)
			}
		}
	} else {
		summary = state.Summary{Actions: map[string]state.ActionSummary{}}
	}

	summary.CurrentHost = selected.HostName()
	summary.DryRun = s.cfg.DryRun
	summary.Verbose = s.cfg.Verbose
	summary.SaveLocation = s.cfg.SaveLocation
	summary.LogLocation = s.cfg.LogLocation
	summary.WorkingDirectory = s.cfg.WorkingDirectory
	return summary, nil
}

func (s *Scheduler) recordAction(summary *state.Summary, id string) {
	a := s.actions[id]
	st, status := a.Snapshot()
	summary.Actions[id] = state.ActionSummary{State: st, Status: status}
}

func (s *Scheduler) persist(summary *state.Summary, id string) {
	s.recordAction(summary, id)
	if s.store != nil {
		if err := s.store.SaveSummary(*summary); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist run summary")
		}
	}
}

// runLoop is the cooperative, single-threaded core of the scheduler: refill the
// ready buffer, resolve each ready node (skipping what's already resolved
// from a prior run, skipping or failing what can never run, otherwise
// acquiring resources and launching it), and repeat until the traversal is
// exhausted or a fatal error occurs.
func (s *Scheduler) runLoop(ctx context.Context, selected Host, graph *dag.DAG, traversal map[string]int, summary *state.Summary) error {
	pending := make(map[string]int, len(traversal))
	for id, count := range traversal {
		pending[id] = count
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ready := dag.ReadyNodes(pending)
		if len(ready) == 0 {
			time.Sleep(s.backpressureDelay())
			continue
		}

		progressed := false
		for _, id := range ready {
			a := s.actions[id]

			if st := a.State(); st == types.StateFinished || st == types.StateSkipped || st == types.StateError {
				s.logger.Info().Str("action", id).Str("state", string(st)).Str("status", string(a.Status())).Msg("action already resolved, not re-running")
				graph.NodeComplete(id, pending)
				progressed = true
				continue
			}

			if !s.requirementsMet(id) {
				if !s.cfg.SkipUnrunnable {
					return &errs.RequirementUnmetError{ActionID: id, Dependency: "", Detail: "upstream outcome forbids this action from running"}
				}
				a.SetSkipped()
				metrics.ObserveActionSkipped()
				s.logger.Warn().Str("action", id).Msg("requirements unmet, skipping")
				s.persist(summary, id)
				graph.NodeComplete(id, pending)
				progressed = true
				continue
			}

			mapped := s.cfg.ResourceMapper.Apply(a.Resources)
			acquired, err := selected.AcquireResources(mapped, id)
			if err != nil {
				return &errs.ResourceOvercommitError{ActionID: id, Resource: "request", Reason: err.Error()}
			}
			if !acquired {
				// Transient shortage: leave this node in the buffer for the
				// next pass instead of counting it as blocked on a parent.
				pending[id] = 0
				continue
			}

			progressed = true
			runErr := s.runOne(ctx, selected, a, s.dependenciesOf(a), summary)
			selected.ReleaseResources(mapped, id)
			if runErr != nil {
				s.persist(summary, id)
				return runErr
			}

			s.persist(summary, id)
			graph.NodeComplete(id, pending)
		}

		if !progressed {
			time.Sleep(s.backpressureDelay())
		}
	}
	return nil
}

func (s *Scheduler) dependenciesOf(a *types.Action) map[string]*types.Action {
	deps := make(map[string]*types.Action, len(a.Dependencies))
	for depID := range a.Dependencies {
		if dep, ok := s.actions[depID]; ok {
			deps[depID] = dep
		}
	}
	return deps
}

func (s *Scheduler) requirementsMet(id string) bool {
	a := s.actions[id]
	for depID, kind := range a.Dependencies {
		dep, ok := s.actions[depID]
		if !ok {
			return false
		}
		state, status := dep.Snapshot()
		if !types.DependencyMet(kind, state, status) {
			return false
		}
	}
	return true
}

func (s *Scheduler) backpressureDelay() time.Duration {
	if s.cfg.BackpressureInterval > 0 {
		return s.cfg.BackpressureInterval
	}
	return 2 * time.Second
}

// runOne drives a single action through running -> finished: pre-launch
// hook, launch-wrapper resolution, the actual launch (or a synthesized
// dry-run placeholder), the post-launch hook, and the terminal status
// derived from whether the wrapper rewrote the launch into a batch
// submission.
func (s *Scheduler) runOne(ctx context.Context, host Host, a *types.Action, dependencies map[string]*types.Action, summary *state.Summary) error {
	start := time.Now()
	a.SetRunning()
	// Persisting the running state before the child starts is what lets a
	// later invocation notice an interrupted run and re-queue this action.
	s.persist(summary, a.ID)
	s.logger.Info().Str("action", a.ID).Msg("action running")

	if err := host.PreLaunch(a); err != nil {
		a.SetError()
		return fmt.Errorf("pre-launch for action %q: %w", a.ID, err)
	}

	wrapperCmd, wrapperArgs, err := host.LaunchWrapper(a, dependencies)
	if err != nil {
		a.SetError()
		return fmt.Errorf("launch wrapper for action %q: %w", a.ID, err)
	}
	wrapped := wrapperCmd != ""

	var exitCode int
	var output string

	if a.DryRun {
		exitCode = 0
		if wrapped {
			output = fmt.Sprintf("DRY RUN: would submit action %q via %s %v", a.ID, wrapperCmd, wrapperArgs)
		} else {
			output = fmt.Sprintf("DRY RUN: would run action %q", a.ID)
		}
		s.logger.Info().Str("action", a.ID).Msg(output)
	} else {
		launchCmd, launchArgs := s.launcherInvocation(a, wrapperCmd, wrapperArgs)

		logWriter := io.Writer(io.Discard)
		if logfile := a.Logfile(); logfile != "" {
			f, ferr := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if ferr == nil {
				defer f.Close()
				logWriter = f
			} else {
				s.logger.Warn().Err(ferr).Str("action", a.ID).Msg("could not open action logfile, output will not be captured to disk")
			}
		}
		if a.Verbose {
			logWriter = io.MultiWriter(logWriter, os.Stdout)
		}

		exitCode, output, err = s.launcher.Launch(ctx, s.cfg.WorkingDirectory, launchCmd, launchArgs, logWriter)
		if err != nil {
			a.SetError()
			return &errs.LaunchError{ActionID: a.ID, Reason: err.Error()}
		}
	}

	if !a.DryRun {
		if err := host.PostLaunch(a, exitCode, output); err != nil {
			a.SetError()
			return fmt.Errorf("post-launch for action %q: %w", a.ID, err)
		}
	}

	var final types.Status
	switch {
	case wrapped && exitCode == 0:
		final = types.StatusSubmitted
	case exitCode == 0:
		final = types.StatusSuccess
	default:
		final = types.StatusFailure
	}
	a.SetFinished(final)
	metrics.ObserveSchedulingLatency(a.ID, time.Since(start))
	metrics.ObserveActionFinished(string(final))
	s.logger.Info().Str("action", a.ID).Str("status", string(final)).Msg("action finished")
	return nil
}

// launcherInvocation builds the actual process to exec for a: local
// execution runs the launcher directly against the action's artifact; a
// batch-wrapped execution runs the wrapper command with its own arguments,
// a "--" terminator, then the launcher invocation, so the batch system
// passes everything after "--" through to the job script unexamined.
func (s *Scheduler) launcherInvocation(a *types.Action, wrapperCmd string, wrapperArgs []string) (string, []string) {
	artifactPath := filepath.Join(s.cfg.SaveLocation, fmt.Sprintf("action_%s.json", a.ID))
	inner := []string{s.cfg.WorkingDirectory, artifactPath}

	if wrapperCmd == "" {
		return s.cfg.LauncherPath, inner
	}

	args := make([]string, 0, len(wrapperArgs)+1+len(inner))
	args = append(args, wrapperArgs...)
	args = append(args, "--", s.cfg.LauncherPath)
	args = append(args, inner...)
	return wrapperCmd, args
}

func actionArtifact(a *types.Action) state.ActionArtifact {
	return state.ActionArtifact{
		ID:           a.ID,
		Type:         actionType(a),
		Config:       a.Config,
		Environment:  a.Environment,
		Local:        a.Local,
		Verbose:      a.Verbose,
		DryRun:       a.DryRun,
		TimeLimit:    a.TimeLimit,
		Logfile:      a.Logfile(),
		Dependencies: a.Dependencies,
		Resources:    a.Resources,
	}
}

// actionType reads the action's kind out of its free-form Config, defaulting
// to a plain shell command. The external launcher uses this to pick which
// Run implementation to instantiate.
func actionType(a *types.Action) string {
	if t, ok := a.Config["type"].(string); ok && t != "" {
		return t
	}
	return "shell"
}
