// Package types defines the Action, the unit of work the scheduler drives
// through its state machine, along with the dependency-kind and state/status
// vocabulary every other component (DAG, resource provider, scheduler,
// durable state) is built around.
package types

import (
	"path/filepath"
	"sync"
)

// DependencyKind describes how an action relates to one of its upstream
// dependencies: which outcome of the upstream action satisfies this edge.
type DependencyKind string

const (
	// AfterOK is satisfied once the upstream action finishes with success or
	// submitted status. This is the default when a dependency is declared
	// without an explicit kind.
	AfterOK DependencyKind = "after-ok"
	// AfterNotOK is satisfied once the upstream action finishes with failure
	// or submitted status.
	AfterNotOK DependencyKind = "after-not-ok"
	// AfterAny is satisfied once the upstream action finishes, regardless of
	// outcome.
	AfterAny DependencyKind = "after-any"
	// After is satisfied as soon as the upstream action has started running
	// (or has already finished).
	After DependencyKind = "after"
)

// ValidDependencyKind reports whether k is one of the four recognized kinds.
func ValidDependencyKind(k DependencyKind) bool {
	switch k {
	case AfterOK, AfterNotOK, AfterAny, After:
		return true
	}
	return false
}

// State is the lifecycle state of an Action.
type State string

const (
	StateInactive State = "inactive"
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateSkipped  State = "skipped"
	StateError    State = "error"
)

// Status is the outcome recorded once an Action reaches a terminal state.
type Status string

const (
	StatusNone      Status = "none"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusSubmitted Status = "submitted"
)

// DependencyMet reports whether an
// upstream action in (state, status) satisfies a dependency of kind k.
func DependencyMet(k DependencyKind, state State, status Status) bool {
	switch k {
	case After:
		return state == StateRunning || state == StateFinished
	case AfterAny:
		return state == StateFinished
	case AfterOK:
		return state == StateFinished && (status == StatusSuccess || status == StatusSubmitted)
	case AfterNotOK:
		return state == StateFinished && (status == StatusFailure || status == StatusSubmitted)
	default:
		return false
	}
}

// Action is a uniquely-named unit of work: a shell command or user-defined
// executable step, run on a selected host once its dependencies are
// satisfied and its resource request can be acquired.
//
// Actions are owned by the scheduler; an Action never holds a handle to its
// upstream dependencies, only their string ids, so the scheduler is free to
// swap implementations behind the same id across a resume.
type Action struct {
	mu sync.Mutex

	ID string

	// Config is the free-form body used by the action's Run implementation
	// (e.g. {"command": "echo", "arguments": ["hi"]}).
	Config map[string]any

	// Environment names an Environment on the host this action should run
	// under. Empty string means "use the host's default environment".
	Environment string

	// Local forces local execution even on an HPC host, when non-nil.
	Local *bool

	Verbose bool
	DryRun  bool

	// TimeLimit is an opaque string passed through to the host (advisory for
	// local execution, enforced by the batch system for HPC).
	TimeLimit string

	// LogDir is the directory Logfile is derived from; set once by the
	// scheduler before the run starts.
	LogDir string

	// Dependencies maps upstream action id to the dependency kind gating
	// this action on that upstream.
	Dependencies map[string]DependencyKind

	// Resources maps resource name to an unparsed amount string, e.g.
	// {"cpus": "4", "mem": "2g"}.
	Resources map[string]string

	state  State
	status Status
}

// NewAction returns an inactive action with the given id.
func NewAction(id string) *Action {
	return &Action{
		ID:           id,
		Config:       map[string]any{},
		Dependencies: map[string]DependencyKind{},
		Resources:    map[string]string{},
		state:        StateInactive,
		status:       StatusNone,
	}
}

// State returns the action's current lifecycle state.
func (a *Action) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Status returns the action's current outcome.
func (a *Action) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Snapshot returns the (state, status) pair atomically.
func (a *Action) Snapshot() (State, Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.status
}

// SetPending transitions the action to pending. Entering pending always
// resets status to none.
func (a *Action) SetPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StatePending
	a.status = StatusNone
}

// SetRunning transitions the action to running with status none.
func (a *Action) SetRunning() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateRunning
	a.status = StatusNone
}

// SetFinished transitions the action to finished with the given terminal
// status (success, failure, or submitted).
func (a *Action) SetFinished(status Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateFinished
	a.status = status
}

// SetSkipped transitions the action to skipped (requirements unmet, and the
// scheduler's skip-unrunnable policy is in effect).
func (a *Action) SetSkipped() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateSkipped
	a.status = StatusNone
}

// SetError transitions the action to error (an internal failure distinct
// from a failed run).
func (a *Action) SetError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = StateError
	a.status = StatusNone
}

// Restore forces the in-memory (state, status) pair directly, bypassing the
// normal transition rules. Used only by pkg/scheduler when it restores the
// states of a saved run summary.
func (a *Action) Restore(state State, status Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
	a.status = status
}

// Logfile returns the path (LogDir joined with "<id>.log") this action's
// combined stdout/stderr capture is teed to, or "" if LogDir has not been
// set yet.
func (a *Action) Logfile() string {
	if a.LogDir == "" {
		return ""
	}
	return filepath.Join(a.LogDir, a.ID+".log")
}
