// Package errs defines the fatal-versus-recoverable error taxonomy used
// across the orchestrator core.
package errs

import "fmt"

// CycleError reports a DAG whose topological sort failed to cover every node.
type CycleError struct {
	Residual []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected, residual nodes: %v", e.Residual)
}

// ConfigError reports a malformed declarative definition: an unknown type
// name, an unparsable resource string, or a missing required field.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error for %q: %s", e.Field, e.Msg)
}

// EnvironmentMissingError reports one action whose required environment the
// selected host does not provide. Callers accumulate these and report them
// together: the preflight reports every offender, not just the first one.
type EnvironmentMissingError struct {
	ActionID string
	EnvName  string
}

func (e *EnvironmentMissingError) Error() string {
	return fmt.Sprintf("action %q requires environment %q, not present on host", e.ActionID, e.EnvName)
}

// ResourceOvercommitError reports a resource request that can never succeed
// against a host's declared totals, as opposed to a transient shortage.
type ResourceOvercommitError struct {
	ActionID string
	Resource string
	Reason   string
}

func (e *ResourceOvercommitError) Error() string {
	return fmt.Sprintf("action %q cannot acquire resource %q: %s", e.ActionID, e.Resource, e.Reason)
}

// RequirementUnmetError reports an action whose upstream outcome forbids it
// from running. Fatal unless the scheduler's skip-unrunnable policy is set.
type RequirementUnmetError struct {
	ActionID   string
	Dependency string
	Detail     string
}

func (e *RequirementUnmetError) Error() string {
	return fmt.Sprintf("action %q has unmet dependency on %q: %s", e.ActionID, e.Dependency, e.Detail)
}

// LaunchError reports a failure to start the child launcher process, or a
// launcher that exited zero but did not produce an expected side effect
// (e.g. an HPC submission that yielded no job id).
type LaunchError struct {
	ActionID string
	Reason   string
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("action %q failed to launch: %s", e.ActionID, e.Reason)
}
