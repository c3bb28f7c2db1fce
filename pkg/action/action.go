// Package action implements the executable body of an Action: the Run
// implementation the external launcher (cmd/sane-runner) instantiates from
// a persisted artifact and invokes once its environment has been applied.
//
// This is the statically-typed answer to the "user-defined action
// subclass" problem: instead of introspection-heavy reloading of
// a dynamically-loaded class, a
// declarative action names a type string, and a Factory registered under
// that name builds the Go value to run. No runtime code generation is
// required; a user extending the orchestrator registers their own Factory
// under their own type name before the launcher's Registry is used.
package action

import (
	"bytes"
	"fmt"
	"io"
	"os/exec"
)

// Runnable is the body of an action, reconstituted from its persisted
// config and executed by cmd/sane-runner after the action's environment
// has been applied. Run's returned exit code becomes the action's status:
// zero is success (or submitted, for a wrapped HPC launch), a
// nonzero value is failure.
type Runnable interface {
	// Setup prepares the action to run (the base Shell action does
	// nothing; a user-defined action might validate its config here).
	Setup() error

	// Run executes the action body, streaming combined stdout/stderr to
	// output as it is produced, and returns the process's exit code.
	Run(output io.Writer) (exitCode int, err error)
}

// Factory builds a Runnable from an action's free-form Config map. Config
// has already had the core fields (environment, dependencies, resources,
// ...) popped off by the scheduler; what remains is type-specific.
type Factory func(config map[string]any) (Runnable, error)

// Registry maps a declarative action "type" string to the Factory that
// builds it, the factory-keyed-by-type-string registry design note calls
// for. "shell" is always registered as the default: run config["command"]
// with config["arguments"] when no other type is named.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a Registry with "shell" pre-registered.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register("shell", NewShell)
	return r
}

// Register adds f under typeName, overwriting any previous registration.
func (r *Registry) Register(typeName string, f Factory) {
	r.factories[typeName] = f
}

// Build instantiates the Runnable registered under typeName, or an error
// naming the unknown type (a ConfigError condition at launch time).
func (r *Registry) Build(typeName string, config map[string]any) (Runnable, error) {
	f, ok := r.factories[typeName]
	if !ok {
		return nil, fmt.Errorf("action: unknown action type %q", typeName)
	}
	return f(config)
}

// Shell is the default action body: run config["command"] with
// config["arguments"], streaming combined stdout/stderr to the writer Run
// is given. It is what every plain "echo <id>"-style action in the
// end-to-end scenarios resolves to.
type Shell struct {
	Command   string
	Arguments []string
}

// NewShell builds a Shell action from config. "command" is required;
// "arguments", if present, must be a []any of strings (as decoded from
// JSON/YAML) or a []string.
func NewShell(config map[string]any) (Runnable, error) {
	command, ok := config["command"].(string)
	if !ok || command == "" {
		return nil, fmt.Errorf("action: shell action requires a non-empty %q field", "command")
	}

	args, err := stringSlice(config["arguments"])
	if err != nil {
		return nil, fmt.Errorf("action: shell action %q: %w", command, err)
	}

	return &Shell{Command: command, Arguments: args}, nil
}

func stringSlice(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	switch raw := v.(type) {
	case []string:
		return raw, nil
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("argument %v is not a string", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported arguments type %T", v)
	}
}

// Setup is a no-op for Shell; there is nothing to validate beyond what
// NewShell already checked.
func (s *Shell) Setup() error { return nil }

// Run execs Command with Arguments, teeing combined stdout/stderr to
// output as it streams and returning the process's exit code.
func (s *Shell) Run(output io.Writer) (int, error) {
	cmd := exec.Command(s.Command, s.Arguments...)

	var captured bytes.Buffer
	w := io.Writer(&captured)
	if output != nil {
		w = io.MultiWriter(&captured, output)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("action: running %q: %w", s.Command, err)
}
