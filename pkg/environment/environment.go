// Package environment implements the named, replayable environment
// preamble applied before an action runs: a set of environment-variable
// mutations and module-system commands, grouped by category and replayed
// in registration order on entry to an action.
package environment

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// VarCmd is the kind of mutation to apply to an environment variable.
type VarCmd string

const (
	Set     VarCmd = "set"
	Unset   VarCmd = "unset"
	Append  VarCmd = "append"
	Prepend VarCmd = "prepend"
)

type varMutation struct {
	cmd  VarCmd
	var_ string
	val  string
}

type moduleCommand struct {
	cmd  string
	args []string
}

// Environment is a named collection of deferred environment-variable
// mutations and module-system commands, grouped by category (an arbitrary
// label that keeps related commands together; replay goes category by
// category, in the order each category was first used).
type Environment struct {
	Name      string
	Aliases   []string
	ModuleBin string // path to the "module"-style shell front-end; empty disables module commands

	varCmds     map[string][]varMutation
	varOrder    []string
	moduleCmds  map[string][]moduleCommand
	moduleOrder []string

	logger zerolog.Logger
}

// New returns an empty Environment named name.
func New(name string, aliases []string, logger zerolog.Logger) *Environment {
	return &Environment{
		Name:       name,
		Aliases:    aliases,
		varCmds:    map[string][]varMutation{},
		moduleCmds: map[string][]moduleCommand{},
		logger:     logger,
	}
}

// SetupEnvVar registers a deferred environment-variable mutation under
// category. cmd must be one of Set, Unset, Append, Prepend.
func (e *Environment) SetupEnvVar(cmd VarCmd, variable, value string, category string) error {
	switch cmd {
	case Set, Unset, Append, Prepend:
	default:
		return fmt.Errorf("environment: unknown var command %q", cmd)
	}
	if category == "" {
		category = "unassigned"
	}
	if _, ok := e.varCmds[category]; !ok {
		e.varOrder = append(e.varOrder, category)
	}
	e.varCmds[category] = append(e.varCmds[category], varMutation{cmd: cmd, var_: variable, val: value})
	return nil
}

// SetupModuleCmd registers a deferred module-system command (e.g. "load",
// "swap") under category.
func (e *Environment) SetupModuleCmd(cmd string, args []string, category string) {
	if category == "" {
		category = "unassigned"
	}
	if _, ok := e.moduleCmds[category]; !ok {
		e.moduleOrder = append(e.moduleOrder, category)
	}
	e.moduleCmds[category] = append(e.moduleCmds[category], moduleCommand{cmd: cmd, args: args})
}

// Reset clears every registered mutation and module command.
func (e *Environment) Reset() {
	e.varCmds = map[string][]varMutation{}
	e.varOrder = nil
	e.moduleCmds = map[string][]moduleCommand{}
	e.moduleOrder = nil
}

// Setup replays every registered module command, then every registered
// environment-variable mutation. Each kind is replayed category by category
// (categories in first-use order), and within a category in registration
// order. Module
// commands run first so that a module load's bulk environment changes are
// visible before any action-specific variable mutation layers on top.
func (e *Environment) Setup() error {
	for _, category := range e.moduleOrder {
		for _, m := range e.moduleCmds[category] {
			if err := e.runModule(m); err != nil {
				return fmt.Errorf("environment %q: module %s: %w", e.Name, m.cmd, err)
			}
		}
	}

	for _, category := range e.varOrder {
		for _, mutation := range e.varCmds[category] {
			if err := e.applyVar(mutation); err != nil {
				return fmt.Errorf("environment %q: %w", e.Name, err)
			}
		}
	}
	return nil
}

func (e *Environment) runModule(m moduleCommand) error {
	if e.ModuleBin == "" {
		e.logger.Debug().Str("cmd", m.cmd).Msg("no module front-end configured, skipping module command")
		return nil
	}
	args := append([]string{m.cmd}, m.args...)
	cmd := exec.Command(e.ModuleBin, args...)
	cmd.Env = os.Environ()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("module %s %s: %w: %s", m.cmd, strings.Join(m.args, " "), err, out)
	}
	return nil
}

func (e *Environment) applyVar(m varMutation) error {
	switch m.cmd {
	case Set:
		return os.Setenv(m.var_, m.val)
	case Unset:
		return os.Unsetenv(m.var_)
	case Append:
		return os.Setenv(m.var_, os.Getenv(m.var_)+":"+m.val)
	case Prepend:
		return os.Setenv(m.var_, m.val+":"+os.Getenv(m.var_))
	}
	return fmt.Errorf("unknown var command %q", m.cmd)
}

// ModuleEntry is one registered module-system command, in the durable shape
// a side-car artifact persists it as.
type ModuleEntry struct {
	Category string
	Cmd      string
	Args     []string
}

// VarEntry is one registered environment-variable mutation, in the durable
// shape a side-car artifact persists it as.
type VarEntry struct {
	Category string
	Cmd      VarCmd
	Var      string
	Val      string
}

// Entries returns every registered module command and variable mutation in
// replay order, ready for an external process (cmd/sane-runner) to
// reconstruct this Environment from a JSON side-car without ever having
// observed the registration calls that built it.
func (e *Environment) Entries() ([]ModuleEntry, []VarEntry) {
	var modules []ModuleEntry
	for _, category := range e.moduleOrder {
		for _, m := range e.moduleCmds[category] {
			modules = append(modules, ModuleEntry{Category: category, Cmd: m.cmd, Args: m.args})
		}
	}

	var vars []VarEntry
	for _, category := range e.varOrder {
		for _, v := range e.varCmds[category] {
			vars = append(vars, VarEntry{Category: category, Cmd: v.cmd, Var: v.var_, Val: v.val})
		}
	}
	return modules, vars
}

// Restore rebuilds an Environment from its durable Entries, replaying them
// in the same registration order Entries reported them in, so a
// reconstructed Environment's Setup behaves identically to the original.
func Restore(name string, aliases []string, moduleBin string, modules []ModuleEntry, vars []VarEntry, logger zerolog.Logger) *Environment {
	env := New(name, aliases, logger)
	env.ModuleBin = moduleBin
	for _, m := range modules {
		env.SetupModuleCmd(m.Cmd, m.Args, m.Category)
	}
	for _, v := range vars {
		_ = env.SetupEnvVar(v.Cmd, v.Var, v.Val, v.Category)
	}
	return env
}

// Match reports whether requested matches this Environment by exact name
// or alias. Environment selection, unlike host selection, is an exact
// match, not a substring match.
func (e *Environment) Match(requested string) bool {
	if requested == e.Name {
		return true
	}
	for _, alias := range e.Aliases {
		if requested == alias {
			return true
		}
	}
	return false
}
