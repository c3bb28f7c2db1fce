// Package host implements run targets: a named target
// with aliases, a set of selectable Environments, and either a plain
// resource pool or, for HPCHost, a set of HPC node classes. Host
// matching against a requested identifier (e.g. the machine's FQDN) is a
// partial, substring match rather than an exact one, so a short alias can
// match a long fully-qualified domain name.
package host

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/islas/sane-workflows/pkg/environment"
	"github.com/islas/sane-workflows/pkg/metrics"
	"github.com/islas/sane-workflows/pkg/resource"
	"github.com/islas/sane-workflows/pkg/state"
	"github.com/islas/sane-workflows/pkg/types"
)

// Host is the base, non-HPC target: a resource pool acquired/released
// directly by the run loop and a set of named Environments an action can
// select between.
type Host struct {
	mu sync.Mutex

	Name    string
	Aliases []string

	environments map[string]*environment.Environment
	defaultEnv   string

	Pool   *resource.Pool
	Logger zerolog.Logger
}

// New returns a Host with an empty resource pool and no environments.
func New(name string, aliases []string, logger zerolog.Logger) *Host {
	return &Host{
		Name:         name,
		Aliases:      aliases,
		environments: map[string]*environment.Environment{},
		Pool:         resource.NewPool(logger),
		Logger:       logger,
	}
}

// HostName returns the host's name (a plain accessor, since the Name
// field can't also be a method).
func (h *Host) HostName() string {
	return h.Name
}

// Match reports whether requested (e.g. a machine's FQDN) contains this
// host's name or any of its aliases as a substring.
func (h *Host) Match(requested string) bool {
	if strings.Contains(requested, h.Name) {
		return true
	}
	for _, alias := range h.Aliases {
		if strings.Contains(requested, alias) {
			return true
		}
	}
	return false
}

// AddEnvironment registers env under its own name, overwriting any
// previous environment registered under that name.
func (h *Host) AddEnvironment(env *environment.Environment) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.environments[env.Name] = env
}

// SetDefaultEnvironment designates which registered environment Environment
// selection falls back to when an action requests no environment by name.
func (h *Host) SetDefaultEnvironment(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.defaultEnv = name
}

// HasEnvironment resolves a requested environment name (matched against
// each registered Environment's name/aliases) to the Environment to apply.
// An empty requested name resolves to the host's default environment, if
// one was designated.
func (h *Host) HasEnvironment(requested string) (*environment.Environment, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if requested == "" {
		if h.defaultEnv == "" {
			return nil, false
		}
		requested = h.defaultEnv
	}

	for _, env := range h.environments {
		if env.Match(requested) {
			return env, true
		}
	}
	return nil, false
}

// PreLaunch runs before an action's command is invoked on this host. The
// base Host does nothing; HPCHost does not override it either, since submission
// bookkeeping happens in AcquireResources and PostLaunch instead.
func (h *Host) PreLaunch(action *types.Action) error {
	return nil
}

// PostLaunch runs after an action's command has returned, given its exit
// code and captured output. The base Host does nothing.
func (h *Host) PostLaunch(action *types.Action, exitCode int, output string) error {
	return nil
}

// LaunchWrapper lets a Host kind rewrite how an action is actually
// launched: the base Host runs the action's command directly (returns
// "", nil, nil to signal "no wrapper"); HPCHost returns a qsub invocation
// instead.
func (h *Host) LaunchWrapper(action *types.Action, dependencies map[string]*types.Action) (string, []string, error) {
	return "", nil, nil
}

// AcquireResources reserves request against this host's plain resource
// pool on behalf of requestor.
func (h *Host) AcquireResources(request map[string]string, requestor string) (bool, error) {
	ok, err := h.Pool.Acquire(request, requestor)
	if ok {
		h.publishResourceGauges()
	}
	return ok, err
}

// ReleaseResources returns request to this host's plain resource pool.
func (h *Host) ReleaseResources(request map[string]string, requestor string) {
	h.Pool.Release(request, requestor)
	h.publishResourceGauges()
}

// publishResourceGauges mirrors the pool's current accounting into the
// exported in-use/total gauges, labeled by this host's name.
func (h *Host) publishResourceGauges() {
	for name, total := range h.Pool.Totals() {
		acquirable, ok := h.Pool.Acquirable(name)
		if !ok {
			continue
		}
		metrics.SetResourceGauges(h.Name, name, float64(total.Total-acquirable.Total), float64(total.Total))
	}
}

// ResourcesAvailable reports whether request could be acquired right now
// without mutating the pool.
func (h *Host) ResourcesAvailable(request map[string]string, requestor string) (bool, error) {
	return h.Pool.Available(request, requestor)
}

// Artifact returns the durable side-car form of this host, sufficient for
// the external launcher (no access to the controller's memory) to
// reconstruct its environment definitions.
func (h *Host) Artifact() state.HostArtifact {
	h.mu.Lock()
	defer h.mu.Unlock()

	envs := make([]state.EnvironmentArtifact, 0, len(h.environments))
	for _, env := range h.environments {
		modules, vars := env.Entries()

		moduleCmds := make([]state.EnvironmentModuleCmd, 0, len(modules))
		for _, m := range modules {
			moduleCmds = append(moduleCmds, state.EnvironmentModuleCmd{Category: m.Category, Cmd: m.Cmd, Args: m.Args})
		}

		varCmds := make([]state.EnvironmentVarCmd, 0, len(vars))
		for _, v := range vars {
			varCmds = append(varCmds, state.EnvironmentVarCmd{Category: v.Category, Cmd: string(v.Cmd), Var: v.Var, Val: v.Val})
		}

		envs = append(envs, state.EnvironmentArtifact{
			Name:       env.Name,
			Aliases:    env.Aliases,
			ModuleBin:  env.ModuleBin,
			ModuleCmds: moduleCmds,
			EnvVars:    varCmds,
		})
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].Name < envs[j].Name })

	return state.HostArtifact{
		Name:         h.Name,
		Type:         "host",
		Aliases:      h.Aliases,
		DefaultEnv:   h.defaultEnv,
		Environments: envs,
	}
}

// fmtMissing is a small helper shared with the HPC variant for composing
// the "no queue/account" error message.
func fmtMissing(host, action, field string) error {
	return fmt.Errorf("no %s provided for host %q or action %q in HPC submission resources", field, host, action)
}
