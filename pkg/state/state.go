// Package state implements the orchestrator's durable snapshot: a
// scheduler summary, a side-car per selected host, and a side-car per
// action, all written atomically (write to a temp file, then rename) so a
// crash never leaves a torn file behind, and resumed with the
// clear-errors/clear-failures resume policy.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/islas/sane-workflows/pkg/types"
)

// Summary is the top-level orchestrator.json document: one entry per
// action plus the run-wide bookkeeping the scheduler needs to resume.
type Summary struct {
	Actions          map[string]ActionSummary `json:"actions"`
	CurrentHost      string                   `json:"current_host"`
	DryRun           bool                     `json:"dry_run"`
	Verbose          bool                     `json:"verbose"`
	SaveLocation     string                   `json:"save_location"`
	LogLocation      string                   `json:"log_location"`
	WorkingDirectory string                   `json:"working_directory"`
}

// ActionSummary is the per-action entry of the orchestrator summary.
type ActionSummary struct {
	State  types.State  `json:"state"`
	Status types.Status `json:"status"`
}

// ActionArtifact is the side-car persisted form of one Action: enough for
// an out-of-process launcher (no access to the controller's memory) to
// reconstitute and run it.
type ActionArtifact struct {
	ID           string                          `json:"id"`
	Type         string                          `json:"type"`
	Config       map[string]any                  `json:"config"`
	Environment  string                          `json:"environment"`
	Local        *bool                           `json:"local,omitempty"`
	Verbose      bool                            `json:"verbose"`
	DryRun       bool                            `json:"dry_run"`
	TimeLimit    string                          `json:"time_limit,omitempty"`
	Logfile      string                          `json:"logfile"`
	Dependencies map[string]types.DependencyKind `json:"dependencies"`
	Resources    map[string]string               `json:"resources"`
}

// HostArtifact is the side-car persisted form of the selected Host:
// sufficient to reconstruct its environment definitions in a child
// process.
type HostArtifact struct {
	Name         string                `json:"name"`
	Type         string                `json:"type"`
	Aliases      []string              `json:"aliases"`
	DefaultEnv   string                `json:"default_env,omitempty"`
	Environments []EnvironmentArtifact `json:"environments"`
}

// EnvironmentArtifact is the side-car persisted form of one Environment:
// its full replay script, not just its name, so the external launcher (no
// access to the controller's memory) can reconstruct and apply it.
type EnvironmentArtifact struct {
	Name       string                 `json:"name"`
	Aliases    []string               `json:"aliases,omitempty"`
	ModuleBin  string                 `json:"module_bin,omitempty"`
	ModuleCmds []EnvironmentModuleCmd `json:"module_cmds,omitempty"`
	EnvVars    []EnvironmentVarCmd    `json:"env_vars,omitempty"`
}

// EnvironmentModuleCmd is the persisted form of one environment.ModuleEntry.
type EnvironmentModuleCmd struct {
	Category string   `json:"category"`
	Cmd      string   `json:"cmd"`
	Args     []string `json:"args,omitempty"`
}

// EnvironmentVarCmd is the persisted form of one environment.VarEntry.
type EnvironmentVarCmd struct {
	Category string `json:"category"`
	Cmd      string `json:"cmd"`
	Var      string `json:"var"`
	Val      string `json:"val,omitempty"`
}

// ResolveEnvironment finds the environment artifact requested should select,
// mirroring host.Host.HasEnvironment's exact-name-or-alias match and
// default-environment fallback, but operating on the durable artifact form
// so the external launcher can resolve an action's environment without a
// live Host.
func (h HostArtifact) ResolveEnvironment(requested string) (EnvironmentArtifact, bool) {
	if requested == "" {
		if h.DefaultEnv == "" {
			return EnvironmentArtifact{}, false
		}
		requested = h.DefaultEnv
	}

	for _, env := range h.Environments {
		if env.Name == requested {
			return env, true
		}
		for _, alias := range env.Aliases {
			if alias == requested {
				return env, true
			}
		}
	}
	return EnvironmentArtifact{}, false
}

// Store manages the on-disk layout under one save_location directory.
type Store struct {
	SaveLocation string
}

// NewStore returns a Store rooted at saveLocation, creating the directory
// if it does not already exist.
func NewStore(saveLocation string) (*Store, error) {
	if err := os.MkdirAll(saveLocation, 0o755); err != nil {
		return nil, fmt.Errorf("state: creating save location: %w", err)
	}
	return &Store{SaveLocation: saveLocation}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.SaveLocation, name)
}

// writeAtomic marshals v as indented JSON and writes it to name under
// SaveLocation via a temp-file-then-rename, so a concurrent reader (or a
// crash mid-write) never observes a partially-written file.
func (s *Store) writeAtomic(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshaling %s: %w", name, err)
	}

	final := s.path(name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state: writing %s: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("state: renaming %s into place: %w", name, err)
	}
	return nil
}

// SaveSummary persists orchestrator.json.
func (s *Store) SaveSummary(summary Summary) error {
	return s.writeAtomic("orchestrator.json", summary)
}

// LoadSummary reads orchestrator.json, returning ok=false if it does not
// exist yet (a fresh run).
func (s *Store) LoadSummary() (Summary, bool, error) {
	data, err := os.ReadFile(s.path("orchestrator.json"))
	if os.IsNotExist(err) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, fmt.Errorf("state: reading orchestrator.json: %w", err)
	}

	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		return Summary{}, false, fmt.Errorf("state: parsing orchestrator.json: %w", err)
	}
	return summary, true, nil
}

// SaveHost persists host_<name>.json.
func (s *Store) SaveHost(artifact HostArtifact) error {
	return s.writeAtomic(fmt.Sprintf("host_%s.json", artifact.Name), artifact)
}

// SaveAction persists action_<id>.json.
func (s *Store) SaveAction(artifact ActionArtifact) error {
	return s.writeAtomic(fmt.Sprintf("action_%s.json", artifact.ID), artifact)
}

// LoadAction reads back a previously persisted action artifact, used by
// the external launcher to reconstitute an action with no access to the
// controller's memory.
func (s *Store) LoadAction(id string) (ActionArtifact, error) {
	data, err := os.ReadFile(s.path(fmt.Sprintf("action_%s.json", id)))
	if err != nil {
		return ActionArtifact{}, fmt.Errorf("state: reading action artifact %q: %w", id, err)
	}
	var artifact ActionArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return ActionArtifact{}, fmt.Errorf("state: parsing action artifact %q: %w", id, err)
	}
	return artifact, nil
}

// LoadHost reads back a previously persisted host artifact.
func (s *Store) LoadHost(name string) (HostArtifact, error) {
	data, err := os.ReadFile(s.path(fmt.Sprintf("host_%s.json", name)))
	if err != nil {
		return HostArtifact{}, fmt.Errorf("state: reading host artifact %q: %w", name, err)
	}
	var artifact HostArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return HostArtifact{}, fmt.Errorf("state: parsing host artifact %q: %w", name, err)
	}
	return artifact, nil
}

// ResumePolicy controls how a loaded Summary's per-action states are
// rewritten before a run resumes.
type ResumePolicy struct {
	ClearErrors   bool
	ClearFailures bool
}

// DefaultResumePolicy clears both errors and failures back to pending.
func DefaultResumePolicy() ResumePolicy {
	return ResumePolicy{ClearErrors: true, ClearFailures: true}
}

// Apply rewrites summary's per-action entries in place according to
// policy: running always resets to pending (an interrupted run); error
// resets to pending when ClearErrors; finished(failure) resets to pending
// when ClearFailures; everything else is preserved unchanged.
func (p ResumePolicy) Apply(summary *Summary) {
	for id, entry := range summary.Actions {
		switch {
		case entry.State == types.StateRunning:
			entry = ActionSummary{State: types.StatePending, Status: types.StatusNone}
		case entry.State == types.StateError && p.ClearErrors:
			entry = ActionSummary{State: types.StatePending, Status: types.StatusNone}
		case entry.State == types.StateFinished && entry.Status == types.StatusFailure && p.ClearFailures:
			entry = ActionSummary{State: types.StatePending, Status: types.StatusNone}
		}
		summary.Actions[id] = entry
	}
}
