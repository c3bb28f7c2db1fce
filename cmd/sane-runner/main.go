// Command sane-runner is the external action launcher invoked by the
// scheduler as "<sane-runner> <working_directory> <action_artifact_path>",
// and has no access to the controller process's memory: everything
// it needs (the action body, its environment, the host it is running as)
// it reconstructs from the JSON side-car files pkg/state wrote before
// launch.
//
// The flow is chdir -> load action -> load host -> resolve environment ->
// environment.Setup() -> action.Setup() -> action.Run() -> exit(retval).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/islas/sane-workflows/pkg/action"
	"github.com/islas/sane-workflows/pkg/environment"
	"github.com/islas/sane-workflows/pkg/state"
)

func main() {
	os.Exit(run())
}

// run implements the launcher's body and returns the process exit code,
// kept separate from main so the failure paths can all funnel through one
// "log and exit 1" convention instead of scattering log.Fatal calls.
func run() int {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "sane-runner").Logger()

	if len(os.Args) != 3 {
		logger.Error().Msg("usage: sane-runner <working_directory> <action_artifact_path>")
		return 1
	}
	workingDirectory := os.Args[1]
	artifactPath := os.Args[2]

	if err := os.Chdir(workingDirectory); err != nil {
		logger.Error().Err(err).Str("working_directory", workingDirectory).Msg("could not chdir to working directory")
		return 1
	}

	artifact, err := loadActionArtifact(artifactPath)
	if err != nil {
		logger.Error().Err(err).Msg("could not load action artifact")
		return 1
	}
	logger = logger.With().Str("action", artifact.ID).Logger()
	logger.Info().Msg("loaded action")

	saveLocation := filepath.Dir(artifactPath)
	store, err := state.NewStore(saveLocation)
	if err != nil {
		logger.Error().Err(err).Msg("could not open save location")
		return 1
	}

	summary, ok, err := store.LoadSummary()
	if err != nil {
		logger.Error().Err(err).Msg("could not load run summary")
		return 1
	}
	if !ok || summary.CurrentHost == "" {
		logger.Error().Msg("run summary has no current host recorded")
		return 1
	}

	hostArtifact, err := store.LoadHost(summary.CurrentHost)
	if err != nil {
		logger.Error().Err(err).Str("host", summary.CurrentHost).Msg("could not load host artifact")
		return 1
	}
	logger = logger.With().Str("host", hostArtifact.Name).Logger()

	envArtifact, ok := hostArtifact.ResolveEnvironment(artifact.Environment)
	if !ok {
		logger.Error().Str("environment", artifact.Environment).Msg("host has no matching environment")
		return 1
	}

	env := environment.Restore(envArtifact.Name, nil, envArtifact.ModuleBin, toModuleEntries(envArtifact.ModuleCmds), toVarEntries(envArtifact.EnvVars), logger)
	logger.Info().Str("environment", env.Name).Msg("applying environment")
	if err := env.Setup(); err != nil {
		logger.Error().Err(err).Msg("environment setup failed")
		return 1
	}

	registry := action.NewRegistry()
	runnable, err := registry.Build(artifact.Type, artifact.Config)
	if err != nil {
		logger.Error().Err(err).Str("type", artifact.Type).Msg("could not build action")
		return 1
	}

	if err := runnable.Setup(); err != nil {
		logger.Error().Err(err).Msg("action setup failed")
		return 1
	}

	logger.Info().Msg("running action")
	exitCode, err := runnable.Run(os.Stdout)
	if err != nil {
		logger.Error().Err(err).Msg("action run failed to start")
		return 1
	}

	logger.Info().Int("exit_code", exitCode).Msg("action finished")
	return exitCode
}

func loadActionArtifact(path string) (state.ActionArtifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return state.ActionArtifact{}, fmt.Errorf("reading %s: %w", path, err)
	}
	var artifact state.ActionArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return state.ActionArtifact{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return artifact, nil
}

func toModuleEntries(cmds []state.EnvironmentModuleCmd) []environment.ModuleEntry {
	out := make([]environment.ModuleEntry, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, environment.ModuleEntry{Category: c.Category, Cmd: c.Cmd, Args: c.Args})
	}
	return out
}

func toVarEntries(cmds []state.EnvironmentVarCmd) []environment.VarEntry {
	out := make([]environment.VarEntry, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, environment.VarEntry{Category: c.Category, Cmd: environment.VarCmd(c.Cmd), Var: c.Var, Val: c.Val})
	}
	return out
}
