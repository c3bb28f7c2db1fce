// Command sane is the thin CLI front-end for the orchestrator core: it
// wires a hard-coded demo workflow definition into a *scheduler.Scheduler
// and exposes run, resume, validate, and history subcommands. Workflow
// discovery by path/glob and loading user-authored definition
// modules are external collaborators; this binary only demonstrates the
// core end-to-end without reimplementing either.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/islas/sane-workflows/pkg/environment"
	"github.com/islas/sane-workflows/pkg/history"
	"github.com/islas/sane-workflows/pkg/host"
	"github.com/islas/sane-workflows/pkg/log"
	"github.com/islas/sane-workflows/pkg/metrics"
	"github.com/islas/sane-workflows/pkg/scheduler"
	"github.com/islas/sane-workflows/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sane",
	Short: "sane-workflows - a DAG-based workflow orchestrator for shell actions and HPC hosts",
	Long: `sane drives a declared graph of actions across a selected host, honoring
dependencies and resource budgets, and persists enough state to resume an
interrupted run.

This binary wires a small, hard-coded demo DAG so the orchestrator core is
runnable end-to-end; a production deployment wires its own workflow
discovery and user-authored action/host definitions in front of the same
pkg/scheduler entry point this CLI calls directly.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sane version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("save-location", "./sane-state", "Directory the run's durable state is written to")
	rootCmd.PersistentFlags().String("log-location", "./sane-logs", "Directory each action's logfile is written to")
	rootCmd.PersistentFlags().String("working-directory", ".", "Working directory actions are launched from")
	rootCmd.PersistentFlags().String("launcher", "sane-runner", "Path to the external action-launcher binary")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Address to serve /metrics, /health, /ready, /live on (disabled when empty)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(historyCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run [goal-ids...]",
	Short: "Build the DAG and run the ancestor closure of the given goal actions",
	Long: `Run builds the demo workflow's action graph, validates it against the
selected host's environments and resources, and drives the ancestor closure
of the given goal ids to completion.

With no goal ids, run targets the demo's single terminal action, which
pulls in its entire dependency tree.`,
	RunE: runRunCmd,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [goal-ids...]",
	Short: "Resume a previously interrupted run from its save location",
	Long: `Resume re-enters the same run: a running action found in the save
location is reset to pending, and (by default) an errored or failed action
is cleared back to pending as well, per the resume policy. It is
the same entry point as run; resuming falls naturally out of a
save-location that already holds a summary.`,
	RunE: runRunCmd,
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, resumeCmd} {
		cmd.Flags().String("host", ".", "Host identifier to run as (partial match against a host's name/aliases)")
		cmd.Flags().Bool("dry-run", false, "Synthesize a placeholder result for every action instead of launching it")
		cmd.Flags().Bool("verbose", false, "Echo each action's output to stdout in addition to its logfile")
		cmd.Flags().Bool("skip-unrunnable", false, "Demote an action with unmet dependencies to skipped instead of failing the whole run")
		cmd.Flags().Duration("backpressure", 2*time.Second, "How long the run loop sleeps after a pass that made no progress")
	}
}

var validateCmd = &cobra.Command{
	Use:   "validate [goal-ids...]",
	Short: "Validate the demo workflow without launching any action",
	Long: `Validate builds the DAG, checks it for cycles, and runs the same
environment/resource pre-flight checks run performs, but always in dry-run
mode, so no action is actually launched.`,
	RunE: runValidateCmd,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past runs recorded in the history database",
	RunE:  runHistoryCmd,
}

func init() {
	historyCmd.Flags().String("host", "", "Only list runs executed against this host")
	historyCmd.Flags().Int("limit", 20, "Maximum number of runs to list")
}

func runRunCmd(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	return execute(cmd, args, dryRun)
}

func runValidateCmd(cmd *cobra.Command, args []string) error {
	return execute(cmd, args, true)
}

func execute(cmd *cobra.Command, goalIDs []string, dryRun bool) error {
	hostID, _ := cmd.Flags().GetString("host")
	skipUnrunnable, _ := cmd.Flags().GetBool("skip-unrunnable")
	verbose, _ := cmd.Flags().GetBool("verbose")
	backpressure, _ := cmd.Flags().GetDuration("backpressure")

	saveLocation, _ := rootCmd.PersistentFlags().GetString("save-location")
	logLocation, _ := rootCmd.PersistentFlags().GetString("log-location")
	workingDirectory, _ := rootCmd.PersistentFlags().GetString("working-directory")
	launcher, _ := rootCmd.PersistentFlags().GetString("launcher")
	metricsAddr, _ := rootCmd.PersistentFlags().GetString("metrics-addr")

	logger := log.WithComponent("cli")

	metrics.RegisterComponent("scheduler", false, "building workflow definition")
	metrics.RegisterComponent("resource-provider", false, "host not yet selected")
	if metricsAddr != "" {
		serveMetrics(metricsAddr, logger)
	}

	cfg := scheduler.Config{
		LauncherPath:         launcher,
		WorkingDirectory:     workingDirectory,
		SaveLocation:         saveLocation,
		LogLocation:          logLocation,
		SkipUnrunnable:       skipUnrunnable,
		Verbose:              verbose,
		DryRun:               dryRun,
		BackpressureInterval: backpressure,
		Logger:               logger,
	}

	s, defaultGoal := newDemoScheduler(cfg)
	if err := s.Build(); err != nil {
		return fmt.Errorf("building workflow definition: %w", err)
	}

	if len(goalIDs) == 0 {
		goalIDs = []string{defaultGoal}
	}
	metrics.RegisterComponent("scheduler", true, "workflow definition built")

	runID := history.NewRunID()
	logger.Info().Str("run_id", runID).Strs("goals", goalIDs).Str("host", hostID).Bool("dry_run", dryRun).Msg("starting run")

	started := time.Now()
	runErr := s.RunActions(context.Background(), goalIDs, hostID)
	if runErr != nil {
		metrics.RegisterComponent("resource-provider", false, runErr.Error())
	} else {
		metrics.RegisterComponent("resource-provider", true, "run loop drained")
	}

	record := history.Record{
		RunID:        runID,
		Host:         hostID,
		SaveLocation: saveLocation,
		StartedAt:    started,
		FinishedAt:   time.Now(),
		DryRun:       dryRun,
		Actions:      map[string]history.ActionRecord{},
	}
	for _, id := range goalIDs {
		if a, ok := s.Action(id); ok {
			st, status := a.Snapshot()
			record.Actions[id] = history.ActionRecord{State: st, Status: status}
		}
	}
	if histErr := recordHistory(saveLocation, record); histErr != nil {
		logger.Warn().Err(histErr).Msg("could not persist run to history database")
	}

	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	logger.Info().Str("run_id", runID).Msg("run complete")
	return nil
}

func runHistoryCmd(cmd *cobra.Command, args []string) error {
	saveLocation, _ := rootCmd.PersistentFlags().GetString("save-location")
	hostFilter, _ := cmd.Flags().GetString("host")
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := history.Open(historyDBPath(saveLocation))
	if err != nil {
		return fmt.Errorf("opening history database: %w", err)
	}
	defer store.Close()

	var records []history.Record
	if hostFilter != "" {
		records, err = store.ListForHost(hostFilter)
	} else {
		records, err = store.List()
	}
	if err != nil {
		return fmt.Errorf("listing history: %w", err)
	}
	if len(records) > limit {
		records = records[:limit]
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tHOST\tSTARTED\tSUCCESS\tFAILURE\tOTHER")
	for _, r := range records {
		success, failure, other := r.Summarize()
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n", r.RunID, r.Host, r.StartedAt.Format(time.RFC3339), success, failure, other)
	}
	return w.Flush()
}

func recordHistory(saveLocation string, record history.Record) error {
	store, err := history.Open(historyDBPath(saveLocation))
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Save(record)
}

func historyDBPath(saveLocation string) string {
	return filepath.Join(saveLocation, "history.bolt")
}

// serveMetrics starts the Prometheus/health HTTP endpoints in the
// background, alongside the scheduler's own work rather than blocking it.
func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("metrics server listening")
}

// newDemoScheduler wires up a small demo workflow: a
// single generic host matching any requested identifier that contains a
// dot (or the literal "." default), plus a pyramid of shell actions where
// each layer depends on a sliding pair of the layer below it. The single
// action in the final (smallest) layer is the default goal, since its
// ancestor closure is every action in the demo.
func newDemoScheduler(cfg scheduler.Config) (*scheduler.Scheduler, string) {
	s := scheduler.New(cfg)
	s.Register(registerDemoHost, 10)
	s.Register(registerDemoActions, 0)
	return s, demoDefaultGoal
}

const demoLayers = 4

var demoDefaultGoal = fmt.Sprintf("action_%03d", demoLayers*(demoLayers+1)/2-1)

func registerDemoHost(target any) error {
	s, ok := target.(*scheduler.Scheduler)
	if !ok {
		return fmt.Errorf("cmd/sane: registerDemoHost called with unexpected target %T", target)
	}

	logger := log.WithComponent("demo-host")
	h := host.New("generic", []string{"."}, logger)
	if err := h.Pool.AddResources(map[string]string{"cpus": "12", "memory": "2gb"}); err != nil {
		return err
	}

	env := environment.New("generic", nil, logger)
	h.AddEnvironment(env)
	h.SetDefaultEnvironment(env.Name)

	s.AddHost(h)
	return nil
}

func registerDemoActions(target any) error {
	s, ok := target.(*scheduler.Scheduler)
	if !ok {
		return fmt.Errorf("cmd/sane: registerDemoActions called with unexpected target %T", target)
	}

	curr := 0
	layers := map[int][]string{}

	for layer := 0; layer < demoLayers; layer++ {
		for i := 0; i < demoLayers-layer; i++ {
			name := fmt.Sprintf("action_%03d", curr)
			curr++

			a := types.NewAction(name)
			a.Config["type"] = "shell"
			a.Config["command"] = "echo"
			a.Verbose = true

			args := []string{name}
			if layer > 0 {
				deps := layers[layer-1][i : i+2]
				for _, dep := range deps {
					a.Dependencies[dep] = types.AfterOK
				}
				args = append(args, "depends on =>", fmt.Sprint(deps))
			}
			a.Config["arguments"] = args

			layers[layer] = append(layers[layer], name)
			if err := s.AddAction(a); err != nil {
				return err
			}
		}
	}
	return nil
}
