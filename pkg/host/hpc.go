package host

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/islas/sane-workflows/pkg/errs"
	"github.com/islas/sane-workflows/pkg/hpc"
	"github.com/islas/sane-workflows/pkg/metrics"
	"github.com/islas/sane-workflows/pkg/state"
	"github.com/islas/sane-workflows/pkg/types"
)

// HPCPollInterval is how often PostRunActions polls job status while
// waiting for submitted jobs to complete.
var HPCPollInterval = 60 * time.Second

var jobIDPattern = regexp.MustCompile(`(\d{5,})`)

// JobStatusChecker abstracts the batch system's status-query command so
// tests can substitute a fake without shelling out to qstat.
type JobStatusChecker interface {
	// JobComplete reports whether jobID has finished, regardless of outcome.
	// A status query that exits nonzero or prints nothing counts as complete.
	JobComplete(jobID string) (bool, error)
}

// HPCHost is a Host whose resources are organized into node classes and
// whose actions are launched via batch submission (qsub) rather than
// directly. Non-HPC fields (environments, the host's own Pool) are
// inherited from the embedded Host, but resource acquisition for actions
// goes through Model instead of Pool.
type HPCHost struct {
	*Host

	Model        *hpc.Model
	Queue        string
	Account      string
	DefaultLocal bool

	Checker JobStatusChecker

	mu     sync.Mutex
	jobIDs map[string]string // action id -> batch job id
	plans  map[string]hpc.Requisition
}

// NewHPCHost wraps model as an HPCHost named name.
func NewHPCHost(name string, aliases []string, model *hpc.Model, logger zerolog.Logger) *HPCHost {
	return &HPCHost{
		Host:   New(name, aliases, logger),
		Model:  model,
		jobIDs: map[string]string{},
		plans:  map[string]hpc.Requisition{},
	}
}

// launchesLocally reports whether action should bypass batch submission
// entirely, per action.Local overriding the host's DefaultLocal.
func (h *HPCHost) launchesLocally(action *types.Action) bool {
	if action.Local != nil {
		return *action.Local
	}
	return h.DefaultLocal
}

// ResourcesAvailable checks action's resource request against the node
// class model instead of a flat pool.
func (h *HPCHost) ResourcesAvailable(request map[string]string, requestor string) (bool, error) {
	ok, _, err := h.Model.Plan(request, requestor)
	return ok, err
}

// AcquireResources plans and reserves request against the node class
// model, remembering the resolved Requisition so a matching Release can
// replay the same plan.
func (h *HPCHost) AcquireResources(request map[string]string, requestor string) (bool, error) {
	planStart := time.Now()
	ok, requisition, err := h.Model.Plan(request, requestor)
	metrics.ObserveRequisition(h.Name, ok && err == nil, time.Since(planStart))
	if err != nil || !ok {
		return false, err
	}

	acquired, err := h.Model.Acquire(requisition, requestor)
	if err != nil || !acquired {
		return false, err
	}

	h.mu.Lock()
	h.plans[requestor] = requisition
	h.mu.Unlock()
	return true, nil
}

// ReleaseResources releases whatever Requisition was last acquired for
// requestor. A requestor with no remembered plan is a no-op.
func (h *HPCHost) ReleaseResources(request map[string]string, requestor string) {
	h.mu.Lock()
	requisition, ok := h.plans[requestor]
	delete(h.plans, requestor)
	h.mu.Unlock()

	if ok {
		h.Model.Release(requisition, requestor)
	}
}

// LaunchWrapper returns the qsub invocation for action, or ("", nil, nil)
// if the action launches locally. dependencies maps upstream action id to
// its Action, used to translate DependencyKind into batch-system
// dependency strings for already-submitted jobs.
func (h *HPCHost) LaunchWrapper(action *types.Action, dependencies map[string]*types.Action) (string, []string, error) {
	if h.launchesLocally(action) {
		return "", nil, nil
	}

	queue := h.Queue
	account := h.Account
	if q, ok := action.Resources["queue"]; ok {
		queue = q
	}
	if a, ok := action.Resources["account"]; ok {
		account = a
	}
	if queue == "" {
		return "", nil, fmtMissing(h.Name, action.ID, "queue")
	}
	if account == "" {
		return "", nil, fmtMissing(h.Name, action.ID, "account")
	}

	h.mu.Lock()
	requisition := h.plans[action.ID]
	h.mu.Unlock()

	args := []string{}
	for _, arg := range requisition.SubmitArgs() {
		args = append(args, arg.Flag, arg.Value)
	}

	if dep := h.formatDependencies(action, dependencies); dep != "" {
		args = append(args, "-W", "depend="+dep)
	}

	args = append(args, "-N", fmt.Sprintf("sane.workflow.%s", action.ID))
	if logfile := action.Logfile(); logfile != "" {
		args = append(args, "-j", "oe", "-o", logfile)
	}
	args = append(args, "-q", queue, "-A", account)
	if action.TimeLimit != "" {
		args = append(args, "-l", "walltime="+action.TimeLimit)
	}

	return "qsub", args, nil
}

func (h *HPCHost) formatDependencies(action *types.Action, dependencies map[string]*types.Action) string {
	byKind := map[types.DependencyKind][]string{}
	for depID, dep := range dependencies {
		if h.launchesLocally(dep) {
			continue
		}
		h.mu.Lock()
		jobID, known := h.jobIDs[dep.ID]
		h.mu.Unlock()
		if !known {
			continue
		}
		kind := action.Dependencies[depID]
		byKind[kind] = append(byKind[kind], jobID)
	}

	var parts []string
	for kind, jobs := range byKind {
		if len(jobs) == 0 {
			continue
		}
		parts = append(parts, pbsDependencyKeyword(kind)+":"+strings.Join(jobs, ":"))
	}
	return strings.Join(parts, ",")
}

func pbsDependencyKeyword(k types.DependencyKind) string {
	switch k {
	case types.AfterOK:
		return "afterok"
	case types.AfterNotOK:
		return "afternotok"
	case types.AfterAny:
		return "afterany"
	default:
		return "after"
	}
}

// PostLaunch records the submitted job id once an action's qsub invocation
// has returned, or reports a LaunchError if submission failed to produce a
// parseable job id.
func (h *HPCHost) PostLaunch(action *types.Action, exitCode int, output string) error {
	if h.launchesLocally(action) {
		return nil
	}
	if exitCode != 0 {
		return &errs.LaunchError{ActionID: action.ID, Reason: fmt.Sprintf("submission failed, exit code %d", exitCode)}
	}

	match := jobIDPattern.FindString(output)
	if match == "" {
		return &errs.LaunchError{ActionID: action.ID, Reason: "no job id found in submission output"}
	}

	h.mu.Lock()
	h.jobIDs[action.ID] = match
	h.mu.Unlock()
	return nil
}

// PostRunActions blocks, polling every HPCPollInterval, until every
// submitted job has completed (regardless of pass/fail outcome): the
// synchronous "wait for the batch queue to drain" phase after the run loop.
// Passing dryRun true skips the wait entirely, since no jobs were actually
// submitted.
func (h *HPCHost) PostRunActions(dryRun bool) error {
	h.mu.Lock()
	jobs := make(map[string]string, len(h.jobIDs))
	for action, id := range h.jobIDs {
		jobs[action] = id
	}
	h.mu.Unlock()

	if dryRun || len(jobs) == 0 {
		return nil
	}
	if h.Checker == nil {
		return fmt.Errorf("hpc host %q has submitted jobs but no status checker configured", h.Name)
	}

	completed := map[string]bool{}
	for len(completed) != len(jobs) {
		time.Sleep(HPCPollInterval)
		for action, jobID := range jobs {
			if completed[action] {
				continue
			}
			done, err := h.Checker.JobComplete(jobID)
			if err != nil {
				return fmt.Errorf("checking job %s for action %q: %w", jobID, action, err)
			}
			if done {
				completed[action] = true
			}
		}
	}
	return nil
}

// Artifact returns the durable side-car form of this host, with Type
// overridden to "hpc" so the external launcher knows to expect a batch
// submission rather than a direct invocation.
func (h *HPCHost) Artifact() state.HostArtifact {
	artifact := h.Host.Artifact()
	artifact.Type = "hpc"
	return artifact
}

// BuildNodeClassResources converts a flat per-node resource spec decoded
// from YAML/JSON (string, int, or float64 values) into the string-amount
// map AddNodeClass and Pool.AddResources expect. Exported for pkg/config,
// which decodes the declarative host surface from the same loosely-typed
// shape.
func BuildNodeClassResources(spec map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(spec))
	for k, v := range spec {
		switch val := v.(type) {
		case string:
			out[k] = val
		case int:
			out[k] = strconv.Itoa(val)
		case float64:
			out[k] = strconv.FormatInt(int64(val), 10)
		default:
			return nil, fmt.Errorf("unsupported resource value type for %q", k)
		}
	}
	return out, nil
}
