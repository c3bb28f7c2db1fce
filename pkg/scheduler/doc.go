/*
Package scheduler drives a directed acyclic graph of Actions to completion
on a single selected Host.

Unlike a reconciliation loop that polls cluster state on an interval, the
scheduler here is a single-threaded run loop: given a set of goal action
ids, it computes the ancestor closure of those goals, then repeatedly pulls
whatever nodes have no unresolved in-closure parent left ("ready" nodes),
tries to acquire each one's resource request, and launches it through an
external process.

# Run Protocol

RunActions(ctx, goals, asHost) performs, in order:

 1. Build the DAG over every registered action and topologically sort it;
    a residual (a cycle) aborts the run before anything is touched.
 2. Compute the ancestor closure of goals and each node's in-closure
    pending-parent count (pkg/dag's TraversalList).
 3. Select the first registered Host whose Match(asHost) succeeds.
 4. Validate every node in the closure against that host: does it have the
    requested environment, can its resource request ever be satisfied. All
    violations are collected and returned together via errors.Join, rather
    than failing on the first one found.
 5. Persist the selected host and every closure action as durable
    artifacts (pkg/state), then transition inactive actions to pending. If
    a summary already exists at the save location, it is loaded first and
    rewritten by the configured ResumePolicy before anything else runs;
    this is what makes a second RunActions call against the same save
    location a resume rather than a restart.
 6. Run the main loop (see below) until the closure is exhausted.
 7. If the selected host has a synchronous post-run phase (HPCHost's batch
    queue drain), wait for it.

# Main Loop

Each pass pulls the current ready set off the pending-parent counters and
resolves every node in it:

  - An action already in a terminal state (finished, skipped, error) from a
    prior run is left alone and its completion is propagated immediately;
    this is how a resumed run skips what already succeeded.
  - An action whose dependencies are no longer satisfiable (an upstream
    finished with the wrong outcome) is skipped if SkipUnrunnable is set,
    otherwise the whole run aborts with a RequirementUnmetError.
  - Otherwise the scheduler attempts to acquire the action's resource
    request from the host. A hard error (unknown resource, a request that
    could never fit) aborts the run. A soft "not right now" leaves the node
    in the buffer for the next pass. This is the backpressure mechanism:
    the node is not treated as blocked on a dependency, it is simply
    retried once some other action releases its resources.
  - A successful acquisition runs the action (see below), releases its
    resources unconditionally afterward, and propagates completion to its
    children's pending-parent counters.

If a whole pass resolves nothing (every ready node was a soft resource
miss), the loop sleeps for BackpressureInterval before trying again.

# Running One Action

PreLaunch gives the host a chance to prepare (a no-op for the base Host).
LaunchWrapper lets the host rewrite the actual invocation: HPCHost turns
it into a qsub command line; the base Host returns an empty command,
meaning "run directly". The scheduler then either synthesizes a dry-run
placeholder (action.DryRun) or invokes the Launcher against:

	<launcher path> <working directory> <action artifact path>        // direct
	<wrapper command> <wrapper args...> -- <launcher path> <dir> <artifact>  // wrapped

PostLaunch lets the host react to the outcome (HPCHost parses a batch job
id out of the captured output here). The action's terminal status follows
from whether the invocation was wrapped: a direct run that exits zero is a
success, a wrapped submission that exits zero is merely submitted (its real
outcome is only known once the batch system finishes it, which is what the
post-run phase waits for).

# Resume

Resuming is not a separate code path. Calling RunActions again against a
save location that already holds orchestrator.json loads it, applies the
configured ResumePolicy (by default: a running action was interrupted and
resets to pending; an error or a failed finish resets to pending too, so it
is retried), and restores every matching in-memory action's (state, status)
before the main loop starts. Actions already finished successfully are
encountered as already-terminal in the first pass and are not re-run.

# See Also

  - pkg/dag - the graph construction and traversal this package consumes
  - pkg/state - the durable artifacts this package reads and writes
  - pkg/host - the Host implementations this package drives
*/
package scheduler
