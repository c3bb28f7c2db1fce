// Package registry implements the priority-ordered registration pattern
// used for workflow-definition entry points: callers register a
// function under a priority, and Process invokes every registered
// function in descending priority order (higher priority first).
package registry

import "sort"

// Func is a registered entry point. It receives the value passed to
// Process, typically the orchestrator/scheduler instance entry points
// configure.
type Func func(target any) error

// Registry collects Funcs under integer priorities.
type Registry struct {
	byPriority map[int][]Func
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byPriority: map[int][]Func{}}
}

// Register adds f under priority. Functions registered under the same
// priority run in registration order relative to each other.
func (r *Registry) Register(f Func, priority int) {
	r.byPriority[priority] = append(r.byPriority[priority], f)
}

// Process calls every registered function against target, in descending
// priority order (highest priority first), stopping at the first error.
func (r *Registry) Process(target any) error {
	priorities := make([]int, 0, len(r.byPriority))
	for p := range r.byPriority {
		priorities = append(priorities, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	for _, p := range priorities {
		for _, f := range r.byPriority[p] {
			if err := f(target); err != nil {
				return err
			}
		}
	}
	return nil
}
