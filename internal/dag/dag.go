// Package dag validates a pipeline's stage graph and exposes the operations
// the orchestrator needs to drive execution in dependency order: a
// deterministic topological order, predecessor/successor lookups, and the
// ready set for a given completion snapshot (spec §4.F).
package dag

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/buildit/core/internal/model"
)

// CycleError reports a dependency cycle detected while planning.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// UnknownDependencyError reports a depends_on reference to an undefined stage.
type UnknownDependencyError struct {
	Stage      string
	DependsOn  string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("stage %q depends on unknown stage %q", e.Stage, e.DependsOn)
}

// DuplicateStageError reports two stage definitions sharing one name.
type DuplicateStageError struct {
	Name string
}

func (e *DuplicateStageError) Error() string {
	return fmt.Sprintf("duplicate stage name %q", e.Name)
}

// Plan is a validated stage graph ready for execution.
type Plan struct {
	stages  map[string]model.Stage
	order   []string            // deterministic topological order
	index   map[string]int      // name -> position in order
	deps    map[string][]string // predecessors
	rdeps   map[string][]string // successors (dependents)
}

// Build validates the stage list of a pipeline and returns a Plan, or a
// structured error identifying the first validation failure, in the order
// spec §4.F lists: unique names, known dependencies, then acyclic.
func Build(stages []model.Stage) (*Plan, error) {
	byName := make(map[string]model.Stage, len(stages))
	for _, s := range stages {
		if _, dup := byName[s.Name]; dup {
			return nil, &DuplicateStageError{Name: s.Name}
		}
		byName[s.Name] = s
	}

	deps := make(map[string][]string, len(stages))
	rdeps := make(map[string][]string, len(stages))
	for _, s := range stages {
		for _, d := range s.DependsOn {
			if _, ok := byName[d]; !ok {
				return nil, &UnknownDependencyError{Stage: s.Name, DependsOn: d}
			}
			deps[s.Name] = append(deps[s.Name], d)
			rdeps[d] = append(rdeps[d], s.Name)
		}
	}

	order, err := topoSort(byName, deps)
	if err != nil {
		return nil, err
	}

	index := make(map[string]int, len(order))
	for i, name := range order {
		index[name] = i
	}

	return &Plan{stages: byName, order: order, index: index, deps: deps, rdeps: rdeps}, nil
}

// stageHeap is a min-heap of stage names ordered lexicographically, used to
// break ties deterministically among stages that become ready simultaneously
// during Kahn's algorithm.
type stageHeap []string

func (h stageHeap) Len() int            { return len(h) }
func (h stageHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h stageHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *stageHeap) Push(x interface{}) { *h = append(*h, x.(string)) }
func (h *stageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// topoSort computes a deterministic total order consistent with dependency
// edges, tie-broken lexicographically by stage name (spec §4.F).
func topoSort(byName map[string]model.Stage, deps map[string][]string) ([]string, error) {
	remaining := make(map[string]int, len(byName))
	for name := range byName {
		remaining[name] = len(deps[name])
	}

	successors := make(map[string][]string, len(byName))
	for name, ds := range deps {
		for _, d := range ds {
			successors[d] = append(successors[d], name)
		}
	}
	for _, succs := range successors {
		sort.Strings(succs)
	}

	h := &stageHeap{}
	for name, n := range remaining {
		if n == 0 {
			heap.Push(h, name)
		}
	}

	var order []string
	for h.Len() > 0 {
		name := heap.Pop(h).(string)
		order = append(order, name)
		for _, succ := range successors[name] {
			remaining[succ]--
			if remaining[succ] == 0 {
				heap.Push(h, succ)
			}
		}
	}

	if len(order) != len(byName) {
		return nil, cycleFrom(byName, remaining)
	}
	return order, nil
}

// cycleFrom walks the remaining (unresolved) stages to report one concrete
// cycle for diagnostics, once topoSort detects that not every stage could be
// ordered.
func cycleFrom(byName map[string]model.Stage, remaining map[string]int) error {
	var stuck []string
	for name, n := range remaining {
		if n > 0 {
			stuck = append(stuck, name)
		}
	}
	sort.Strings(stuck)
	if len(stuck) == 0 {
		return &CycleError{Cycle: []string{"<unknown>"}}
	}

	start := stuck[0]
	visited := map[string]bool{start: true}
	path := []string{start}
	cur := start
	for {
		var next string
		for _, d := range byName[cur].DependsOn {
			if remaining[d] > 0 {
				next = d
				break
			}
		}
		if next == "" {
			break
		}
		if visited[next] {
			path = append(path, next)
			break
		}
		visited[next] = true
		path = append(path, next)
		cur = next
	}
	return &CycleError{Cycle: path}
}

// TopologicalOrder returns the plan's deterministic stage order.
func (p *Plan) TopologicalOrder() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// IndexOf returns a stage's 0-based position in topological order, used by
// the variable resolver's ${stage.index}.
func (p *Plan) IndexOf(name string) int {
	return p.index[name]
}

// Stage returns a stage's definition by name.
func (p *Plan) Stage(name string) (model.Stage, bool) {
	s, ok := p.stages[name]
	return s, ok
}

// DependenciesOf returns the set of predecessor stage names.
func (p *Plan) DependenciesOf(name string) []string {
	return append([]string(nil), p.deps[name]...)
}

// DependentsOf returns the set of successor stage names.
func (p *Plan) DependentsOf(name string) []string {
	return append([]string(nil), p.rdeps[name]...)
}

// TransitiveDependents returns every stage name reachable by following
// DependentsOf edges from name, used when propagating a failure to
// everything downstream of it (spec §4.G step 7).
func (p *Plan) TransitiveDependents(name string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		for _, succ := range p.rdeps[n] {
			if !seen[succ] {
				seen[succ] = true
				walk(succ)
			}
		}
	}
	walk(name)
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Ready returns the set of stage names whose dependencies are all present in
// succeeded, excluding anything already in completed (spec §4.F).
func (p *Plan) Ready(succeeded, completed map[string]bool) []string {
	var ready []string
	for _, name := range p.order {
		if completed[name] {
			continue
		}
		ok := true
		for _, d := range p.deps[name] {
			if !succeeded[d] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}
