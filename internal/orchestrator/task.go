package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrDuplicateTask     = errors.New("duplicate task name")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDependencyCycle   = errors.New("dependency cycle")
)

// Upstream holds the successful outputs of a task's dependencies, keyed by
// task name.
type Upstream map[string]any

// Get returns the output of dependency name
func (u Upstream) Get(name string) (any, bool) {
	v, ok := u[name]
	return v, ok
}

// Task is one named unit of work in a run.
type Task struct {
	Name        string
	Section     string   // document section filled by this task, defaults to Name
	DependsOn   []string // tasks whose output this task consumes
	MaxAttempts int      // overrides the retry policy when > 0
	ContextData map[string]any
	Run         func(ctx context.Context, upstream Upstream) (any, error)
}

// SectionName returns the section this task fills
func (t Task) SectionName() string {
	if t.Section != "" {
		return t.Section
	}
	return t.Name
}

// plan orders tasks so that every task comes after its dependencies and
// returns the number of dependency levels.
func plan(tasks []Task) ([]Task, int, error) {
	byName := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if t.Name == "" {
			return nil, 0, fmt.Errorf("%w: empty name", ErrDuplicateTask)
		}
		if _, dup := byName[t.Name]; dup {
			return nil, 0, fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name)
		}
		byName[t.Name] = t
	}

	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string)
	for _, t := range tasks {
		indegree[t.Name] += 0
		for _, dep := range t.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, 0, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, t.Name, dep)
			}
			indegree[t.Name]++
			dependents[dep] = append(dependents[dep], t.Name)
		}
	}

	var frontier []string
	for _, t := range tasks {
		if indegree[t.Name] == 0 {
			frontier = append(frontier, t.Name)
		}
	}

	ordered := make([]Task, 0, len(tasks))
	levels := 0
	for len(frontier) > 0 {
		levels++
		var next []string
		for _, name := range frontier {
			ordered = append(ordered, byName[name])
			for _, d := range dependents[name] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	if len(ordered) != len(tasks) {
		var stuck []string
		for name, n := range indegree {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, 0, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cyclePath(dependents, stuck), " -> "))
	}
	return ordered, levels, nil
}

// cyclePath walks the dependency edges among stuck tasks and returns one
// closed loop, e.g. [a b c a]. Tasks that only sit downstream of a cycle
// are stuck too, so the walk can fail from some starts.
func cyclePath(dependents map[string][]string, stuck []string) []string {
	inCycle := make(map[string]bool, len(stuck))
	for _, n := range stuck {
		inCycle[n] = true
	}

	var walk func(node string, path []string, onPath map[string]bool) []string
	walk = func(node string, path []string, onPath map[string]bool) []string {
		if onPath[node] {
			for i, n := range path {
				if n == node {
					return append(append([]string(nil), path[i:]...), node)
				}
			}
		}
		onPath[node] = true
		path = append(path, node)
		next := append([]string(nil), dependents[node]...)
		sort.Strings(next)
		for _, d := range next {
			if !inCycle[d] {
				continue
			}
			if loop := walk(d, path, onPath); loop != nil {
				return loop
			}
		}
		delete(onPath, node)
		return nil
	}

	for _, start := range stuck {
		if loop := walk(start, nil, map[string]bool{}); loop != nil {
			return loop
		}
	}
	return stuck
}
