// Package graph builds and analyzes the dependency DAG extracted from a
// plan's tasks: cycle detection, topological leveling for parallel
// dispatch, and critical-path slack analysis.
package graph

import (
	"fmt"
	"strings"

	"github.com/swarmforge/conductor/internal/task"
)

// Graph is the compiled dependency structure over a set of tasks.
type Graph struct {
	tasks    map[string]*task.Task
	children map[string][]string
	parents  map[string][]string
}

// Build constructs a Graph from tasks, validating that every DependsOn
// reference resolves to a known task ID.
func Build(tasks []*task.Task) (*Graph, error) {
	g := &Graph{
		tasks:    make(map[string]*task.Task, len(tasks)),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
	for _, t := range tasks {
		if _, dup := g.tasks[t.ID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.ID)
		}
		g.tasks[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
			g.children[dep] = append(g.children[dep], t.ID)
			g.parents[t.ID] = append(g.parents[t.ID], dep)
		}
	}
	if cyc := g.findCycle(); cyc != nil {
		return nil, fmt.Errorf("dependency cycle detected: %s", strings.Join(cyc, " -> "))
	}
	return g, nil
}

// Task returns the task registered under id.
func (g *Graph) Task(id string) (*task.Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Parents returns the direct upstream dependency IDs of id.
func (g *Graph) Parents(id string) []string { return g.parents[id] }

// Children returns the direct downstream dependents of id.
func (g *Graph) Children(id string) []string { return g.children[id] }

// TaskIDs returns every task ID registered in the graph, in no
// particular order.
func (g *Graph) TaskIDs() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	return ids
}

// color marks DFS visitation state for cycle detection.
type color int

const (
	white color = iota
	gray
	black
)

func (g *Graph) findCycle() []string {
	colors := make(map[string]color, len(g.tasks))
	var path []string
	var dfs func(id string) []string
	dfs = func(id string) []string {
		colors[id] = gray
		path = append(path, id)
		for _, next := range g.children[id] {
			switch colors[next] {
			case gray:
				cycleStart := 0
				for i, p := range path {
					if p == next {
						cycleStart = i
						break
					}
				}
				return append(append([]string{}, path[cycleStart:]...), next)
			case white:
				if cyc := dfs(next); cyc != nil {
					return cyc
				}
			}
		}
		path = path[:len(path)-1]
		colors[id] = black
		return nil
	}
	for id := range g.tasks {
		if colors[id] == white {
			if cyc := dfs(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// Levels returns task IDs grouped by parallel-execution level using
// Kahn's algorithm: level 0 has no dependencies, level N depends only on
// tasks in levels < N.
func (g *Graph) Levels() [][]string {
	indegree := make(map[string]int, len(g.tasks))
	for id := range g.tasks {
		indegree[id] = len(g.parents[id])
	}
	var levels [][]string
	remaining := len(g.tasks)
	for remaining > 0 {
		var level []string
		for id, deg := range indegree {
			if deg == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break // unreachable: findCycle would have already caught this
		}
		for _, id := range level {
			delete(indegree, id)
			remaining--
			for _, child := range g.children[id] {
				indegree[child]--
			}
		}
		levels = append(levels, level)
	}
	return levels
}

// CriticalPath computes earliest/latest start times and slack per task
// given a duration estimate function, returning the zero-slack path.
func (g *Graph) CriticalPath(durationMS func(id string) int64) []string {
	order := g.topoOrder()
	earliestFinish := make(map[string]int64, len(order))
	for _, id := range order {
		start := int64(0)
		for _, p := range g.parents[id] {
			if ef := earliestFinish[p]; ef > start {
				start = ef
			}
		}
		earliestFinish[id] = start + durationMS(id)
	}

	var projectEnd int64
	for _, ef := range earliestFinish {
		if ef > projectEnd {
			projectEnd = ef
		}
	}

	latestFinish := make(map[string]int64, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		if len(g.children[id]) == 0 {
			latestFinish[id] = projectEnd
			continue
		}
		lf := projectEnd
		for _, c := range g.children[id] {
			if cand := latestFinish[c] - durationMS(c); cand < lf {
				lf = cand
			}
		}
		latestFinish[id] = lf
	}

	var critical []string
	for _, id := range order {
		slack := latestFinish[id] - earliestFinish[id]
		if slack == 0 {
			critical = append(critical, id)
		}
	}
	return critical
}

func (g *Graph) topoOrder() []string {
	var order []string
	for _, level := range g.Levels() {
		order = append(order, level...)
	}
	return order
}
