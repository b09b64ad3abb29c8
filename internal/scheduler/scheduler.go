// Copyright 2025 ByteDance Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler orders implementation tasks by their declared
// dependencies. Orders are deterministic: among tasks that are ready at the
// same time, the one declared first goes first.
package scheduler

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/transmute/artifact"
)

// ErrInvalidGraph matches every graph error returned by this package.
var ErrInvalidGraph = errors.New("invalid dependency graph")

// CycleDetected reports one concrete cycle, first node repeated at the end.
type CycleDetected struct {
	Cycle []string
}

func (e *CycleDetected) Error() string {
	return "dependency cycle detected: " + strings.Join(e.Cycle, " -> ")
}

func (e *CycleDetected) Is(target error) bool { return target == ErrInvalidGraph }

type UnknownDependency struct {
	Task       string
	Dependency string
}

func (e *UnknownDependency) Error() string {
	return fmt.Sprintf("task %s depends on undeclared task %s", e.Task, e.Dependency)
}

func (e *UnknownDependency) Is(target error) bool { return target == ErrInvalidGraph }

// Graph is the dependency graph of a blueprint.
type Graph struct {
	ids        []string
	index      map[string]int
	deps       map[string][]string
	dependents map[string][]string
}

// New builds the graph from both depends_on and dependency_graph edges.
func New(b *artifact.DesignBlueprint) (*Graph, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: blueprint is nil", ErrInvalidGraph)
	}
	g := &Graph{
		ids:        make([]string, 0, len(b.Tasks)),
		index:      make(map[string]int, len(b.Tasks)),
		deps:       make(map[string][]string, len(b.Tasks)),
		dependents: make(map[string][]string, len(b.Tasks)),
	}
	for _, t := range b.Tasks {
		if _, dup := g.index[t.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate task %s", ErrInvalidGraph, t.ID)
		}
		g.index[t.ID] = len(g.ids)
		g.ids = append(g.ids, t.ID)
	}
	for _, id := range g.ids {
		deps := b.Dependencies(id)
		for _, d := range deps {
			if _, ok := g.index[d]; !ok {
				return nil, &UnknownDependency{Task: id, Dependency: d}
			}
			g.dependents[d] = append(g.dependents[d], id)
		}
		g.deps[id] = deps
	}
	for k := range b.DependencyGraph {
		if _, ok := g.index[k]; !ok {
			return nil, &UnknownDependency{Task: k, Dependency: k}
		}
	}
	return g, nil
}

// IDs returns task ids in declaration order.
func (g *Graph) IDs() []string { return append([]string(nil), g.ids...) }

func (g *Graph) Dependencies(id string) []string { return append([]string(nil), g.deps[id]...) }

// Dependents returns the direct dependents of id in declaration order.
func (g *Graph) Dependents(id string) []string {
	out := append([]string(nil), g.dependents[id]...)
	sort.Slice(out, func(i, j int) bool { return g.index[out[i]] < g.index[out[j]] })
	return out
}

// Downstream returns every task that transitively depends on id.
func (g *Graph) Downstream(id string) []string {
	seen := map[string]bool{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range g.dependents[cur] {
			if !seen[d] {
				seen[d] = true
				stack = append(stack, d)
			}
		}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return g.index[out[i]] < g.index[out[j]] })
	return out
}

// Order returns a topological order of the tasks.
func (g *Graph) Order() ([]string, error) {
	indegree := make(map[string]int, len(g.ids))
	ready := &idHeap{index: g.index}
	for _, id := range g.ids {
		indegree[id] = len(g.deps[id])
		if indegree[id] == 0 {
			heap.Push(ready, id)
		}
	}
	order := make([]string, 0, len(g.ids))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		order = append(order, id)
		for _, d := range g.dependents[id] {
			indegree[d]--
			if indegree[d] == 0 {
				heap.Push(ready, d)
			}
		}
	}
	if len(order) < len(g.ids) {
		return nil, &CycleDetected{Cycle: g.findCycle(indegree)}
	}
	return order, nil
}

// Layers groups tasks by dependency depth. Tasks in one layer have no
// ordering relation between them and may run concurrently; concatenating the
// layers yields a valid order.
func (g *Graph) Layers() ([][]string, error) {
	order, err := g.Order()
	if err != nil {
		return nil, err
	}
	depth := make(map[string]int, len(order))
	maxDepth := 0
	for _, id := range order {
		d := 0
		for _, dep := range g.deps[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}
	layers := make([][]string, maxDepth+1)
	for _, id := range g.ids {
		layers[depth[id]] = append(layers[depth[id]], id)
	}
	return layers, nil
}

// findCycle walks dependency edges among the tasks Kahn could not release.
func (g *Graph) findCycle(indegree map[string]int) []string {
	var start string
	for _, id := range g.ids {
		if indegree[id] > 0 {
			start = id
			break
		}
	}
	pos := map[string]int{}
	path := []string{}
	cur := start
	for {
		if i, ok := pos[cur]; ok {
			return append(path[i:], cur)
		}
		pos[cur] = len(path)
		path = append(path, cur)
		next := ""
		for _, d := range g.deps[cur] {
			if indegree[d] > 0 {
				next = d
				break
			}
		}
		if next == "" {
			// unreachable when indegree is consistent
			return path
		}
		cur = next
	}
}

// Order is a convenience for New(b) followed by Order.
func Order(b *artifact.DesignBlueprint) ([]string, error) {
	g, err := New(b)
	if err != nil {
		return nil, err
	}
	return g.Order()
}

type idHeap struct {
	ids   []string
	index map[string]int
}

func (h *idHeap) Len() int           { return len(h.ids) }
func (h *idHeap) Less(i, j int) bool { return h.index[h.ids[i]] < h.index[h.ids[j]] }
func (h *idHeap) Swap(i, j int)      { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }
func (h *idHeap) Push(x any)         { h.ids = append(h.ids, x.(string)) }
func (h *idHeap) Pop() any {
	n := len(h.ids)
	x := h.ids[n-1]
	h.ids = h.ids[:n-1]
	return x
}
