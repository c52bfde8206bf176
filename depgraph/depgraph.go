// Package depgraph records "a depends on b" relations over opaque ids and
// answers whether they form a cycle.
package depgraph

import (
	"slices"
)

// DependencyGraph is a directed graph of ids. It is not safe for
// concurrent use.
type DependencyGraph[T comparable] struct {
	deps  map[T]map[T]struct{}
	order []T
}

// New returns an empty dependency graph.
func New[T comparable]() *DependencyGraph[T] {
	return &DependencyGraph[T]{deps: make(map[T]map[T]struct{})}
}

func (g *DependencyGraph[T]) ensure(id T) map[T]struct{} {
	d, ok := g.deps[id]
	if !ok {
		d = make(map[T]struct{})
		g.deps[id] = d
		g.order = append(g.order, id)
	}
	return d
}

// AddID registers id with no dependencies.
func (g *DependencyGraph[T]) AddID(id T) {
	g.ensure(id)
}

// IDDependsOn records that a requires b.
func (g *DependencyGraph[T]) IDDependsOn(a, b T) {
	g.ensure(b)
	g.ensure(a)[b] = struct{}{}
}

// RemoveDependency forgets that a requires b.
func (g *DependencyGraph[T]) RemoveDependency(a, b T) {
	if d, ok := g.deps[a]; ok {
		delete(d, b)
	}
}

// Contains reports whether id has been registered.
func (g *DependencyGraph[T]) Contains(id T) bool {
	_, ok := g.deps[id]
	return ok
}

// Len returns the number of ids.
func (g *DependencyGraph[T]) Len() int {
	return len(g.deps)
}

// Dependencies returns what a requires, in registration order.
func (g *DependencyGraph[T]) Dependencies(a T) []T {
	d := g.deps[a]
	out := make([]T, 0, len(d))
	for _, id := range g.order {
		if _, ok := d[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// IndependentIDs returns the ids with no dependencies, in registration
// order.
func (g *DependencyGraph[T]) IndependentIDs() []T {
	var out []T
	for _, id := range g.order {
		if len(g.deps[id]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

const (
	white = iota
	grey
	black
)

// IsCyclic reports whether following dependencies can lead back to where
// it started. Iterative three-color depth-first search.
func (g *DependencyGraph[T]) IsCyclic() bool {
	_, found := g.FindCycle()
	return found
}

// FindCycle returns one cycle, starting and ending at the same id, if any
// exists.
func (g *DependencyGraph[T]) FindCycle() ([]T, bool) {
	color := make(map[T]int, len(g.deps))
	type frame struct {
		id   T
		deps []T
		next int
	}

	for _, start := range g.order {
		if color[start] != white {
			continue
		}
		stack := []frame{{id: start, deps: g.Dependencies(start)}}
		color[start] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next == len(top.deps) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			dep := top.deps[top.next]
			top.next++
			switch color[dep] {
			case grey:
				cycle := []T{dep}
				for i := len(stack) - 1; i >= 0 && stack[i].id != dep; i-- {
					cycle = append(cycle, stack[i].id)
				}
				cycle = append(cycle, dep)
				slices.Reverse(cycle)
				return cycle, true
			case white:
				color[dep] = grey
				stack = append(stack, frame{id: dep, deps: g.Dependencies(dep)})
			}
		}
	}
	return nil, false
}
