package scheduler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tasknet/dispatch/pkg/models"
)

// ErrCycleDetected indicates a circular dependency between subtasks.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph represents a directed acyclic graph of subtask
// dependencies. Subtasks are nodes, and edges represent "blocked by"
// relationships.
type DependencyGraph struct {
	// nodes maps subtask ID to the subtask itself.
	nodes map[string]*models.Subtask
	// edges maps subtask ID to IDs of subtasks it depends on.
	edges map[string][]string
}

// NewDependencyGraph creates a new empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]*models.Subtask),
		edges: make(map[string][]string),
	}
}

// Build constructs the dependency graph from a slice of subtasks.
// Returns an error if a cycle is detected or a dependency references an
// unknown subtask.
func (g *DependencyGraph) Build(subtasks []*models.Subtask) error {
	for _, st := range subtasks {
		g.nodes[st.ID] = st
		g.edges[st.ID] = nil
	}

	for _, st := range subtasks {
		for _, depID := range st.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("subtask %s depends on unknown subtask %s", st.ID, depID)
			}
			g.edges[st.ID] = append(g.edges[st.ID], depID)
		}
	}

	if g.HasCycle() {
		return ErrCycleDetected
	}

	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (g *DependencyGraph) HasCycle() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int)
	for id := range g.nodes {
		colors[id] = 0
	}

	var hasCycle bool
	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Found a back edge.
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for id := range g.nodes {
		if colors[id] == 0 {
			if visit(id) {
				hasCycle = true
				break
			}
		}
	}

	return hasCycle
}

// Ready returns subtasks that are still allocatable and whose
// dependencies have all completed. Results are ordered by priority
// descending, then by subtask ID for determinism.
func (g *DependencyGraph) Ready() []*models.Subtask {
	var ready []*models.Subtask

	for id, st := range g.nodes {
		if !st.Status.Allocatable() {
			continue
		}

		allDepsComplete := true
		for _, depID := range g.edges[id] {
			if dep, exists := g.nodes[depID]; !exists || dep.Status != models.SubtaskStatusCompleted {
				allDepsComplete = false
				break
			}
		}

		if allDepsComplete {
			ready = append(ready, st)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// Dependents returns the IDs of subtasks that depend on the given subtask.
func (g *DependencyGraph) Dependents(subtaskID string) []string {
	var dependents []string
	for id, deps := range g.edges {
		for _, depID := range deps {
			if depID == subtaskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// Get returns the subtask for a given ID, or nil if not found.
func (g *DependencyGraph) Get(subtaskID string) *models.Subtask {
	return g.nodes[subtaskID]
}

// Size returns the number of subtasks in the graph.
func (g *DependencyGraph) Size() int {
	return len(g.nodes)
}
